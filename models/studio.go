package models

import (
	"time"

	"gorm.io/gorm"
)

// Project is a Studio showcase submission
type Project struct {
	gorm.Model
	UserID      uint   `gorm:"not null;index" json:"user_id"`
	Name        string `gorm:"not null" json:"name"`
	Slug        string `gorm:"not null;uniqueIndex" json:"slug"`
	Tagline     string `json:"tagline"`
	Description string `json:"description"`
	URL         string `json:"url"`
	ImageURL    string `json:"image_url,omitempty"`

	// Denormalized vote counter, maintained alongside ProjectVote rows
	Votes int `gorm:"default:0" json:"votes"`

	// Boost elevates visibility for a time window; paid for with credits
	BoostedUntil *time.Time `json:"boosted_until,omitempty"`

	// Relations
	User    User            `json:"-"`
	Reviews []ProjectReview `gorm:"foreignKey:ProjectID" json:"reviews,omitempty"`
	Audit   *ProjectAudit   `gorm:"foreignKey:ProjectID" json:"audit,omitempty"`
}

// Boosted reports whether the project is inside an active boost window.
func (p *Project) Boosted(now time.Time) bool {
	return p.BoostedUntil != nil && p.BoostedUntil.After(now)
}

// ProjectVote is one user's vote on a project; unique per user+project
type ProjectVote struct {
	gorm.Model
	ProjectID uint `gorm:"not null;uniqueIndex:ux_project_votes_project_user,priority:1" json:"project_id"`
	UserID    uint `gorm:"not null;uniqueIndex:ux_project_votes_project_user,priority:2" json:"user_id"`
}

// ProjectReview is a written review with a 1-5 rating
type ProjectReview struct {
	gorm.Model
	ProjectID uint   `gorm:"not null;index" json:"project_id"`
	UserID    uint   `gorm:"not null;index" json:"user_id"`
	Rating    int    `gorm:"not null" json:"rating"`
	Body      string `json:"body"`

	User User `json:"user,omitempty"`
}

// ProjectAudit stores the generated audit for a project. The summary and
// score are public; the full body is gated behind an AuditUnlock.
type ProjectAudit struct {
	gorm.Model
	ProjectID uint   `gorm:"not null;uniqueIndex" json:"project_id"`
	Score     int    `json:"score"`
	Summary   string `json:"summary"`
	Body      string `json:"-"` // full report, serialized JSON
}

// AuditUnlock records that a user paid to see a project's full audit
type AuditUnlock struct {
	gorm.Model
	ProjectID uint `gorm:"not null;uniqueIndex:ux_audit_unlocks_project_user,priority:1" json:"project_id"`
	UserID    uint `gorm:"not null;uniqueIndex:ux_audit_unlocks_project_user,priority:2" json:"user_id"`
}
