package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a user account in the system
type User struct {
	gorm.Model

	// Authentication fields
	Email         string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash  string `gorm:"not null" json:"-"`
	EmailVerified bool   `gorm:"default:false" json:"email_verified"`
	TokenVersion  int    `gorm:"default:0" json:"-"`

	// Google OAuth fields
	GoogleID       *string `gorm:"uniqueIndex" json:"google_id,omitempty"`
	GoogleImageURL *string `json:"google_image_url,omitempty"`

	// Profile information
	Username  *string `gorm:"uniqueIndex" json:"username,omitempty"`
	Name      *string `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	// Credit ledger. FreeCredits is the weekly non-cumulative allowance,
	// PaidCredits is purchased or PRO-granted and never expires. Both must
	// stay >= 0; every mutation goes through the ledger store.
	FreeCredits int        `gorm:"not null;check:free_credits >= 0" json:"free_credits"`
	PaidCredits int        `gorm:"not null;check:paid_credits >= 0" json:"paid_credits"`
	IsPro       bool       `gorm:"default:false" json:"is_pro"`
	FreeResetAt *time.Time `json:"free_reset_at"`
	ProResetAt  *time.Time `json:"pro_reset_at"`

	// Stripe integration
	StripeCustomerID *string `gorm:"index" json:"stripe_customer_id,omitempty"`
	DefaultCurrency  string  `gorm:"default:'usd'" json:"default_currency"`

	// Relations
	Projects     []Project           `gorm:"foreignKey:UserID" json:"projects,omitempty"`
	Transactions []CreditTransaction `gorm:"foreignKey:UserID" json:"transactions,omitempty"`
}

// TotalCredits is derived, never persisted independently.
func (u *User) TotalCredits() int {
	return u.FreeCredits + u.PaidCredits
}
