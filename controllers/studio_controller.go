package controller

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"toolforge/ledger"
	"toolforge/models"
	"toolforge/utils"
)

// Credit prices for Studio actions
const (
	AuditUnlockCost  = 50
	ProjectBoostCost = 100

	boostDuration = 7 * 24 * time.Hour
)

type StudioController struct {
	DB     *gorm.DB
	Store  *ledger.Store
	Logger *logrus.Entry
}

func NewStudioController(db *gorm.DB, store *ledger.Store, logger *logrus.Entry) *StudioController {
	return &StudioController{DB: db, Store: store, Logger: logger}
}

type CreateProjectRequest struct {
	Name        string `json:"name" validate:"required,max=120"`
	Tagline     string `json:"tagline" validate:"max=200"`
	Description string `json:"description" validate:"max=5000"`
	URL         string `json:"url" validate:"omitempty,url"`
	ImageURL    string `json:"image_url" validate:"omitempty,url"`
}

type ReviewRequest struct {
	Rating int    `json:"rating" validate:"required,min=1,max=5"`
	Body   string `json:"body" validate:"max=5000"`
}

// CreateProject submits a new Studio project.
func (sc *StudioController) CreateProject(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	project := models.Project{
		UserID:      user.ID,
		Name:        req.Name,
		Slug:        utils.Slugify(req.Name),
		Tagline:     req.Tagline,
		Description: req.Description,
		URL:         req.URL,
		ImageURL:    req.ImageURL,
	}
	if err := sc.DB.Create(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "A project with this name already exists",
			})
		}
		sc.Logger.WithError(err).Error("failed to create project")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create project",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(project)
}

// ListProjects returns the showcase, boosted projects first, then by votes.
func (sc *StudioController) ListProjects(c *fiber.Ctx) error {
	var projects []models.Project
	if err := sc.DB.Preload("Audit").
		Order("votes DESC").
		Limit(100).
		Find(&projects).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load projects",
		})
	}

	now := time.Now()
	sort.SliceStable(projects, func(i, j int) bool {
		bi, bj := projects[i].Boosted(now), projects[j].Boosted(now)
		if bi != bj {
			return bi
		}
		return projects[i].Votes > projects[j].Votes
	})

	return c.JSON(fiber.Map{"projects": projects})
}

// GetProject returns one project by slug, with reviews.
func (sc *StudioController) GetProject(c *fiber.Ctx) error {
	var project models.Project
	err := sc.DB.Preload("Reviews").Preload("Audit").
		Where("slug = ?", c.Params("slug")).
		First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Project not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load project",
		})
	}
	return c.JSON(project)
}

// ToggleVote adds or removes the caller's vote and keeps the denormalized
// counter in step with the vote rows.
func (sc *StudioController) ToggleVote(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	projectID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid project id",
		})
	}

	var voted bool
	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.First(&project, projectID).Error; err != nil {
			return err
		}

		var vote models.ProjectVote
		err := tx.Where("project_id = ? AND user_id = ?", project.ID, user.ID).
			First(&vote).Error
		switch {
		case err == nil:
			if err := tx.Unscoped().Delete(&vote).Error; err != nil {
				return err
			}
			voted = false
			return tx.Model(&project).
				Update("votes", gorm.Expr("votes - 1")).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&models.ProjectVote{
				ProjectID: project.ID,
				UserID:    user.ID,
			}).Error; err != nil {
				return err
			}
			voted = true
			return tx.Model(&project).
				Update("votes", gorm.Expr("votes + 1")).Error
		default:
			return err
		}
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Project not found",
			})
		}
		sc.Logger.WithError(err).Error("vote toggle failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record vote",
		})
	}

	return c.JSON(fiber.Map{"voted": voted})
}

// CreateReview posts a review on a project.
func (sc *StudioController) CreateReview(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	projectID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid project id",
		})
	}

	var req ReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var project models.Project
	if err := sc.DB.First(&project, projectID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}

	review := models.ProjectReview{
		ProjectID: project.ID,
		UserID:    user.ID,
		Rating:    req.Rating,
		Body:      req.Body,
	}
	if err := sc.DB.Create(&review).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to create review")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create review",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(review)
}

// BoostProject spends credits to put the project in the boosted window.
func (sc *StudioController) BoostProject(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	projectID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid project id",
		})
	}

	var project models.Project
	if err := sc.DB.First(&project, projectID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Project not found",
		})
	}
	if project.UserID != user.ID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Only the owner can boost a project",
		})
	}

	snap, err := sc.Store.Deduct(c.Context(), user.ID, ProjectBoostCost, "project_boost")
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"success": false,
				"error":   "insufficient_credits",
			})
		}
		sc.Logger.WithError(err).Error("boost deduct failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong, please retry",
		})
	}

	until := time.Now().Add(boostDuration)
	if err := sc.DB.Model(&project).Update("boosted_until", &until).Error; err != nil {
		// Credits are spent but the boost write failed; surface loudly
		sc.Logger.WithError(err).WithFields(logrus.Fields{
			"user_id":    user.ID,
			"project_id": project.ID,
		}).Error("boost paid but not applied")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong, please retry",
		})
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"boosted_until": until,
		"total_credits": snap.TotalCredits,
	})
}

// UnlockAudit spends credits to reveal a project's full audit body. Already
// unlocked is not an error and costs nothing.
func (sc *StudioController) UnlockAudit(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	projectID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid project id",
		})
	}

	var audit models.ProjectAudit
	if err := sc.DB.Where("project_id = ?", projectID).First(&audit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No audit available for this project",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load audit",
		})
	}

	var unlock models.AuditUnlock
	err = sc.DB.Where("project_id = ? AND user_id = ?", projectID, user.ID).
		First(&unlock).Error
	if err == nil {
		return c.JSON(fiber.Map{
			"score":   audit.Score,
			"summary": audit.Summary,
			"body":    audit.Body,
		})
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to check unlock",
		})
	}

	if _, err := sc.Store.Deduct(c.Context(), user.ID, AuditUnlockCost, "audit_unlock"); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"success": false,
				"error":   "insufficient_credits",
			})
		}
		sc.Logger.WithError(err).Error("audit unlock deduct failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong, please retry",
		})
	}

	if err := sc.DB.Create(&models.AuditUnlock{
		ProjectID: uint(projectID),
		UserID:    user.ID,
	}).Error; err != nil {
		sc.Logger.WithError(err).WithFields(logrus.Fields{
			"user_id":    user.ID,
			"project_id": projectID,
		}).Error("unlock paid but not recorded")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong, please retry",
		})
	}

	return c.JSON(fiber.Map{
		"score":   audit.Score,
		"summary": audit.Summary,
		"body":    audit.Body,
	})
}

// GetAudit returns the public part of a project audit: score and summary.
// The body stays hidden unless the caller has an unlock.
func (sc *StudioController) GetAudit(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	projectID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid project id",
		})
	}

	var audit models.ProjectAudit
	if err := sc.DB.Where("project_id = ?", projectID).First(&audit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No audit available for this project",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load audit",
		})
	}

	resp := fiber.Map{
		"score":    audit.Score,
		"summary":  audit.Summary,
		"unlocked": false,
	}

	var unlock models.AuditUnlock
	if err := sc.DB.Where("project_id = ? AND user_id = ?", projectID, user.ID).
		First(&unlock).Error; err == nil {
		resp["unlocked"] = true
		resp["body"] = audit.Body
	}

	return c.JSON(resp)
}
