package controller

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"toolforge/ledger"
	"toolforge/models"
	"toolforge/utils"
)

type CreditController struct {
	DB     *gorm.DB
	Store  *ledger.Store
	Logger *logrus.Entry
}

func NewCreditController(db *gorm.DB, store *ledger.Store, logger *logrus.Entry) *CreditController {
	return &CreditController{DB: db, Store: store, Logger: logger}
}

type DeductRequest struct {
	Amount int    `json:"amount" validate:"required,gt=0"`
	Action string `json:"action" validate:"required,max=64"`
}

// GetBalance returns the account snapshot, applying any due refills first.
func (cc *CreditController) GetBalance(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	if _, _, err := cc.Store.ApplyRefills(c.Context(), user.ID, time.Now()); err != nil {
		cc.Logger.WithError(err).WithField("user_id", user.ID).Warn("refill on balance read failed")
	}

	snap, err := cc.Store.Refresh(c.Context(), user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong, please retry",
		})
	}
	return c.JSON(snap)
}

// Deduct spends credits on a gated action. Insufficient funds is an expected
// outcome, answered with 402 and no error logging.
func (cc *CreditController) Deduct(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req DeductRequest
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

	snap, err := cc.Store.Deduct(c.Context(), user.ID, req.Amount, req.Action)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"success": false,
				"error":   "insufficient_credits",
			})
		case errors.Is(err, ledger.ErrInvalidAmount):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Amount must be positive",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Something went wrong, please retry",
			})
		}
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"free_credits":  snap.FreeCredits,
		"paid_credits":  snap.PaidCredits,
		"total_credits": snap.TotalCredits,
	})
}

// RefreshBalance forces a resynchronization from the source of truth.
func (cc *CreditController) RefreshBalance(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	if _, _, err := cc.Store.ApplyRefills(c.Context(), user.ID, time.Now()); err != nil {
		cc.Logger.WithError(err).WithField("user_id", user.ID).Warn("refill on refresh failed")
	}

	snap, err := cc.Store.Refresh(c.Context(), user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Something went wrong, please retry",
		})
	}
	return c.JSON(snap)
}

// GetTransactions lists the most recent ledger trail entries.
func (cc *CreditController) GetTransactions(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var txns []models.CreditTransaction
	if err := cc.DB.Where("user_id = ?", user.ID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load transactions",
		})
	}

	return c.JSON(fiber.Map{"transactions": txns})
}

// HandleBalanceWS streams balance snapshots to a connected client. The
// client sends its access token once, then receives a snapshot whenever the
// ticker fires. Useful for keeping the header credit counter live while a
// purchase webhook lands in the background.
func (cc *CreditController) HandleBalanceWS(conn *websocket.Conn) {
	defer conn.Close()

	var input struct {
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&input); err != nil {
		cc.Logger.WithError(err).Debug("balance ws: bad handshake")
		return
	}

	claims, err := utils.ParseJWTToken(input.Token)
	if err != nil {
		_ = conn.WriteJSON(fiber.Map{"error": "unauthorized"})
		return
	}

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	ctx := context.Background()
	for range ticker.C {
		snap, ok := cc.Store.Cached(ctx, claims.UserID)
		if !ok {
			var err error
			snap, err = cc.Store.Refresh(ctx, claims.UserID)
			if err != nil {
				cc.Logger.WithError(err).WithField("user_id", claims.UserID).Debug("balance ws: refresh failed")
				return
			}
		}
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}
