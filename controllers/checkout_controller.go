package controller

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"gorm.io/gorm"

	"toolforge/config"
	"toolforge/models"
	"toolforge/utils"
)

func InitStripe() {
	stripe.Key = config.AppConfig.StripeSecretKey
}

type CheckoutController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Prices config.PriceTable
}

func NewCheckoutController(db *gorm.DB, prices config.PriceTable, logger *logrus.Entry) *CheckoutController {
	return &CheckoutController{DB: db, Logger: logger, Prices: prices}
}

type CheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

// CreateCheckoutSession starts a Stripe Checkout Session for a credit pack
// (one-time payment) or the PRO subscription. The user ID is attached as
// metadata so the webhook can resolve the account without relying on email.
func (cc *CheckoutController) CreateCheckoutSession(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CheckoutRequest
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

	customerID, err := cc.getOrCreateStripeCustomer(user)
	if err != nil {
		cc.Logger.WithError(err).WithField("user_id", user.ID).Error("failed to prepare stripe customer")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process payment",
		})
	}

	frontendURL := config.AppConfig.FrontendURL
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(frontendURL + "/billing/success"),
		CancelURL:  stripe.String(frontendURL + "/billing/cancel"),
	}
	params.AddMetadata("user_id", strconv.Itoa(int(user.ID)))
	params.AddMetadata("price_id", req.PriceID)

	switch {
	case cc.Prices.IsProPrice(req.PriceID):
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		// Subscription events carry their own metadata copy
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": strconv.Itoa(int(user.ID)),
			},
		}
	default:
		if _, ok := cc.Prices.Credits(req.PriceID); !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown price",
			})
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	}

	sess, err := session.New(params)
	if err != nil {
		cc.Logger.WithError(err).Error("failed to create checkout session")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process payment",
		})
	}

	return c.JSON(fiber.Map{"url": sess.URL})
}

// GetPacks lists the purchasable catalog from configuration.
func (cc *CheckoutController) GetPacks(c *fiber.Ctx) error {
	type pack struct {
		PriceID string `json:"price_id"`
		Credits int    `json:"credits"`
		Name    string `json:"name"`
	}

	packs := make([]pack, 0, len(cc.Prices.Packs))
	for priceID, credits := range cc.Prices.Packs {
		packs = append(packs, pack{
			PriceID: priceID,
			Credits: credits,
			Name:    fmt.Sprintf("%d-credit pack", credits),
		})
	}

	return c.JSON(fiber.Map{
		"packs":        packs,
		"pro_price_id": cc.Prices.ProPriceID,
	})
}

// getOrCreateStripeCustomer gets or creates a Stripe customer
func (cc *CheckoutController) getOrCreateStripeCustomer(user *models.User) (string, error) {
	if user.StripeCustomerID != nil {
		return *user.StripeCustomerID, nil
	}

	var name string
	if user.Name != nil {
		name = *user.Name
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"user_id": strconv.Itoa(int(user.ID)),
		},
	}

	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}

	user.StripeCustomerID = &cust.ID
	if err := cc.DB.Model(user).Update("stripe_customer_id", cust.ID).Error; err != nil {
		return "", err
	}

	return cust.ID, nil
}
