package utils

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"toolforge/config"
)

// ConstructStripeEvent securely constructs and verifies a Stripe webhook
// event. Verification is a precondition for every reconciler action.
func ConstructStripeEvent(c *fiber.Ctx) (stripe.Event, error) {
	payload := c.Body()
	if len(payload) == 0 {
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Empty request body")
	}

	signature := c.Get("Stripe-Signature")
	if signature == "" {
		logrus.Warn("stripe webhook missing signature header")
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Missing Stripe-Signature header")
	}

	// Tolerance covers clock drift between Stripe and this host
	event, err := webhook.ConstructEventWithTolerance(
		payload,
		signature,
		config.AppConfig.StripeWebhookSecret,
		5*time.Minute,
	)
	if err != nil {
		logrus.WithError(err).Warn("stripe webhook signature verification failed")
		return stripe.Event{}, fiber.NewError(fiber.StatusBadRequest, "Invalid webhook signature")
	}

	logrus.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}).Info("stripe webhook event verified")

	return event, nil
}
