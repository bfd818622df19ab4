package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"
	"gorm.io/gorm"

	"toolforge/config"
	"toolforge/ledger"
	"toolforge/models"
	"toolforge/utils"
)

// A subscription younger than this at event time is a first activation;
// older ones are billing-cycle renewals.
const renewalAge = 24 * time.Hour

// StripeResolver fetches payment-provider objects that webhook payloads only
// reference by ID.
type StripeResolver interface {
	GetSubscription(id string) (*stripe.Subscription, error)
	GetCustomer(id string) (*stripe.Customer, error)
}

type apiResolver struct{}

func (apiResolver) GetSubscription(id string) (*stripe.Subscription, error) {
	return subscription.Get(id, nil)
}

func (apiResolver) GetCustomer(id string) (*stripe.Customer, error) {
	return customer.Get(id, nil)
}

// WebhookController reconciles Stripe events into ledger mutations. It is
// the only writer of purchase and subscription credit changes; the checkout
// flow itself never touches balances.
type WebhookController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Store  *ledger.Store
	Prices config.PriceTable
	Stripe StripeResolver

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewWebhookController(db *gorm.DB, store *ledger.Store, prices config.PriceTable, logger *logrus.Entry) *WebhookController {
	return &WebhookController{
		DB:     db,
		Logger: logger,
		Store:  store,
		Prices: prices,
		Stripe: apiResolver{},
		Now:    time.Now,
	}
}

// HandleStripeWebhook verifies and dispatches a Stripe event. Events that
// cannot be attributed to an account are logged and acknowledged with 200 so
// Stripe stops retrying; only internal store failures return 500.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	event, err := utils.ConstructStripeEvent(c)
	if err != nil {
		wc.Logger.WithError(err).Warn("rejected webhook with bad signature")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			wc.Logger.WithError(err).Error("failed to parse checkout session")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing checkout session",
			})
		}
		return wc.handleCheckoutCompleted(c, event.ID, &sess)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			wc.Logger.WithError(err).Error("failed to parse subscription")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing subscription",
			})
		}
		return wc.applySubscription(c, event.ID, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			wc.Logger.WithError(err).Error("failed to parse subscription")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing subscription",
			})
		}
		return wc.handleSubscriptionDeleted(c, &sub)

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			wc.Logger.WithError(err).Error("failed to parse invoice")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing invoice",
			})
		}
		return wc.handleInvoicePaid(c, event.ID, &inv)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

// handleCheckoutCompleted credits a one-time pack purchase. A subscription
// checkout carries no grant itself; its subscription is fetched and applied
// through the same path as the subscription events.
func (wc *WebhookController) handleCheckoutCompleted(c *fiber.Ctx, eventID string, sess *stripe.CheckoutSession) error {
	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		if sess.Subscription == nil {
			return c.SendStatus(fiber.StatusOK)
		}
		sub, err := wc.Stripe.GetSubscription(sess.Subscription.ID)
		if err != nil {
			wc.Logger.WithError(err).WithField("session_id", sess.ID).Error("failed to fetch subscription for completed checkout")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return wc.applySubscription(c, eventID, sub)
	}

	log := wc.Logger.WithFields(logrus.Fields{
		"event_id":   eventID,
		"session_id": sess.ID,
	})

	priceID := sess.Metadata["price_id"]
	credits, ok := wc.Prices.Credits(priceID)
	if !ok {
		// Price the catalog does not know. Never guess an amount.
		log.WithField("price_id", priceID).Error("checkout completed with unmapped price, no credits granted")
		sentry.CaptureMessage(fmt.Sprintf("unmapped stripe price %q on session %s", priceID, sess.ID))
		return c.SendStatus(fiber.StatusOK)
	}

	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}
	user, err := wc.resolveAccount(sess.Metadata["user_id"], email)
	if err != nil {
		log.WithError(err).Error("account lookup failed")
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if user == nil {
		log.WithField("email", email).Warn("checkout completed for unknown account, dropped")
		return c.SendStatus(fiber.StatusOK)
	}

	desc := fmt.Sprintf("Purchased %d-credit pack", credits)
	ref := ledger.EventRef{EventID: eventID, SessionID: sess.ID, PriceID: priceID}
	if _, err := wc.Store.Grant(c.Context(), user.ID, credits, models.TransactionKindPurchase, desc, ref); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Error("failed to grant purchased credits")
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	go func() {
		if err := utils.SendReceiptEmail(user.Email, credits, desc); err != nil {
			wc.Logger.WithError(err).WithField("user_id", user.ID).Warn("failed to send receipt email")
		}
	}()

	log.WithFields(logrus.Fields{
		"user_id": user.ID,
		"credits": credits,
	}).Info("pack purchase credited")
	return c.SendStatus(fiber.StatusOK)
}

// applySubscription maps a subscription's current status onto the account.
// Active and trialing grant PRO; terminal statuses revoke it. A pending
// cancellation (cancel_at_period_end) changes nothing until the period
// actually ends and the status flips.
func (wc *WebhookController) applySubscription(c *fiber.Ctx, eventID string, sub *stripe.Subscription) error {
	log := wc.Logger.WithFields(logrus.Fields{
		"event_id":        eventID,
		"subscription_id": sub.ID,
		"status":          sub.Status,
	})

	user, err := wc.resolveSubscriptionAccount(sub)
	if err != nil {
		log.WithError(err).Error("account lookup failed")
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if user == nil {
		log.Warn("subscription event for unknown account, dropped")
		return c.SendStatus(fiber.StatusOK)
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		first := wc.Now().Sub(time.Unix(sub.Created, 0)) < renewalAge
		ref := ledger.EventRef{EventID: eventID}
		if _, err := wc.Store.ActivatePro(c.Context(), user.ID, first, ref); err != nil {
			log.WithError(err).WithField("user_id", user.ID).Error("failed to activate PRO")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		log.WithFields(logrus.Fields{
			"user_id":          user.ID,
			"first_activation": first,
		}).Info("PRO applied")

	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusIncompleteExpired:
		if err := wc.Store.DeactivatePro(c.Context(), user.ID); err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
			log.WithError(err).WithField("user_id", user.ID).Error("failed to deactivate PRO")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		log.WithField("user_id", user.ID).Info("PRO revoked")

	default:
		log.Debug("subscription status carries no balance change")
	}

	return c.SendStatus(fiber.StatusOK)
}

func (wc *WebhookController) handleSubscriptionDeleted(c *fiber.Ctx, sub *stripe.Subscription) error {
	log := wc.Logger.WithField("subscription_id", sub.ID)

	user, err := wc.resolveSubscriptionAccount(sub)
	if err != nil {
		log.WithError(err).Error("account lookup failed")
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if user == nil {
		log.Warn("subscription deleted for unknown account, dropped")
		return c.SendStatus(fiber.StatusOK)
	}

	if err := wc.Store.DeactivatePro(c.Context(), user.ID); err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		log.WithError(err).WithField("user_id", user.ID).Error("failed to deactivate PRO")
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	log.WithField("user_id", user.ID).Info("subscription ended, PRO revoked")
	return c.SendStatus(fiber.StatusOK)
}

// handleInvoicePaid re-fetches the referenced subscription and applies its
// current state. This covers renewals whose subscription.updated event was
// missed or delivered out of order.
func (wc *WebhookController) handleInvoicePaid(c *fiber.Ctx, eventID string, inv *stripe.Invoice) error {
	if inv.Subscription == nil {
		return c.SendStatus(fiber.StatusOK)
	}

	sub, err := wc.Stripe.GetSubscription(inv.Subscription.ID)
	if err != nil {
		wc.Logger.WithError(err).WithField("subscription_id", inv.Subscription.ID).Error("failed to fetch subscription for paid invoice")
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	return wc.applySubscription(c, eventID, sub)
}

// resolveSubscriptionAccount pulls identity out of a subscription event,
// falling back to a customer fetch when the payload has no usable email.
func (wc *WebhookController) resolveSubscriptionAccount(sub *stripe.Subscription) (*models.User, error) {
	var email string
	if sub.Customer != nil {
		email = sub.Customer.Email
		if email == "" && sub.Customer.ID != "" {
			cust, err := wc.Stripe.GetCustomer(sub.Customer.ID)
			if err != nil {
				wc.Logger.WithError(err).WithField("customer_id", sub.Customer.ID).Warn("customer fetch failed, falling back to metadata only")
			} else {
				email = cust.Email
			}
		}
	}
	return wc.resolveAccount(sub.Metadata["user_id"], email)
}

// resolveAccount finds the account a payment event belongs to: metadata user
// ID first, then email. Returns nil with no error when neither matches; the
// caller decides whether to drop or escalate.
func (wc *WebhookController) resolveAccount(userIDMeta, email string) (*models.User, error) {
	if userIDMeta != "" {
		id, err := strconv.ParseUint(userIDMeta, 10, 64)
		if err == nil {
			var user models.User
			err := wc.DB.First(&user, uint(id)).Error
			if err == nil {
				return &user, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	if email != "" {
		var user models.User
		err := wc.DB.Where("email = ?", email).First(&user).Error
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, nil
}
