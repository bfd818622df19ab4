package routes

import (
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"toolforge/config"
	controller "toolforge/controllers"
	"toolforge/ledger"
	"toolforge/middleware"
)

func SetupAuthRoutes(app *fiber.App) {
	auth := app.Group("/auth", fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	// Google OAuth routes
	auth.Get("/google", controller.GoogleOAuth)
	auth.Get("/google/callback", controller.GoogleOAuthCallback)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", controller.Logout)
	protectedAuth.Get("/me", controller.GetCurrentUser)
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, store *ledger.Store) {
	creditController := controller.NewCreditController(db, store, logrus.WithField("component", "credits"))
	checkoutController := controller.NewCheckoutController(db, config.AppConfig.Prices, logrus.WithField("component", "checkout"))
	studioController := controller.NewStudioController(db, store, logrus.WithField("component", "studio"))
	webhookController := controller.NewWebhookController(db, store, config.AppConfig.Prices, logrus.WithField("component", "webhook"))

	// Stripe posts here; signature verification is the auth
	app.Post("/webhooks/stripe", webhookController.HandleStripeWebhook)

	api := app.Group("/api/v1", middleware.Protected(), fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Credit routes; spend endpoints are rate limited per account
	credits := api.Group("/credits")
	credits.Get("/", creditController.GetBalance)
	credits.Post("/refresh", creditController.RefreshBalance)
	credits.Get("/transactions", creditController.GetTransactions)
	credits.Post("/deduct", middleware.DeductRateLimiter(), creditController.Deduct)

	// Billing routes
	billing := api.Group("/billing")
	billing.Get("/packs", checkoutController.GetPacks)
	billing.Post("/checkout", checkoutController.CreateCheckoutSession)

	// Studio routes
	studio := api.Group("/studio")
	studio.Post("/projects", studioController.CreateProject)
	studio.Get("/projects", studioController.ListProjects)
	studio.Get("/projects/:slug", studioController.GetProject)
	studio.Post("/projects/:id/vote", studioController.ToggleVote)
	studio.Post("/projects/:id/reviews", studioController.CreateReview)
	studio.Post("/projects/:id/boost", middleware.DeductRateLimiter(), studioController.BoostProject)
	studio.Get("/projects/:id/audit", studioController.GetAudit)
	studio.Post("/projects/:id/audit/unlock", middleware.DeductRateLimiter(), studioController.UnlockAudit)

	// WebSocket route for live balance updates
	app.Get("/credits/ws", websocket.New(func(c *websocket.Conn) {
		creditController.HandleBalanceWS(c)
	}))
}

func SetupRoutes(app *fiber.App, db *gorm.DB, store *ledger.Store) {
	// Initialize Stripe
	controller.InitStripe()

	controller.InitAuth(store)

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app)
	SetupAPIRoutes(app, db, store)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
