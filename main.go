package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"toolforge/config"
	"toolforge/ledger"
	"toolforge/middleware"
	"toolforge/routes"
	"toolforge/worker"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if config.AppConfig.Environment == "development" {
		logrus.SetFormatter(&logrus.TextFormatter{})
		logrus.SetLevel(logrus.DebugLevel)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logrus.WithError(err).Warn("sentry init failed, continuing without it")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}

	var rdb *redis.Client
	if config.AppConfig.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logrus.WithError(err).Warn("redis unreachable, snapshot cache disabled")
			rdb = nil
		}
	}

	store := ledger.NewStore(config.DB, rdb, logrus.WithField("component", "ledger"))

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Start the refill worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	refillWorker := worker.NewRefillWorker(config.DB, store, logrus.WithField("component", "refill_worker"))
	go refillWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, store)

	// Start server
	logrus.WithField("port", config.AppConfig.ServerPort).Info("server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logrus.WithError(err).Fatal("failed to start server")
	}
}
