package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"toolforge/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
}

// PriceTable maps Stripe price IDs to the credit quantity they purchase.
// An unmapped price must never grant credits.
type PriceTable struct {
	Packs      map[string]int `json:"packs"`
	ProPriceID string         `json:"pro_price_id"`
}

// Credits returns the credit quantity for a pack price ID.
func (t PriceTable) Credits(priceID string) (int, bool) {
	qty, ok := t.Packs[priceID]
	return qty, ok
}

// IsProPrice reports whether the price ID is the PRO subscription price.
func (t PriceTable) IsProPrice(priceID string) bool {
	return priceID != "" && priceID == t.ProPriceID
}

type Config struct {
	Environment          string      `json:"environment"`
	ServerPort           string      `json:"server_port"`
	FrontendURL          string      `json:"frontend_url"`
	JWTSecret            string      `json:"-"`
	DBHost               string      `json:"db_host"`
	DBPort               string      `json:"db_port"`
	DBUser               string      `json:"db_user"`
	DBPassword           string      `json:"-"`
	DBName               string      `json:"db_name"`
	DBSSLMode            string      `json:"db_ssl_mode"`
	DBMaxIdleConns       int         `json:"db_max_idle_conns"`
	DBMaxOpenConns       int         `json:"db_max_open_conns"`
	Redis                RedisConfig `json:"redis"`
	Google               OAuthConfig `json:"google"`
	StripeSecretKey      string      `json:"-"`
	StripePublishableKey string      `json:"stripe_publishable_key"`
	StripeWebhookSecret  string      `json:"-"`
	Prices               PriceTable  `json:"prices"`
	SentryDSN            string      `json:"-"`
	SMTPHost             string      `json:"smtp_host"`
	SMTPPort             int         `json:"smtp_port"`
	SMTPUsername         string      `json:"smtp_username"`
	SMTPPassword         string      `json:"-"`
	FromEmail            string      `json:"from_email"`
	RateLimitDeduct      int         `json:"rate_limit_deduct"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "toolforge"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ADDRESS", "") != "",
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		},

		StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
		StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),

		SentryDSN: getEnv("SENTRY_DSN", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "no-reply@toolforge.app"),

		RateLimitDeduct: getEnvAsInt("RATE_LIMIT_DEDUCT", 30),
	}

	// The pack catalog is configuration: every purchasable price ID maps to a
	// fixed credit quantity. Anything outside this table fails safe.
	AppConfig.Prices = PriceTable{
		Packs: map[string]int{
			getEnv("STRIPE_PRICE_CREDITS_1", "price_credits_1"):     1,
			getEnv("STRIPE_PRICE_CREDITS_50", "price_credits_50"):   50,
			getEnv("STRIPE_PRICE_CREDITS_100", "price_credits_100"): 100,
			getEnv("STRIPE_PRICE_CREDITS_500", "price_credits_500"): 500,
		},
		ProPriceID: getEnv("STRIPE_PRICE_PRO_MONTHLY", "price_pro_monthly"),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required for payment processing")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if AppConfig.Google.ClientID == "" || AppConfig.Google.ClientSecret == "" {
			return fmt.Errorf("Google OAuth credentials are required in production")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// MigrateDB runs auto-migration for every persisted model. Exported so tests
// can migrate their own in-memory databases.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.CreditTransaction{},
		&models.Project{},
		&models.ProjectVote{},
		&models.ProjectReview{},
		&models.ProjectAudit{},
		&models.AuditUnlock{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Stripe prices configured: %d packs, pro(%t)",
		len(AppConfig.Prices.Packs),
		AppConfig.Prices.ProPriceID != "")
}
