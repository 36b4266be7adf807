package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port      string
	DBUrl     string
	DBMaxConn int32
	JWTSecret string
	AppEnv    string

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	Currency            string
	GatewayTimeout      time.Duration

	BusinessTimezone *time.Location

	PlatformFeeRate   decimal.Decimal
	PayoutTransferFee int64
	PayoutWaitingDays int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RabbitMQURL   string

	NotificationsEnabled bool
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	loc, err := time.LoadLocation(getEnv("BUSINESS_TIMEZONE", "Asia/Tokyo"))
	if err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", "0.20"))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	if feeRate.IsNegative() || feeRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE must be between 0 and 1")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBUrl:                getEnv("DB_URL", ""),
		DBMaxConn:            int32(getEnvInt("DB_MAX_CONNS", 10)),
		JWTSecret:            jwtSecret,
		AppEnv:               normalizeEnv(getEnv("APP_ENV", "production")),
		StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:   getEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:    getEnv("CHECKOUT_CANCEL_URL", ""),
		Currency:             strings.ToLower(getEnv("CURRENCY", "jpy")),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		BusinessTimezone:     loc,
		PlatformFeeRate:      feeRate,
		PayoutTransferFee:    int64(getEnvInt("PAYOUT_TRANSFER_FEE", 250)),
		PayoutWaitingDays:    getEnvInt("PAYOUT_WAITING_BUSINESS_DAYS", 10),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RabbitMQURL:          getEnv("RABBITMQ_URL", ""),
		NotificationsEnabled: getEnvBool("NOTIFICATIONS_ENABLED", true),
		OutboxPollInterval:   getEnvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:      getEnvInt("OUTBOX_BATCH_SIZE", 50),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		log.Printf("config: %s=%q is not a positive duration, using %s", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// GatewayConfigured reports whether Stripe credentials are present.
func (c *Config) GatewayConfigured() bool {
	return c != nil && c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
}
