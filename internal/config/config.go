// Package config loads the engine's recognized configuration options
// (spec §6) from the environment, falling back to AWS Secrets Manager in
// deployed stages the same way the teacher's handler bootstrap does.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	awssecrets "github.com/talkline/callengine/internal/config/awssecrets"
	"github.com/talkline/callengine/internal/logger"
)

// Config holds the recognized configuration options of spec §6.
type Config struct {
	Stage string

	DatabaseURL string

	PaymentAPIKey        string
	PaymentWebhookSecret string

	MediaAppID          string
	MediaAppCertificate string
	MediaTokenTTLSec    int

	AuthTokenSecret string

	FrontendBaseURL     string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	RedisAddr string

	TimerTickIntervalSec   int
	WarningThresholdMinute float64

	HTTPAddr string
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Load builds a Config from the environment, pulling secrets from AWS
// Secrets Manager when running in a deployed stage.
func Load(ctx context.Context) (*Config, error) {
	stage := envOr("STAGE", logger.StageLocal)
	if !logger.IsValidStage(stage) {
		return nil, fmt.Errorf("invalid STAGE %q: must be one of %s, %s, %s", stage, logger.StageLocal, logger.StageDev, logger.StageProd)
	}

	cfg := &Config{
		Stage:                  stage,
		MediaAppID:             os.Getenv("MEDIA_APP_ID"),
		MediaAppCertificate:    os.Getenv("MEDIA_APP_CERTIFICATE"),
		MediaTokenTTLSec:       envIntOr("MEDIA_TOKEN_TTL_SEC", 7200),
		AuthTokenSecret:        envOr("AUTH_TOKEN_SECRET", ""),
		FrontendBaseURL:        envOr("FRONTEND_BASE_URL", "http://localhost:3000"),
		CheckoutSuccessURL:     envOr("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
		CheckoutCancelURL:      envOr("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
		RedisAddr:              envOr("REDIS_ADDR", "localhost:6379"),
		TimerTickIntervalSec:   envIntOr("TIMER_TICK_INTERVAL_SEC", 2),
		WarningThresholdMinute: float64(envIntOr("WARNING_THRESHOLD_MINUTES", 3)),
		HTTPAddr:               envOr("HTTP_ADDR", ":8080"),
	}

	if stage == logger.StageProd || stage == logger.StageDev {
		sm, err := awssecrets.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initializing secrets manager client: %w", err)
		}

		dsn, err := sm.GetSecretString(ctx, "DATABASE_URL_ARN", "DATABASE_URL")
		if err != nil {
			return nil, fmt.Errorf("loading DATABASE_URL: %w", err)
		}
		cfg.DatabaseURL = dsn

		apiKey, err := sm.GetSecretString(ctx, "PAYMENT_API_KEY_ARN", "PAYMENT_API_KEY")
		if err != nil {
			return nil, fmt.Errorf("loading PAYMENT_API_KEY: %w", err)
		}
		cfg.PaymentAPIKey = apiKey

		webhookSecret, err := sm.GetSecretString(ctx, "PAYMENT_WEBHOOK_SECRET_ARN", "PAYMENT_WEBHOOK_SECRET")
		if err != nil {
			return nil, fmt.Errorf("loading PAYMENT_WEBHOOK_SECRET: %w", err)
		}
		cfg.PaymentWebhookSecret = webhookSecret

		authSecret, err := sm.GetSecretString(ctx, "AUTH_TOKEN_SECRET_ARN", "AUTH_TOKEN_SECRET")
		if err != nil {
			return nil, fmt.Errorf("loading AUTH_TOKEN_SECRET: %w", err)
		}
		cfg.AuthTokenSecret = authSecret
	} else {
		cfg.DatabaseURL = envOr("DATABASE_URL", "postgres://localhost:5432/callengine?sslmode=disable")
		cfg.PaymentAPIKey = os.Getenv("PAYMENT_API_KEY")
		cfg.PaymentWebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")
	}

	return cfg, nil
}
