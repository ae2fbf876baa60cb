package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Published per-token prices, USD per 1M tokens. Every cost computation
// goes through this table rather than inline literals.
const (
	DeepSeekInputPricePer1M  = 0.14
	DeepSeekOutputPricePer1M = 0.28

	OpenRouterFreePricePer1M     = 0.0
	OpenRouterStandardPricePer1M = 0.50
	OpenRouterPremiumPricePer1M  = 3.00

	VertexFlashPricePer1M = 0.075
	VertexProPricePer1M   = 1.25
)

// System health thresholds. Credits are USD, quota is remaining
// tokens/day summed across all Google AI accounts.
const (
	HealthCriticalCredits = 50.0
	HealthCriticalQuota   = int64(50_000)
	HealthWarningCredits  = 100.0
	HealthWarningQuota    = int64(100_000)
	HealthGoodCredits     = 200.0
	HealthGoodQuota       = int64(200_000)
)

// UnlimitedQuotaThreshold marks a free model as effectively unlimited for
// simple-request routing.
const UnlimitedQuotaThreshold = int64(1_000_000)

type Config struct {
	// Server
	Port string // default: 8080

	// Database (optional; in-memory usage store when empty)
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	GoogleAIKeys     []string // comma-separated, one per quota account
	VertexAPIKey     string
	VertexProjectID  string
	OpenRouterAPIKey string

	// Budgets
	GoogleAIDailyQuota   int64   // tokens per account per day
	VertexTotalCredits   float64 // USD
	OpenRouterDailyUSD   float64
	OpenRouterMonthlyUSD float64

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Provider HTTP timeout
	ProviderTimeout time.Duration // default: 30s
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		VertexAPIKey:         os.Getenv("VERTEX_API_KEY"),
		VertexProjectID:      os.Getenv("VERTEX_PROJECT_ID"),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	for _, k := range strings.Split(os.Getenv("GOOGLE_AI_API_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.GoogleAIKeys = append(cfg.GoogleAIKeys, k)
		}
	}

	var err error
	cfg.GoogleAIDailyQuota, err = getEnvInt64("GOOGLE_AI_DAILY_QUOTA", 1_000_000)
	if err != nil {
		return nil, err
	}
	cfg.VertexTotalCredits, err = getEnvFloat("VERTEX_TOTAL_CREDITS", 300.0)
	if err != nil {
		return nil, err
	}
	cfg.OpenRouterDailyUSD, err = getEnvFloat("OPENROUTER_DAILY_BUDGET_USD", 5.0)
	if err != nil {
		return nil, err
	}
	cfg.OpenRouterMonthlyUSD, err = getEnvFloat("OPENROUTER_MONTHLY_BUDGET_USD", 50.0)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitTPM, err = getEnvInt64("DEFAULT_RATE_LIMIT_TPM", 100000)
	if err != nil {
		return nil, err
	}

	timeoutSec, err := getEnvInt64("PROVIDER_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.ProviderTimeout = time.Duration(timeoutSec) * time.Second

	// Validation
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if len(cfg.GoogleAIKeys) == 0 {
		return nil, fmt.Errorf("GOOGLE_AI_API_KEYS is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
