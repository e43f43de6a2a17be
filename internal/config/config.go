package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource      string
	Port          string
	Env           string
	LedgerBackend string
	RunMigrations bool

	SuiRPCURL     string
	SuiRPCTimeout time.Duration
	SuiRateRPS    float64
	SuiRateBurst  int

	TreasuryAddress     string
	PaymentCoinType     string
	PaymentCoinDecimals int32

	IntentTTL          time.Duration
	FulfillmentTimeout time.Duration
	SweepInterval      time.Duration
	SweepConcurrency   int

	AuthJWTSecret string
}

func Load() (*Config, error) {
	backend := getEnv("LEDGER_BACKEND", "postgres")
	if backend != "postgres" && backend != "memory" {
		return nil, fmt.Errorf("LEDGER_BACKEND must be postgres or memory, got %q", backend)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" && backend == "postgres" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	treasury := os.Getenv("TREASURY_ADDRESS")
	if treasury == "" {
		return nil, fmt.Errorf("TREASURY_ADDRESS environment variable is required")
	}

	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET environment variable is required")
	}

	cfg := &Config{
		DBSource:      dbSource,
		Port:          getEnv("SERVER_PORT", "8080"),
		Env:           getEnv("ENVIRONMENT", "development"),
		LedgerBackend: backend,
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),

		SuiRPCURL:     getEnv("SUI_RPC_URL", "https://fullnode.mainnet.sui.io:443"),
		SuiRPCTimeout: getEnvDuration("SUI_RPC_TIMEOUT", 5*time.Second),
		SuiRateRPS:    getEnvFloat("SUI_RPC_RATE_RPS", 20),
		SuiRateBurst:  getEnvInt("SUI_RPC_BURST", 40),

		TreasuryAddress:     treasury,
		PaymentCoinType:     getEnv("PAYMENT_COIN_TYPE", "0x2::sui::SUI"),
		PaymentCoinDecimals: int32(getEnvInt("PAYMENT_COIN_DECIMALS", 9)),

		IntentTTL:          getEnvDuration("INTENT_TTL", 30*time.Minute),
		FulfillmentTimeout: getEnvDuration("FULFILLMENT_TIMEOUT", 0),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepConcurrency:   getEnvInt("SWEEP_CONCURRENCY", 4),

		AuthJWTSecret: secret,
	}

	if cfg.IntentTTL <= 0 {
		return nil, fmt.Errorf("INTENT_TTL must be positive")
	}
	if cfg.SweepConcurrency < 1 {
		cfg.SweepConcurrency = 1
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
