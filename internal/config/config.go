package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	NatsURL      string
	ProcessorURL string
	Port         string

	Escrow EscrowConfig
}

// EscrowConfig holds the business knobs of the escrow engine.
type EscrowConfig struct {
	PlatformFeePercent decimal.Decimal
	TaxRatePercent     decimal.Decimal
	InsuranceFee       decimal.Decimal
	InsuranceThreshold decimal.Decimal

	DefaultHoldPeriod time.Duration
	MaxHoldPeriod     time.Duration
	AutoReleaseAfter  time.Duration
	MaxRefundPeriod   time.Duration

	SweepInterval  time.Duration
	GatewayTimeout time.Duration
	GatewayRetries int
}

func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	processorURL := os.Getenv("PROCESSOR_URL")
	if processorURL == "" {
		processorURL = "http://localhost:8085"
	}

	return &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		NatsURL:      os.Getenv("NATS_URL"),
		ProcessorURL: processorURL,
		Port:         port,
		Escrow: EscrowConfig{
			PlatformFeePercent: envDecimal("PLATFORM_FEE_PERCENT", "10"),
			TaxRatePercent:     envDecimal("TAX_RATE_PERCENT", "20"),
			InsuranceFee:       envDecimal("INSURANCE_FEE", "2.50"),
			InsuranceThreshold: envDecimal("INSURANCE_THRESHOLD", "100"),
			DefaultHoldPeriod:  envHours("DEFAULT_HOLD_HOURS", 72),
			MaxHoldPeriod:      envHours("MAX_HOLD_HOURS", 168),
			AutoReleaseAfter:   envHours("AUTO_RELEASE_HOURS", 48),
			MaxRefundPeriod:    envDays("MAX_REFUND_DAYS", 30),
			SweepInterval:      envMinutes("SWEEP_INTERVAL_MINUTES", 5),
			GatewayTimeout:     envSeconds("GATEWAY_TIMEOUT_SECONDS", 10),
			GatewayRetries:     envInt("GATEWAY_RETRIES", 3),
		},
	}
}

func envDecimal(key, def string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envHours(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Hour
}

func envDays(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * 24 * time.Hour
}

func envMinutes(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Minute
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
