package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

const defaultRubPerUSDT = 90

type Config struct {
	HTTPPort        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	DBPath         string
	MigrationsPath string

	RedisAddr  string
	SessionTTL time.Duration

	KafkaBrokers []string
	EventsTopic  string

	// Payment gateway
	GatewayProvider string // "cryptopay" or "crystalpay"
	GatewayToken    string
	GatewayTestMode bool
	// Approximate conversion rate used when pricing RUB invoices in USDT.
	// Not live market data.
	RubPerUSDT float64

	DeliveryFee    float64
	MinOrderAmount float64

	PollInterval    time.Duration
	PollMaxAttempts int
	SweepInterval   time.Duration
	// PendingTTL is how old a pending order must be before the sweep
	// re-checks it against the gateway.
	PendingTTL time.Duration
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		DBPath:         getEnv("DB_PATH", "./shopbot.db"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./internal/storage/migrations"),

		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),
		SessionTTL: getEnvDuration("SESSION_TTL", 30*time.Minute),

		KafkaBrokers: []string{getEnv("KAFKA_BROKER", "localhost:9092")},
		EventsTopic:  getEnv("EVENTS_TOPIC", "order-events"),

		GatewayProvider: getEnv("GATEWAY_PROVIDER", "cryptopay"),
		GatewayToken:    getEnv("GATEWAY_TOKEN", ""),
		GatewayTestMode: getEnvBool("GATEWAY_TEST_MODE", false),
		RubPerUSDT:      getEnvFloat("RUB_PER_USDT", defaultRubPerUSDT),

		DeliveryFee:    getEnvFloat("DELIVERY_FEE", 300),
		MinOrderAmount: getEnvFloat("MIN_ORDER_AMOUNT", 500),

		PollInterval:    getEnvDuration("POLL_INTERVAL", time.Minute),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		PendingTTL:      getEnvDuration("PENDING_TTL", time.Hour),
	}

	// The rate is a divisor when pricing invoices; zero or negative would
	// break every invoice creation.
	if cfg.RubPerUSDT <= 0 {
		log.Printf("invalid RUB_PER_USDT %v, falling back to %d", cfg.RubPerUSDT, defaultRubPerUSDT)
		cfg.RubPerUSDT = defaultRubPerUSDT
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
