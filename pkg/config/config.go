package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the session engine.
type Config struct {
	// Database
	DBPath string

	// Connection pool
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	CooldownInterval time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	BalanceTTL       time.Duration
	SerializeOrders  bool
	BrokerRate       float64 // broker calls per second per account
	BrokerBurst      int

	// Signal processing
	QueueDepth         int
	BackpressurePolicy string // "drop-oldest" or "drop-newest"
	FeedURL            string
	UseMockFeed        bool
	MockFeedInterval   time.Duration
	MockFeedAssets     []string

	// Execution
	MaxSettleWait  time.Duration
	MaxTradeAmount float64 // 0 = no ceiling

	// Paper broker
	PaperMode    bool
	PaperPayout  float64
	PaperBalance float64

	// Bootstrap
	BootstrapPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DBPath:             getEnv("DB_PATH", "./data/gale.db"),
		RetryAttempts:      getEnvInt("POOL_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:     getEnvDuration("POOL_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:      getEnvDuration("POOL_RETRY_MAX_DELAY", 10*time.Second),
		CooldownInterval:   getEnvDuration("POOL_COOLDOWN", time.Minute),
		HealthInterval:     getEnvDuration("POOL_HEALTH_INTERVAL", time.Minute),
		FailureThreshold:   getEnvInt("POOL_FAILURE_THRESHOLD", 3),
		BalanceTTL:         getEnvDuration("POOL_BALANCE_TTL", 10*time.Second),
		SerializeOrders:    getEnv("POOL_SERIALIZE_ORDERS", "true") == "true",
		BrokerRate:         getEnvFloat("POOL_BROKER_RATE", 5),
		BrokerBurst:        getEnvInt("POOL_BROKER_BURST", 10),
		QueueDepth:         getEnvInt("SIGNAL_QUEUE_DEPTH", 8),
		BackpressurePolicy: getEnv("SIGNAL_BACKPRESSURE", "drop-oldest"),
		FeedURL:            getEnv("SIGNAL_FEED_URL", ""),
		UseMockFeed:        getEnv("USE_MOCK_FEED", "true") == "true",
		MockFeedInterval:   getEnvDuration("MOCK_FEED_INTERVAL", 15*time.Second),
		MockFeedAssets:     splitAndTrim(getEnv("MOCK_FEED_ASSETS", "EURUSD_otc,GBPUSD_otc")),
		MaxSettleWait:      getEnvDuration("MAX_SETTLE_WAIT", 6*time.Minute),
		MaxTradeAmount:     getEnvFloat("MAX_TRADE_AMOUNT", 0),
		PaperMode:          getEnv("PAPER_MODE", "true") == "true",
		PaperPayout:        getEnvFloat("PAPER_PAYOUT", 0.80),
		PaperBalance:       getEnvFloat("PAPER_BALANCE", 10000),
		BootstrapPath:      getEnv("BOOTSTRAP_PATH", "./sessions.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
