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
	DSN           string
	HTTPPort      string
	Storage       string
	MigrationsDir string

	WebhookUser string
	WebhookPass string
	CronSecret  string
	JWTSecret   string
	FilterWord  string

	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaNotifyTopic  string
	KafkaPaymentTopic string

	EscrowURL    string
	EscrowKey    string
	CarrierURL     string
	CarrierToken   string
	CarrierTimeout time.Duration

	Currency           string
	PlatformFeePercent decimal.Decimal
	PlatformFeeMin     int64
	EstimatePlatform   bool
	EstimateProvider   bool
	EstimateShipping   bool

	NegotiationTolerance time.Duration
	PaymentTolerance     time.Duration

	SyncInterval     time.Duration
	SyncFreshness    time.Duration
	SyncBatch        int
	LabelMaxAttempts int
	LabelLease       time.Duration
	AttemptStaleness time.Duration
}

// LoadConfig reads the environment, after merging a .env file if present.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env not loaded: %v", err)
	}
	brokersStr := getEnv("KAFKA_BROKERS", "")
	return &Config{
		DSN:           getEnv("APP_DSN", "host=localhost user=postgres password=postgres dbname=marketplace sslmode=disable"),
		HTTPPort:      getEnv("APP_PORT", "9000"),
		Storage:       getEnv("APP_STORAGE", "postgres"),
		MigrationsDir: getEnv("APP_MIGRATIONS", "migrations"),

		WebhookUser: getEnv("WEBHOOK_USER", ""),
		WebhookPass: getEnv("WEBHOOK_PASS", ""),
		CronSecret:  getEnv("CRON_SECRET", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		FilterWord:  getEnv("AUDIT_FILTER", ""),

		KafkaBrokers:      splitList(brokersStr),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "marketplace"),
		KafkaNotifyTopic:  getEnv("KAFKA_NOTIFY_TOPIC", "notifications"),
		KafkaPaymentTopic: getEnv("KAFKA_PAYMENT_TOPIC", ""),

		EscrowURL:    getEnv("ESCROW_URL", "http://localhost:8081"),
		EscrowKey:    getEnv("ESCROW_KEY", ""),
		CarrierURL:     getEnv("CARRIER_URL", "http://localhost:8082"),
		CarrierToken:   getEnv("CARRIER_TOKEN", ""),
		CarrierTimeout: getDuration("CARRIER_TIMEOUT", 15*time.Second),

		Currency:           strings.ToUpper(getEnv("CURRENCY", "EUR")),
		PlatformFeePercent: getDecimal("PLATFORM_FEE_PERCENT", decimal.NewFromInt(5)),
		PlatformFeeMin:     int64(getInt("PLATFORM_FEE_MIN", 50)),
		EstimatePlatform:   getBool("ESTIMATE_PLATFORM", true),
		EstimateProvider:   getBool("ESTIMATE_PROVIDER", true),
		EstimateShipping:   getBool("ESTIMATE_SHIPPING", true),

		NegotiationTolerance: getDuration("NEGOTIATION_TOLERANCE", 7*24*time.Hour),
		PaymentTolerance:     getDuration("PAYMENT_TOLERANCE", 24*time.Hour),

		SyncInterval:     getDuration("SYNC_INTERVAL", time.Minute),
		SyncFreshness:    getDuration("SYNC_FRESHNESS", 15*time.Minute),
		SyncBatch:        getInt("SYNC_BATCH", 50),
		LabelMaxAttempts: getInt("LABEL_MAX_ATTEMPTS", 5),
		LabelLease:       getDuration("LABEL_LEASE", 2*time.Minute),
		AttemptStaleness: getDuration("ATTEMPT_STALENESS", 5*time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return v
}

func getBool(key string, defaultVal bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return v
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return v
}

func getDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	v, err := decimal.NewFromString(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}

func (c *Config) Validate() error {
	if c.Storage != "postgres" && c.Storage != "memory" {
		return fmt.Errorf("APP_STORAGE must be postgres or memory, got %q", c.Storage)
	}
	if c.PlatformFeePercent.IsNegative() {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must not be negative")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if c.WebhookUser == "" || c.WebhookPass == "" {
		return fmt.Errorf("WEBHOOK_USER and WEBHOOK_PASS are required")
	}
	// a carrier call outliving the lease lets a second worker buy the same label
	if c.LabelLease <= c.CarrierTimeout {
		return fmt.Errorf("LABEL_LEASE (%s) must be longer than CARRIER_TIMEOUT (%s)", c.LabelLease, c.CarrierTimeout)
	}
	return nil
}
