package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	AppEnv      string
	DatabaseURL string
	RedisURL    string

	// EventBus is one of kafka, nats, sns or log.
	EventBus     string
	KafkaBrokers string
	NATSURL      string
	SNSTopicARN  string

	OTLPEndpoint string

	DefaultGateway  string
	DefaultCurrency string
	EnabledGateways []string
	GatewayTimeout  time.Duration

	AsaasAPIURL       string
	AsaasAPIKey       string
	AsaasWebhookToken string

	StripeAPIKey        string
	StripeAPIURL        string
	StripeWebhookSecret string

	WebhookTolerance time.Duration
	WebhookClaimTTL  time.Duration
	MaxBodyBytes     int64
}

// Load reads the environment, after loading a .env file when one is present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		AppEnv:              getEnv("APP_ENV", "development"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		EventBus:            strings.ToLower(getEnv("EVENT_BUS", "log")),
		KafkaBrokers:        os.Getenv("KAFKA_BROKERS"),
		NATSURL:             os.Getenv("NATS_URL"),
		SNSTopicARN:         os.Getenv("SNS_TOPIC_ARN"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DefaultGateway:      getEnv("DEFAULT_GATEWAY", "asaas"),
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", "BRL")),
		EnabledGateways:     splitList(getEnv("ENABLED_GATEWAYS", "asaas")),
		GatewayTimeout:      getDuration("GATEWAY_TIMEOUT", 15*time.Second),
		AsaasAPIURL:         getEnv("ASAAS_API_URL", "https://api.asaas.com"),
		AsaasAPIKey:         os.Getenv("ASAAS_API_KEY"),
		AsaasWebhookToken:   os.Getenv("ASAAS_WEBHOOK_TOKEN"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:    getDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		WebhookClaimTTL:     getDuration("WEBHOOK_CLAIM_TTL", 2*time.Minute),
		MaxBodyBytes:        getInt64("MAX_BODY_BYTES", 1<<20),
	}
}

func (c *Config) GatewayEnabled(name string) bool {
	for _, g := range c.EnabledGateways {
		if g == name {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getInt64(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
