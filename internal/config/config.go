package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the gateway process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with nothing but memory-backed stores.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigin   string

	RelayAPIKey          string
	RelayBaseURL         string
	WebhookSecret        string
	PublicBaseURL        string
	RelayPublishAttempts int

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeAPIKey    string
	PaymentCurrency string

	NotifyEndpoint string
	NotifyKey      string

	LogLevel      string
	LogFormat     string
	RunMigrations bool
	SeedDemo      bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		AllowedOrigin:        "http://localhost:3000",
		RelayBaseURL:         "https://api.svix.com",
		PublicBaseURL:        "http://localhost:8080",
		RelayPublishAttempts: 3,
		KafkaTopic:           "trip-status",
		PaymentCurrency:      "kes",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// RelayEnabled reports whether status events go through the webhook relay.
func (c ServerConfig) RelayEnabled() bool { return c.RelayAPIKey != "" }

// CallbackURL is where the relay delivers signed status callbacks.
func (c ServerConfig) CallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/webhooks/trip-updates"
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			errs = append(errs, fmt.Errorf("invalid PORT: %w", err))
		} else {
			cfg.HTTPAddr = ":" + port
		}
	}
	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setStringFromEnv(&cfg.AllowedOrigin, "ALLOWED_ORIGIN")

	cfg.RelayAPIKey = strings.TrimSpace(os.Getenv("RELAY_API_KEY"))
	setStringFromEnv(&cfg.RelayBaseURL, "RELAY_BASE_URL")
	cfg.WebhookSecret = strings.TrimSpace(os.Getenv("WEBHOOK_SECRET"))
	setStringFromEnv(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setIntFromEnv(&cfg.RelayPublishAttempts, "RELAY_PUBLISH_ATTEMPTS", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	cfg.PaymentCurrency = strings.ToLower(cfg.PaymentCurrency)

	cfg.NotifyEndpoint = strings.TrimSpace(os.Getenv("NOTIFY_ENDPOINT"))
	cfg.NotifyKey = os.Getenv("NOTIFY_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.SeedDemo = strings.EqualFold(os.Getenv("SEED_DEMO"), "true")

	if cfg.RelayPublishAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_PUBLISH_ATTEMPTS must be > 0"))
	}
	if cfg.RelayEnabled() && cfg.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET is required when RELAY_API_KEY is set"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the status stream projector.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	LogLevel      string
	LogFormat     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "trip-status",
		KafkaGroup:   "fleet-status-projector",
		RedisAddr:    "localhost:6379",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

// ClientConfig configures a gateway peer.
type ClientConfig struct {
	GatewayURL           string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	LogLevel             string
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		GatewayURL:           "ws://localhost:8080/ws",
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		LogLevel:             "info",
	}
	var errs []error
	setStringFromEnv(&cfg.GatewayURL, "GATEWAY_URL")
	ms := int(cfg.ReconnectInterval / time.Millisecond)
	setIntFromEnv(&ms, "RECONNECT_INTERVAL_MS", &errs)
	cfg.ReconnectInterval = time.Duration(ms) * time.Millisecond
	setIntFromEnv(&cfg.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.ReconnectInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_INTERVAL_MS must be > 0"))
	}
	if cfg.MaxReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
