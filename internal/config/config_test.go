package config

import (
	"strings"
	"testing"
	"time"
)

func TestServerDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "HTTP_ADDR", "ALLOWED_ORIGIN", "RELAY_API_KEY", "PUBLIC_BASE_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.AllowedOrigin != "http://localhost:3000" || cfg.RelayEnabled() {
		t.Fatalf("defaults %+v", cfg)
	}
	if cfg.CallbackURL() != "http://localhost:8080/webhooks/trip-updates" {
		t.Fatalf("callback url %q", cfg.CallbackURL())
	}
}

func TestServerFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RELAY_API_KEY", "sk_live")
	t.Setenv("WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("PUBLIC_BASE_URL", "https://fleet.example.com/")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PAYMENT_CURRENCY", "USD")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || !cfg.RelayEnabled() || cfg.ReadTimeout != 2*time.Second {
		t.Fatalf("cfg %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.PaymentCurrency != "usd" {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.CallbackURL() != "https://fleet.example.com/webhooks/trip-updates" {
		t.Fatalf("callback url %q", cfg.CallbackURL())
	}
}

func TestServerErrorsAreJoined(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("RELAY_API_KEY", "sk_live")
	t.Setenv("RELAY_PUBLISH_ATTEMPTS", "0")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"PORT", "RELAY_PUBLISH_ATTEMPTS", "WEBHOOK_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestClientConfig(t *testing.T) {
	t.Setenv("RECONNECT_INTERVAL_MS", "250")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "7")
	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReconnectInterval != 250*time.Millisecond || cfg.MaxReconnectAttempts != 7 || cfg.GatewayURL != "ws://localhost:8080/ws" {
		t.Fatalf("cfg %+v", cfg)
	}

	t.Setenv("MAX_RECONNECT_ATTEMPTS", "-1")
	if _, err := LoadClientConfig(); err == nil {
		t.Fatalf("expected error for negative attempts")
	}
}

func TestConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil || cfg.KafkaGroup != "g1" || cfg.KafkaTopic != "trip-status" {
		t.Fatalf("cfg %+v err=%v", cfg, err)
	}
}
