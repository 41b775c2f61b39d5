package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SEND_TIMEOUT", "")
	t.Setenv("DEFAULT_MAX_RETRIES", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RECEIPT_RETRY_DELAY", "")

	cfg := Load(nil)
	if cfg.SendTimeout != 10*time.Second {
		t.Errorf("expected 10s send timeout, got %s", cfg.SendTimeout)
	}
	if cfg.DefaultMaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.SessionWindow != 24*time.Hour {
		t.Errorf("expected 24h session window, got %s", cfg.SessionWindow)
	}
	if cfg.ReceiptRetryDelay != 2*time.Second {
		t.Errorf("expected 2s receipt retry delay, got %s", cfg.ReceiptRetryDelay)
	}
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("SEND_TIMEOUT", "soon")
	t.Setenv("PROCESS_BATCH_SIZE", "many")

	cfg := Load(nil)
	if cfg.SendTimeout != 10*time.Second {
		t.Errorf("expected fallback timeout, got %s", cfg.SendTimeout)
	}
	if cfg.ProcessBatchSize != 50 {
		t.Errorf("expected fallback batch size, got %d", cfg.ProcessBatchSize)
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: "5432", DBName: "d"}
	if got := cfg.DSN(); got != "postgres://u:p@h:5432/d?sslmode=disable" {
		t.Errorf("unexpected dsn %q", got)
	}
	cfg.DatabaseURL = "postgres://override"
	if got := cfg.DSN(); got != "postgres://override" {
		t.Errorf("expected override, got %q", got)
	}
}
