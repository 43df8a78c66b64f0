package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_MAX_ATTEMPTS", "")
	t.Setenv("POLL_INTERVAL", "")
	cfg := Load()
	if cfg.PollMaxAttempts != 40 {
		t.Fatalf("expected 40 poll attempts, got %d", cfg.PollMaxAttempts)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.DispatchMode != DispatchInline {
		t.Fatalf("expected inline dispatch, got %s", cfg.DispatchMode)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_MAX_ATTEMPTS", "5")
	t.Setenv("GRADER_RETRIEVE_TIMEOUT", "2s")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	cfg := Load()
	if cfg.PollMaxAttempts != 5 {
		t.Fatalf("expected 5, got %d", cfg.PollMaxAttempts)
	}
	if cfg.RetrieveTimeout != 2*time.Second {
		t.Fatalf("expected 2s, got %s", cfg.RetrieveTimeout)
	}
	if !cfg.S3PathStyle {
		t.Fatalf("expected path style enabled")
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("invalid duration should fall back to default, got %s", cfg.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{DispatchMode: DispatchInline, StoreBackend: StoreMemory, PollMaxAttempts: 40}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing token and bot id to fail validation")
	}
	cfg.GraderToken = "tok"
	cfg.GraderBotID = "bot"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	cfg.DispatchMode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected bad dispatch mode to fail validation")
	}
}

func TestValidateQueueNeedsSharedStore(t *testing.T) {
	cfg := Config{GraderToken: "tok", GraderBotID: "bot", DispatchMode: DispatchQueue, StoreBackend: StoreMemory, PollMaxAttempts: 40}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("queue dispatch with memory store should fail validation")
	}
	cfg.StoreBackend = StorePostgres
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestMaxDeliveriesDefault(t *testing.T) {
	t.Setenv("QUEUE_MAX_DELIVERIES", "")
	if got := Load().MaxDeliveries; got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}
