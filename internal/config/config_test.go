package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SYNCPAD_JWT_SECRET", "s3cret")
	t.Setenv("SYNCPAD_ADDR", ":9999")
	t.Setenv("SYNCPAD_GAP_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.JWTSecret != "s3cret" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.GapTimeout != 3*time.Second {
		t.Fatalf("duration parsing broke: %v", cfg.GapTimeout)
	}
	if cfg.PresenceCapacity != 1000 {
		t.Fatalf("default capacity lost: %d", cfg.PresenceCapacity)
	}
}

func TestSecretIsRequired(t *testing.T) {
	t.Setenv("SYNCPAD_JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing secret must fail loading")
	}
}
