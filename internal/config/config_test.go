package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RotationStrategy != "per-request" {
		t.Errorf("expected default strategy per-request, got %q", cfg.RotationStrategy)
	}
	if cfg.SessionTTL != 300*time.Second {
		t.Errorf("expected default session ttl 300s, got %s", cfg.SessionTTL)
	}
	if cfg.MaxConnections != 200 {
		t.Errorf("expected default max connections 200, got %d", cfg.MaxConnections)
	}
}

func TestLoad_EnvOverridesAndSecondsParsing(t *testing.T) {
	t.Setenv("ROTATION_STRATEGY", "round-robin")
	t.Setenv("SESSION_TTL", "60")
	t.Setenv("MAX_CONNECTIONS", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RotationStrategy != "round-robin" {
		t.Errorf("expected overridden strategy, got %q", cfg.RotationStrategy)
	}
	if cfg.SessionTTL != 60*time.Second {
		t.Errorf("expected 60s parsed from plain seconds, got %s", cfg.SessionTTL)
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("expected overridden max connections, got %d", cfg.MaxConnections)
	}
}

func TestLoad_InvalidStrategyRejected(t *testing.T) {
	t.Setenv("ROTATION_STRATEGY", "bogus")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an invalid rotation strategy")
	}
}
