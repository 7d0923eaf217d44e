package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("CRM_RATE_WINDOW_SECONDS", "")
	t.Setenv("APP_ENV", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.RateWindow != time.Minute {
		t.Fatalf("RateWindow = %v", cfg.RateWindow)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CRM_AI_RATE_LIMIT", "3")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("CRM_PUBLIC_URL", "https://crm.example.com/")

	cfg := Load()
	if cfg.IsDevelopment() {
		t.Fatal("expected production")
	}
	if cfg.AIRateLimit != 3 {
		t.Fatalf("AIRateLimit = %d", cfg.AIRateLimit)
	}
	if cfg.S3UseSSL {
		t.Fatal("expected S3UseSSL=false")
	}
	if cfg.PublicURL != "https://crm.example.com" {
		t.Fatalf("PublicURL = %q", cfg.PublicURL)
	}
}

func TestGetenvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("CRM_TEST_INT", "abc")
	if got := getenvInt("CRM_TEST_INT", 7); got != 7 {
		t.Fatalf("getenvInt() = %d", got)
	}
}
