package config

import (
	"testing"
	"time"

	apperrors "github.com/contract-catalog/internal/errors"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("PIPELINE_SECRET", "s3cret")
	t.Setenv("ENRICH_CONCURRENCY", "5")
	t.Setenv("ENRICH_FETCH_DELAY", "50ms")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Pipeline.Secret != "s3cret" {
		t.Errorf("Pipeline.Secret = %q, want %q", cfg.Pipeline.Secret, "s3cret")
	}
	if cfg.Enrichment.Concurrency != 5 {
		t.Errorf("Enrichment.Concurrency = %d, want 5", cfg.Enrichment.Concurrency)
	}
	if cfg.Enrichment.FetchDelay != 50*time.Millisecond {
		t.Errorf("Enrichment.FetchDelay = %v, want 50ms", cfg.Enrichment.FetchDelay)
	}
	if cfg.Pipeline.StepAttempts != 1 {
		t.Errorf("Pipeline.StepAttempts default = %d, want 1", cfg.Pipeline.StepAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRequireSecret(t *testing.T) {
	cfg := PipelineConfig{Secret: "  "}
	err := cfg.RequireSecret()
	if err == nil {
		t.Fatal("expected configuration error for blank secret")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("error category = %v, want configuration", apperrors.Categorize(err).Category)
	}

	cfg.Secret = "set"
	if err := cfg.RequireSecret(); err != nil {
		t.Errorf("RequireSecret() with secret = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Enrichment.Concurrency = 0 }},
		{"zero batch size", func(c *Config) { c.Enrichment.BatchSize = 0 }},
		{"zero step attempts", func(c *Config) { c.Pipeline.StepAttempts = 0 }},
		{"gateway without scheme", func(c *Config) { c.Enrichment.IPFSGateway = "ipfs.io/ipfs/" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "200")
	t.Setenv("TEST_INT_INVALID", "lots")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_DURATION_INVALID", "soon")

	if got := getEnv("TEST_MISSING_KEY", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if got := getEnvAsInt("TEST_INT", 100); got != 200 {
		t.Errorf("getEnvAsInt() = %v, want 200", got)
	}
	if got := getEnvAsInt("TEST_INT_INVALID", 100); got != 100 {
		t.Errorf("getEnvAsInt() invalid = %v, want 100", got)
	}
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 30*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 30s", got)
	}
	if got := getEnvAsDuration("TEST_DURATION_INVALID", time.Second); got != time.Second {
		t.Errorf("getEnvAsDuration() invalid = %v, want 1s", got)
	}
}

func TestPostgresURL(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", Database: "cat"}
	want := "postgres://u:p@db:5432/cat?sslmode=disable"
	if got := c.URL(); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}
