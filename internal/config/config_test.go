package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.LogFormat != "json" || cfg.TokenTTL != defaultTokenTTL {
		t.Fatalf("unexpected logging or auth defaults %#v", cfg)
	}
	if cfg.RedisEnabled() {
		t.Fatalf("redis must be disabled without an address")
	}
	if cfg.SchedulerPollInterval != 30*time.Second || cfg.SchedulerBatchSize != defaultSchedulerBatch {
		t.Fatalf("unexpected scheduler defaults %#v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HUDDLE_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("HUDDLE_REDIS_ADDRESS", "localhost:6379")
	t.Setenv("HUDDLE_SCHEDULER_POLL_INTERVAL", "5s")
	t.Setenv("HUDDLE_LOG_FORMAT", "Console")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSigningSecret != "from-env" || !cfg.RedisEnabled() {
		t.Fatalf("expected env values, got %#v", cfg)
	}
	if cfg.SchedulerPollInterval != 5*time.Second || cfg.LogFormat != "console" {
		t.Fatalf("expected parsed env values, got %#v", cfg)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{"missing secret", "auth.signing_secret", "", "auth.signing_secret"},
		{"bad log format", "log.format", "xml", "log.format"},
		{"zero batch", "scheduler.batch_size", 0, "scheduler.batch_size"},
		{"zero poll", "scheduler.poll_interval", "0s", "scheduler intervals"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
