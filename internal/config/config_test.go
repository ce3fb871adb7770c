package config

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for invalid float, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid CONDUCTOR_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "CONDUCTOR_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention CONDUCTOR_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "abc")
	t.Setenv("CONDUCTOR_RATE_LIMIT_RPS", "xyz")
	t.Setenv("CONDUCTOR_APPEND_TRACE", "sometimes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, key := range []string{"CONDUCTOR_PORT", "CONDUCTOR_RATE_LIMIT_RPS", "CONDUCTOR_APPEND_TRACE"} {
		if !strings.Contains(got, key) {
			t.Fatalf("error should mention %s, got: %s", key, got)
		}
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if !cfg.Dev() {
		t.Fatal("expected dev mode without CONDUCTOR_JWT_SECRET")
	}
	if !cfg.PreemptScheduledLoops || cfg.AppendTrace {
		t.Fatalf("unexpected engine defaults: preempt=%v trace=%v", cfg.PreemptScheduledLoops, cfg.AppendTrace)
	}
	if cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 20 {
		t.Fatalf("unexpected rate limit defaults: %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestValidateRequiresMutationSecretWithAuth(t *testing.T) {
	t.Setenv("CONDUCTOR_JWT_SECRET", "s3cret")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "CONDUCTOR_MUTATION_SECRET") {
		t.Fatalf("expected mutation secret error, got: %v", err)
	}

	t.Setenv("CONDUCTOR_MUTATION_SECRET", "other")
	if _, err := Load(); err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
}

func TestValidateRejectsUnknownLogSettings(t *testing.T) {
	t.Setenv("CONDUCTOR_LOG_FORMAT", "xml")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "loud")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail")
	}
	if got := err.Error(); !strings.Contains(got, "CONDUCTOR_LOG_FORMAT") || !strings.Contains(got, "CONDUCTOR_LOG_LEVEL") {
		t.Fatalf("error should mention both log settings, got: %s", got)
	}
}

func TestNewLoggerHonorsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Config{LogFormat: "json", LogLevel: "warn"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"run_id":"r1"`) {
		t.Fatalf("expected JSON attrs, got: %s", out)
	}

	buf.Reset()
	Config{LogFormat: "tint", LogLevel: "debug"}.NewLogger(&buf).Debug("dev line")
	if !strings.Contains(buf.String(), "dev line") {
		t.Fatalf("expected tint output, got: %s", buf.String())
	}
}
