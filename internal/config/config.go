// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DatabaseURL string // Postgres URL for the run repository; empty uses the in-memory store.
	RecordsPath string // SQLite file holding workspace records and the mutation ledger.

	// Auth settings.
	JWTSecret      string // HS256 secret for bearer tokens; empty runs every request as the dev actor.
	JWTExpiration  time.Duration
	MutationSecret string // Confirm/undo token secret.

	// Generation backend settings.
	OpenAIAPIKey      string
	GenerationModel   string
	GenerationBaseURL string
	StageTimeout      time.Duration

	// Tool settings.
	ToolWorkerURL string // Remote web tool worker; empty leaves those tools unregistered.

	// Engine settings.
	PreemptScheduledLoops bool
	AppendTrace           bool
	DrainTimeout          time.Duration

	// Rate limiting settings.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	LogFormat           string // "json", "text" or "tint"
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// Dev reports whether HTTP auth is disabled.
func (c Config) Dev() bool {
	return c.JWTSecret == ""
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:       envStr("DATABASE_URL", ""),
		RecordsPath:       envStr("CONDUCTOR_RECORDS_PATH", "conductor-records.db"),
		JWTSecret:         envStr("CONDUCTOR_JWT_SECRET", ""),
		MutationSecret:    envStr("CONDUCTOR_MUTATION_SECRET", ""),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		GenerationModel:   envStr("CONDUCTOR_GENERATION_MODEL", "gpt-4o-mini"),
		GenerationBaseURL: envStr("CONDUCTOR_GENERATION_BASE_URL", ""),
		ToolWorkerURL:     envStr("CONDUCTOR_TOOL_WORKER_URL", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "conductor"),
		LogLevel:          envStr("CONDUCTOR_LOG_LEVEL", "info"),
		LogFormat:         envStr("CONDUCTOR_LOG_FORMAT", "json"),
	}

	var err error
	cfg.Port, err = envInt("CONDUCTOR_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("CONDUCTOR_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("CONDUCTOR_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.JWTExpiration, err = envDuration("CONDUCTOR_JWT_EXPIRATION", 24*time.Hour)
	collect(err)
	cfg.StageTimeout, err = envDuration("CONDUCTOR_STAGE_TIMEOUT", 20*time.Second)
	collect(err)
	cfg.PreemptScheduledLoops, err = envBool("CONDUCTOR_PREEMPT_SCHEDULED_LOOPS", true)
	collect(err)
	cfg.AppendTrace, err = envBool("CONDUCTOR_APPEND_TRACE", false)
	collect(err)
	cfg.DrainTimeout, err = envDuration("CONDUCTOR_DRAIN_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("CONDUCTOR_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("CONDUCTOR_RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitBurst, err = envInt("CONDUCTOR_RATE_LIMIT_BURST", 20)
	collect(err)
	cfg.OTELInsecure, err = envBool("CONDUCTOR_OTEL_INSECURE", false)
	collect(err)
	maxBody, err := envInt("CONDUCTOR_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.SSEKeepalive, err = envDuration("CONDUCTOR_SSE_KEEPALIVE", 15*time.Second)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("CONDUCTOR_PORT must be between 1 and 65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("CONDUCTOR_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONDUCTOR_STAGE_TIMEOUT must be positive"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("CONDUCTOR_RATE_LIMIT_RPS and CONDUCTOR_RATE_LIMIT_BURST must be positive"))
	}
	if !c.Dev() && c.MutationSecret == "" {
		errs = append(errs, fmt.Errorf("CONDUCTOR_MUTATION_SECRET is required when CONDUCTOR_JWT_SECRET is set"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text", "tint":
	default:
		errs = append(errs, fmt.Errorf("CONDUCTOR_LOG_FORMAT=%q must be json, text or tint", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the slog logger selected by LogFormat and LogLevel.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	switch c.LogFormat {
	case "tint":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Value.Kind() == slog.KindAny {
					if _, ok := a.Value.Any().(error); ok {
						return tint.Attr(9, a)
					}
				}
				return a
			},
		}))
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("CONDUCTOR_LOG_LEVEL=%q must be debug, info, warn or error", s)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
