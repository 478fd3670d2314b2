// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Alarm: inactivity/heartbeat/execution timeouts, auth handshake, push rendezvous
//   - Breaker: circuit breaker failure threshold and open window
//   - Model: allowlisted models and reasoning efforts
//   - Sandbox: provider kind, create retry attempts/delay, resource limits
//   - DB: per-session SQLite data directory
//   - Redis: optional distributed actor lease backend
//
// The environment variables and their defaults are read in Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AlarmConfig holds the timeout values LifecycleManager's watchdogs are
// evaluated against.
type AlarmConfig struct {
	InactivityTimeout  time.Duration // no connected clients and no activity (default: 30m)
	HeartbeatTimeout   time.Duration // sandbox silent on the WS link (default: 2m)
	ExecutionTimeout   time.Duration // message stuck in processing (default: 90m)
	AuthHandshakeTimeout time.Duration // time a freshly upgraded socket has to subscribe (default: 10s)
	WSTokenLifetime    time.Duration // participant WS auth token validity (default: 24h)
	PushRendezvousDeadline time.Duration // time to wait for push_complete/push_error (default: 180s)
	InactivityWarningLead  time.Duration // warn this long before the inactivity timeout fires (default: 5m)
}

// BreakerConfig holds circuit breaker tuning for sandbox spawn failures.
type BreakerConfig struct {
	FailureThreshold int           // failures before the breaker opens (default: 3)
	OpenWindow       time.Duration // cooldown once open (default: 60s)
}

// ModelConfig holds the model/reasoning-effort allowlists enforced on
// prompt enqueue.
type ModelConfig struct {
	AllowedModels          []string
	DefaultModel           string
	AllowedReasoningEffort []string
	DefaultReasoningEffort string
}

// Allows reports whether model is allowlisted (empty allowlist allows any).
func (m ModelConfig) Allows(model string) bool {
	if model == "" {
		return true
	}
	if len(m.AllowedModels) == 0 {
		return true
	}
	for _, v := range m.AllowedModels {
		if v == model {
			return true
		}
	}
	return false
}

// AllowsReasoningEffort reports whether effort is allowlisted (empty
// allowlist allows any).
func (m ModelConfig) AllowsReasoningEffort(effort string) bool {
	if effort == "" {
		return true
	}
	if len(m.AllowedReasoningEffort) == 0 {
		return true
	}
	for _, v := range m.AllowedReasoningEffort {
		if v == effort {
			return true
		}
	}
	return false
}

// SandboxConfig holds container resource and retry configuration, plus
// which SandboxProvider backs the session.
type SandboxConfig struct {
	ProviderKind        string        // "docker" for the local reference SandboxProvider
	MemoryLimitBytes    int64         // Memory limit in bytes (default: 2GiB)
	CPUQuota            int64         // CPU quota (default: 200000 = 2 CPU)
	PidsLimit           int64         // PIDs limit (default: 1024)
	CreateRetryAttempts int           // Container create retry attempts (default: 20)
	CreateRetryDelay    time.Duration // Delay between create retries (default: 250ms)
	RestartGracePeriod  time.Duration // grace period after a restore before treating it as failed (default: 30s)
}

// RetryConfig holds retry-related configuration.
type RetryConfig struct {
	DatabaseMaxRetries     int           // Max database retry attempts (default: 3)
	DatabaseRetryBaseDelay time.Duration // Base delay for DB retries (default: 100ms)
}

// DBConfig holds the per-session SQLite storage location.
type DBConfig struct {
	DataDir string // directory holding one SQLite file per session
}

// RedisConfig holds the optional distributed actor-lease backend. An empty
// Addr means single-node mode: the actor lease is a no-op.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Alarm       AlarmConfig
	Breaker     BreakerConfig
	Model       ModelConfig
	Sandbox     SandboxConfig
	DB          DBConfig
	Redis       RedisConfig
	Retry       RetryConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Alarm: AlarmConfig{
			InactivityTimeout:     getEnvDuration("SESSIOND_INACTIVITY_TIMEOUT", 30*time.Minute),
			HeartbeatTimeout:      getEnvDuration("SESSIOND_HEARTBEAT_TIMEOUT", 2*time.Minute),
			ExecutionTimeout:      getEnvDuration("SESSIOND_EXECUTION_TIMEOUT", 90*time.Minute),
			AuthHandshakeTimeout:  getEnvDuration("SESSIOND_AUTH_HANDSHAKE_TIMEOUT", 10*time.Second),
			WSTokenLifetime:       getEnvDuration("SESSIOND_WS_TOKEN_LIFETIME", 24*time.Hour),
			PushRendezvousDeadline: getEnvDuration("SESSIOND_PUSH_RENDEZVOUS_DEADLINE", 180*time.Second),
			InactivityWarningLead: getEnvDuration("SESSIOND_INACTIVITY_WARNING_LEAD", 5*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("SESSIOND_BREAKER_THRESHOLD", 3),
			OpenWindow:       getEnvDuration("SESSIOND_BREAKER_OPEN_WINDOW", 60*time.Second),
		},
		Model: ModelConfig{
			AllowedModels:          getEnvList("SESSIOND_ALLOWED_MODELS", nil),
			DefaultModel:           getEnv("SESSIOND_DEFAULT_MODEL", "claude-sonnet-4-5"),
			AllowedReasoningEffort: getEnvList("SESSIOND_ALLOWED_REASONING_EFFORT", []string{"low", "medium", "high"}),
			DefaultReasoningEffort: getEnv("SESSIOND_DEFAULT_REASONING_EFFORT", "medium"),
		},
		Sandbox: SandboxConfig{
			ProviderKind:        getEnv("SESSIOND_SANDBOX_PROVIDER", "docker"),
			MemoryLimitBytes:    getEnvInt64("SESSIOND_SANDBOX_MEMORY_LIMIT", 2*1024*1024*1024),
			CPUQuota:            getEnvInt64("SESSIOND_SANDBOX_CPU_QUOTA", 200000),
			PidsLimit:           getEnvInt64("SESSIOND_SANDBOX_PIDS_LIMIT", 1024),
			CreateRetryAttempts: getEnvInt("SESSIOND_SANDBOX_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:    getEnvDuration("SESSIOND_SANDBOX_CREATE_RETRY_DELAY", 250*time.Millisecond),
			RestartGracePeriod:  getEnvDuration("SESSIOND_SANDBOX_RESTART_GRACE", 30*time.Second),
		},
		DB: DBConfig{
			DataDir: getEnv("SESSIOND_DB_DIR", "./data/sessions"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("SESSIOND_REDIS_ADDR", ""),
			Password: getEnv("SESSIOND_REDIS_PASSWORD", ""),
			DB:       getEnvInt("SESSIOND_REDIS_DB", 0),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("SESSIOND_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("SESSIOND_DB_RETRY_BASE_DELAY", 100*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DB.DataDir == "" {
		return fmt.Errorf("SESSIOND_DB_DIR cannot be empty")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("SESSIOND_BREAKER_THRESHOLD must be > 0")
	}
	if c.Model.DefaultModel == "" {
		return fmt.Errorf("SESSIOND_DEFAULT_MODEL cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
