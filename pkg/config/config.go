// Package config provides environment-based configuration for the control plane,
// the sandbox runner and the estate agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the control plane API.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration
	// AgentTokenExpiry applies to estate agent tokens. Zero means no expiry.
	AgentTokenExpiry time.Duration

	// Server configuration
	APIPort int
	APIHost string

	// PublicBaseURL is the externally reachable base URL that sandboxes use
	// for ingest and callback requests.
	PublicBaseURL string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// AllowedOrigins lists browser origins accepted on websocket upgrades.
	AllowedOrigins []string

	LogLevel string

	// Webhook holds inbound webhook verification settings.
	Webhook WebhookConfig

	// Signing holds signed URL settings.
	Signing SigningConfig

	// Sandbox holds sandbox provisioning settings.
	Sandbox SandboxConfig

	// SOPS configuration for secrets encryption
	SOPS SOPSConfig
}

// WebhookConfig holds the shared secret used to verify forge webhooks.
type WebhookConfig struct {
	GitHubSecret string
}

// SigningConfig holds the master secret for signed callback and ingest URLs.
type SigningConfig struct {
	Secret      string
	CallbackTTL time.Duration
	IngestTTL   time.Duration
}

// SandboxConfig holds sandbox launcher configuration.
type SandboxConfig struct {
	// Provider selects the launcher: "docker" or "podman".
	Provider     string
	RunnerImage  string
	PodmanSocket string
	Network      string
	Platform     string
	CPUs         float64
	MemoryMB     int64
	PidsLimit    int64
}

// SOPSConfig holds age keys for secrets encryption.
type SOPSConfig struct {
	// AgePublicKey is the age public key for encryption.
	// Format: age1... (Bech32 encoded)
	AgePublicKey string
	// AgePrivateKey is the age private key for decryption.
	// Format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgePrivateKey string
}

// Load reads API configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.JWTSecret = getEnv("JWT_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:      getEnv("DATABASE_URL", "postgres://localhost:5432/sandbox?sslmode=disable"),
		JWTSecret:        getEnv("JWT_SECRET", "development-secret-key-min-32-chars"),
		JWTExpiry:        getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		AgentTokenExpiry: getDurationEnv("AGENT_TOKEN_EXPIRY", 0),
		APIPort:          getIntEnv("API_PORT", 8080),
		APIHost:          getEnv("API_HOST", "0.0.0.0"),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", "https://localhost:8080"),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		AllowedOrigins:   strings.Fields(strings.ReplaceAll(getEnv("ALLOWED_ORIGINS", ""), ",", " ")),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Webhook: WebhookConfig{
			GitHubSecret: getEnv("GITHUB_WEBHOOK_SECRET", ""),
		},
		Signing: SigningConfig{
			Secret:      getEnv("SIGNING_SECRET", ""),
			CallbackTTL: getDurationEnv("CALLBACK_URL_TTL", time.Hour),
			IngestTTL:   getDurationEnv("INGEST_URL_TTL", time.Hour),
		},
		Sandbox: SandboxConfig{
			Provider:     getEnv("SANDBOX_PROVIDER", "docker"),
			RunnerImage:  getEnv("SANDBOX_RUNNER_IMAGE", "ghcr.io/narvanalabs/sandbox-runner:latest"),
			PodmanSocket: getEnv("PODMAN_SOCKET", "unix:///run/user/1000/podman/podman.sock"),
			Network:      getEnv("SANDBOX_NETWORK", "bridge"),
			Platform:     getEnv("SANDBOX_PLATFORM", ""),
			CPUs:         getFloatEnv("SANDBOX_CPUS", 1),
			MemoryMB:     int64(getIntEnv("SANDBOX_MEMORY_MB", 2048)),
			PidsLimit:    int64(getIntEnv("SANDBOX_PIDS_LIMIT", 1024)),
		},
		SOPS: SOPSConfig{
			AgePublicKey:  getEnv("SOPS_AGE_PUBLIC_KEY", ""),
			AgePrivateKey: getEnv("SOPS_AGE_PRIVATE_KEY", ""),
		},
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Webhook.GitHubSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	if !strings.HasPrefix(c.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must use https")
	}
	if len(c.Signing.Secret) < 32 {
		return fmt.Errorf("SIGNING_SECRET must be at least 32 characters")
	}
	switch c.Sandbox.Provider {
	case "docker", "podman":
	default:
		return fmt.Errorf("SANDBOX_PROVIDER must be docker or podman, got %q", c.Sandbox.Provider)
	}
	return nil
}

// AgentConfig holds configuration for the long-running estate agent.
type AgentConfig struct {
	// ControlPlaneURL is the base URL of the control plane. Empty disables
	// bootstrap reconciliation.
	ControlPlaneURL   string
	ControlPlaneToken string

	EnvFile          string
	RestartGuardPath string
	RestartGuardTTL  time.Duration

	ReconcileInterval time.Duration
	ReconcileJitter   time.Duration

	// RestartMode is "systemd", "command" or "none".
	RestartMode    string
	SystemdUnit    string
	RestartCommand []string

	AgePrivateKey string

	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr string

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() *AgentConfig {
	return &AgentConfig{
		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", ""),
		ControlPlaneToken: getEnv("CONTROL_PLANE_TOKEN", ""),
		EnvFile:           getEnv("AGENT_ENV_FILE", "/etc/sandbox/agent.env"),
		RestartGuardPath:  getEnv("AGENT_RESTART_GUARD", "/var/lib/sandbox/restart.marker"),
		RestartGuardTTL:   getDurationEnv("AGENT_RESTART_GUARD_TTL", 5*time.Minute),
		ReconcileInterval: getDurationEnv("AGENT_RECONCILE_INTERVAL", 30*time.Minute),
		ReconcileJitter:   getDurationEnv("AGENT_RECONCILE_JITTER", 5*time.Minute),
		RestartMode:       getEnv("AGENT_RESTART_MODE", "command"),
		SystemdUnit:       getEnv("AGENT_SYSTEMD_UNIT", "sandbox-services.target"),
		RestartCommand:    strings.Fields(getEnv("AGENT_RESTART_COMMAND", "s6-svscanctl -an /run/service")),
		AgePrivateKey:     getEnv("SOPS_AGE_PRIVATE_KEY", ""),
		MetricsAddr:       getEnv("AGENT_METRICS_ADDR", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("AGENT_LOG_FILE", ""),
	}
}

// Configured reports whether the agent can reach a control plane.
func (c *AgentConfig) Configured() bool {
	return c.ControlPlaneURL != "" && c.ControlPlaneToken != ""
}

// RunnerConfig holds configuration for the sandbox runner binary.
type RunnerConfig struct {
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	HTTPTimeout       time.Duration
	GzipLogs          bool

	GitBinary string
	GhBinary  string
	Shell     string

	LogLevel string
}

// LoadRunner reads runner configuration from environment variables.
func LoadRunner() *RunnerConfig {
	return &RunnerConfig{
		FlushInterval:     getDurationEnv("RUNNER_FLUSH_INTERVAL", time.Second),
		HeartbeatInterval: getDurationEnv("RUNNER_HEARTBEAT_INTERVAL", 30*time.Second),
		HTTPTimeout:       getDurationEnv("RUNNER_HTTP_TIMEOUT", 15*time.Second),
		GzipLogs:          getBoolEnv("RUNNER_GZIP_LOGS", false),
		GitBinary:         getEnv("RUNNER_GIT", "git"),
		GhBinary:          getEnv("RUNNER_GH", "gh"),
		Shell:             getEnv("RUNNER_SHELL", "/bin/sh"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
