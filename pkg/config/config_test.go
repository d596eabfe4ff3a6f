package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := LoadWithDefaults()
	cfg.JWTSecret = strings.Repeat("j", 32)
	cfg.Webhook.GitHubSecret = "hook"
	cfg.Signing.Secret = strings.Repeat("s", 32)
	cfg.PublicBaseURL = "https://plane.example.com"
	cfg.Sandbox.Provider = "docker"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }, "JWT_SECRET"},
		{"missing webhook secret", func(c *Config) { c.Webhook.GitHubSecret = "" }, "GITHUB_WEBHOOK_SECRET"},
		{"plain http base url", func(c *Config) { c.PublicBaseURL = "http://plane" }, "PUBLIC_BASE_URL"},
		{"short signing secret", func(c *Config) { c.Signing.Secret = "x" }, "SIGNING_SECRET"},
		{"unknown provider", func(c *Config) { c.Sandbox.Provider = "lxc" }, "SANDBOX_PROVIDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadWithDefaultsReadsEnvironment(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SANDBOX_PIDS_LIMIT", "64")
	t.Setenv("CALLBACK_URL_TTL", "90m")
	t.Setenv("SANDBOX_CPUS", "not-a-number")

	cfg := LoadWithDefaults()
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Sandbox.PidsLimit != 64 {
		t.Errorf("PidsLimit = %d", cfg.Sandbox.PidsLimit)
	}
	if cfg.Signing.CallbackTTL != 90*time.Minute {
		t.Errorf("CallbackTTL = %s", cfg.Signing.CallbackTTL)
	}
	if cfg.Sandbox.CPUs != 1 {
		t.Errorf("CPUs = %v, want default on parse failure", cfg.Sandbox.CPUs)
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "")
	if LoadAgent().Configured() {
		t.Error("agent configured without a control plane url")
	}

	t.Setenv("CONTROL_PLANE_URL", "https://plane.example.com")
	t.Setenv("CONTROL_PLANE_TOKEN", "tok")
	t.Setenv("AGENT_RESTART_COMMAND", "systemctl restart app")
	t.Setenv("AGENT_METRICS_ADDR", "127.0.0.1:9102")
	cfg := LoadAgent()
	if cfg.MetricsAddr != "127.0.0.1:9102" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	if !cfg.Configured() {
		t.Error("agent not configured")
	}
	if len(cfg.RestartCommand) != 3 || cfg.RestartCommand[0] != "systemctl" {
		t.Errorf("RestartCommand = %v", cfg.RestartCommand)
	}
	if cfg.ReconcileInterval != 30*time.Minute || cfg.ReconcileJitter != 5*time.Minute {
		t.Errorf("interval = %s jitter = %s", cfg.ReconcileInterval, cfg.ReconcileJitter)
	}
}
