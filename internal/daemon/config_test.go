package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 11535 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 11535)
	}
	if cfg.Pipeline.MaxConcurrent != 4 {
		t.Errorf("Pipeline.MaxConcurrent = %d, want 4", cfg.Pipeline.MaxConcurrent)
	}
	if len(cfg.Verification.Networks) != 3 {
		t.Errorf("Verification.Networks = %d, want 3", len(cfg.Verification.Networks))
	}
	if cfg.Settlement.Rails[0].Currency != "MASUMI" {
		t.Errorf("default rail currency = %q, want MASUMI", cfg.Settlement.Rails[0].Currency)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"threshold zero", func(c *Config) { c.Verification.Threshold = 0 }, "Threshold"},
		{"threshold above one", func(c *Config) { c.Verification.Threshold = 1.5 }, "Threshold"},
		{"no workers", func(c *Config) { c.Pipeline.MaxConcurrent = 0 }, "MaxConcurrent"},
		{"bad duration", func(c *Config) { c.Pipeline.TaskTimeout = "soon" }, "TaskTimeout"},
		{"no networks", func(c *Config) { c.Verification.Networks = nil }, "Networks"},
		{"duplicate network", func(c *Config) {
			c.Verification.Networks = []NetworkConfig{{ID: "a"}, {ID: "a"}}
		}, "Networks"},
		{"no rails", func(c *Config) { c.Settlement.Rails = nil }, "Rails"},
		{"rail without currency", func(c *Config) { c.Settlement.Rails[0].Currency = "" }, "Currency"},
		{"bad endpoint", func(c *Config) { c.Explainer.Endpoint = "not a url" }, "Endpoint"},
		{"unknown method", func(c *Config) { c.Explainer.Method = "magic" }, "Method"},
		{"nats without subject", func(c *Config) {
			c.Intake.NATSURL = "nats://127.0.0.1:4222"
			c.Intake.Subject = ""
		}, "Subject"},
		{"nats without buckets", func(c *Config) { c.Registry.NATSURL = "nats://127.0.0.1:4222" }, "Buckets"},
		{"base above max", func(c *Config) { c.Reward.Medium.Base = 500 }, "medium"},
		{"grace shorter than verification", func(c *Config) {
			c.Pipeline.VerificationGrace = "10ms"
			c.Verification.Timeout = "60ms"
		}, "verification_grace"},
		{"default grace under long verification", func(c *Config) {
			c.Pipeline.VerificationGrace = ""
			c.Verification.Timeout = "30s"
		}, "verification_grace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("ZIGGURAT_HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Node.AgentID != DefaultConfig().Node.AgentID {
		t.Errorf("AgentID = %q, want default", cfg.Node.AgentID)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZIGGURAT_HOME", home)

	content := `
[node]
agent_id = "agent-7"

[verification]
threshold = 0.5

[[verification.networks]]
id = "alpha"

[[verification.networks]]
id = "beta"
endpoint = "https://beta.example.com"
rate_per_sec = 5.0

[[settlement.rails]]
id = "ada"
currency = "ada"

[explainer]
method = "LIME"
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Node.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", cfg.Node.AgentID)
	}
	if cfg.Verification.Threshold != 0.5 {
		t.Errorf("Threshold = %v, want 0.5", cfg.Verification.Threshold)
	}
	if len(cfg.Verification.Networks) != 2 || cfg.Verification.Networks[1].RatePerSec != 5 {
		t.Errorf("Networks = %+v", cfg.Verification.Networks)
	}
	if len(cfg.Settlement.Rails) != 1 || cfg.Settlement.Rails[0].Currency != "ADA" {
		t.Errorf("Rails = %+v, want one ADA rail", cfg.Settlement.Rails)
	}
	if cfg.Explainer.Method != "lime" {
		t.Errorf("Method = %q, want lime", cfg.Explainer.Method)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.BatchSize != 16 {
		t.Errorf("BatchSize = %d, want 16", cfg.Pipeline.BatchSize)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZIGGURAT_HOME", home)

	content := "[pipeline]\nmax_concurrent = 0\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for max_concurrent = 0")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("ZIGGURAT_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Node.AgentID = "agent-saved"
	cfg.Settlement.RateMaxAge = "2m"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if got.Node.AgentID != "agent-saved" || got.Settlement.RateMaxAge != "2m" {
		t.Errorf("round trip lost fields: %+v %+v", got.Node, got.Settlement)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"15s", 15 * time.Second},
		{"2m", 2 * time.Minute},
		{"", time.Minute},
		{"garbage", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, time.Minute); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
