// Package daemon manages the Ziggurat daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/tutu-network/ziggurat/internal/app/pipeline"
	"github.com/tutu-network/ziggurat/internal/app/reward"
	"github.com/tutu-network/ziggurat/internal/app/verify"
	"github.com/tutu-network/ziggurat/internal/logger"
)

// Config holds all daemon configuration.
type Config struct {
	Node         NodeConfig         `toml:"node"`
	API          APIConfig          `toml:"api"`
	Pipeline     PipelineConfig     `toml:"pipeline"`
	Reward       reward.Config      `toml:"reward"`
	Verification VerificationConfig `toml:"verification"`
	Settlement   SettlementConfig   `toml:"settlement"`
	Rates        RatesConfig        `toml:"rates"`
	Explainer    ExplainerConfig    `toml:"explainer"`
	Registry     RegistryConfig     `toml:"registry"`
	Intake       IntakeConfig       `toml:"intake"`
	Logging      logger.Config      `toml:"logging"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
}

// NodeConfig identifies the agent this node works for.
type NodeConfig struct {
	AgentID      string   `toml:"agent_id" validate:"required"`
	Capabilities []string `toml:"capabilities"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"min=1,max=65535"`
}

// PipelineConfig sizes the worker pool.
type PipelineConfig struct {
	MaxConcurrent     int    `toml:"max_concurrent" validate:"min=1"`
	TaskTimeout       string `toml:"task_timeout" validate:"omitempty,duration"`
	VerificationGrace string `toml:"verification_grace" validate:"omitempty,duration"`
	PollInterval      string `toml:"poll_interval" validate:"omitempty,duration"`
	BatchSize         int    `toml:"batch_size" validate:"min=1"`
}

// VerificationConfig sets the quorum and the external networks.
type VerificationConfig struct {
	Threshold float64         `toml:"threshold" validate:"gt=0,lte=1"`
	Timeout   string          `toml:"timeout" validate:"omitempty,duration"`
	Networks  []NetworkConfig `toml:"networks" validate:"min=1,unique=ID,dive"`
}

// NetworkConfig is one verification network. An empty endpoint runs an
// in-process loopback network that always agrees.
type NetworkConfig struct {
	ID         string  `toml:"id" validate:"required"`
	Endpoint   string  `toml:"endpoint" validate:"omitempty,url"`
	RatePerSec float64 `toml:"rate_per_sec" validate:"gte=0"`
}

// SettlementConfig tunes dispatch and lists the payment rails. The first rail
// is the default.
type SettlementConfig struct {
	MaxAttempts       int          `toml:"max_attempts" validate:"min=1"`
	BaseDelay         string       `toml:"base_delay" validate:"omitempty,duration"`
	MaxDelay          string       `toml:"max_delay" validate:"omitempty,duration"`
	Jitter            float64      `toml:"jitter" validate:"gte=0,lt=1"`
	RateMaxAge        string       `toml:"rate_max_age" validate:"omitempty,duration"`
	ReconcileInterval string       `toml:"reconcile_interval" validate:"omitempty,duration"`
	Rails             []RailConfig `toml:"rails" validate:"min=1,unique=ID,dive"`
}

// RailConfig is one payment rail. An empty endpoint settles in-process.
type RailConfig struct {
	ID         string  `toml:"id" validate:"required"`
	Currency   string  `toml:"currency" validate:"required,alphanum"`
	Endpoint   string  `toml:"endpoint" validate:"omitempty,url"`
	RatePerSec float64 `toml:"rate_per_sec" validate:"gte=0"`
}

// RatesConfig configures the conversion-rate source. An empty table uses the
// built-in one.
type RatesConfig struct {
	CacheTTL string                        `toml:"cache_ttl" validate:"omitempty,duration"`
	Table    map[string]map[string]float64 `toml:"table"`
}

// ExplainerConfig selects the explainer. An empty endpoint uses the local one.
type ExplainerConfig struct {
	Endpoint string `toml:"endpoint" validate:"omitempty,url"`
	Method   string `toml:"method" validate:"oneof=shap lime gradient attention"`
}

// RegistryConfig points the agent sync at JetStream KV buckets.
type RegistryConfig struct {
	Interval string   `toml:"interval" validate:"omitempty,duration"`
	NATSURL  string   `toml:"nats_url"`
	Buckets  []string `toml:"buckets" validate:"required_with=NATSURL,dive,required"`
}

// IntakeConfig enables the NATS task subscription.
type IntakeConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject" validate:"required_with=NATSURL"`
}

// TelemetryConfig controls metrics and tracing export.
type TelemetryConfig struct {
	Prometheus   bool   `toml:"prometheus"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

// DefaultConfig returns a single-node configuration with loopback networks
// and rails.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			AgentID:      "agent-local",
			Capabilities: []string{"explain"},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11535,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:     4,
			TaskTimeout:       "60s",
			VerificationGrace: "15s",
			PollInterval:      "2s",
			BatchSize:         16,
		},
		Reward: reward.DefaultConfig(),
		Verification: VerificationConfig{
			Threshold: 2.0 / 3.0,
			Timeout:   "10s",
			Networks: []NetworkConfig{
				{ID: "masumi"},
				{ID: "icp"},
				{ID: "ton"},
			},
		},
		Settlement: SettlementConfig{
			MaxAttempts:       5,
			BaseDelay:         "500ms",
			MaxDelay:          "30s",
			Jitter:            0.2,
			RateMaxAge:        "10m",
			ReconcileInterval: "1m",
			Rails: []RailConfig{
				{ID: "masumi", Currency: "MASUMI"},
				{ID: "icp", Currency: "ICP"},
				{ID: "ton", Currency: "TON"},
			},
		},
		Rates: RatesConfig{
			CacheTTL: "5m",
		},
		Explainer: ExplainerConfig{
			Method: "shap",
		},
		Registry: RegistryConfig{
			Interval: "5m",
		},
		Intake: IntakeConfig{
			Subject: "ziggurat.tasks",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

var configValidate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and the reward ranges.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Reward.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	grace := parseDuration(c.Pipeline.VerificationGrace, pipeline.DefaultConfig().VerificationGrace)
	timeout := parseDuration(c.Verification.Timeout, verify.DefaultConfig().Timeout)
	if grace < timeout {
		return fmt.Errorf("invalid config: pipeline.verification_grace %s is shorter than verification.timeout %s", grace, timeout)
	}
	return nil
}

// LoadConfig reads config from $ZIGGURAT_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile decodes path over the defaults and validates the result.
// A missing file yields the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the config to $ZIGGURAT_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

func (c *Config) normalize() {
	for i := range c.Settlement.Rails {
		c.Settlement.Rails[i].Currency = strings.ToUpper(c.Settlement.Rails[i].Currency)
	}
	c.Explainer.Method = strings.ToLower(c.Explainer.Method)
}

// ConfigPath is the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Home returns the Ziggurat data directory.
func Home() string {
	if env := os.Getenv("ZIGGURAT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ziggurat")
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
