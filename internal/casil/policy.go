// Package casil implements the envelope policy engine: scope matching,
// oversize and probable-secret checks, redaction, and monitor/enforce
// decision handling with hot-reloadable configuration.
package casil

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// RedactToken replaces redacted values wherever the policy masks content.
const RedactToken = "***REDACTED***"

// Engine modes.
const (
	ModeDisabled = "disabled"
	ModeMonitor  = "monitor"
	ModeEnforce  = "enforce"
)

// DefaultSecretPatterns are applied when the policy enables
// block_on_probable_secret without overriding the pattern list.
var DefaultSecretPatterns = []string{
	`api[_-]?key`,
	`secret`,
	`token`,
	`password`,
	`bearer\s+[A-Za-z0-9\-\._]+`,
}

// Config is the full policy document. The engine holds it behind an
// atomic pointer; reload swaps the whole object at once.
type Config struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Mode            string   `yaml:"mode" json:"mode"`
	DefaultDecision string   `yaml:"default_decision" json:"default_decision"`
	Scope           Scope    `yaml:"scope" json:"scope"`
	Policies        Policies `yaml:"policies" json:"policies"`
}

// Scope restricts the engine to matching broadcast targets.
type Scope struct {
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// Policies holds the decision thresholds and redaction rules.
type Policies struct {
	MaxPayloadBytes       int       `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	BlockOnProbableSecret bool      `yaml:"block_on_probable_secret" json:"block_on_probable_secret"`
	SecretPatterns        []string  `yaml:"secret_patterns" json:"secret_patterns"`
	Redaction             Redaction `yaml:"redaction" json:"redaction"`
}

// Redaction configures payload masking.
type Redaction struct {
	Paths              []string `yaml:"paths" json:"paths"`
	Patterns           []string `yaml:"patterns" json:"patterns"`
	TransportRedaction bool     `yaml:"transport_redaction" json:"transport_redaction"`
	NeverLogPayloadFor []string `yaml:"never_log_payload_for" json:"never_log_payload_for"`
}

// DefaultConfig returns a disabled engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Mode:            ModeMonitor,
		DefaultDecision: "allow",
	}
}

// Validate returns an error describing the first problem with the
// config, or nil. A failed validation must leave the live config
// untouched.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDisabled, ModeMonitor, ModeEnforce:
	default:
		return fmt.Errorf("invalid casil mode: %q (expected disabled, monitor, or enforce)", c.Mode)
	}
	switch c.DefaultDecision {
	case "", "allow", "block":
	default:
		return fmt.Errorf("invalid casil default_decision: %q (expected allow or block)", c.DefaultDecision)
	}
	if c.Policies.MaxPayloadBytes < 0 {
		return fmt.Errorf("invalid casil max_payload_bytes: %d", c.Policies.MaxPayloadBytes)
	}
	for _, p := range c.secretPatterns() {
		if _, err := regexp.Compile(`(?i)` + p); err != nil {
			return fmt.Errorf("invalid secret pattern %q: %w", p, err)
		}
	}
	for _, p := range c.Policies.Redaction.Patterns {
		if _, err := regexp.Compile(`(?i)` + p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	return nil
}

func (c *Config) secretPatterns() []string {
	if len(c.Policies.SecretPatterns) > 0 {
		return c.Policies.SecretPatterns
	}
	return DefaultSecretPatterns
}

// LoadConfigFile reads and validates a policy document from a yaml file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("casil config parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFromArgs builds a Config from a decoded command argument map,
// used by op.casil.reload.
func ConfigFromArgs(args map[string]interface{}) (*Config, error) {
	data, err := yaml.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("casil reload args: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("casil reload args: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
