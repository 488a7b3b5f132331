// Package config loads the daemon configuration from an optional yaml
// file overlaid with ARQONBUS_* environment variables, and runs the
// startup preflight checks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Infra wire protocols.
const (
	InfraJSON     = "json"
	InfraProtobuf = "protobuf"
)

type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Infra       InfraConfig    `yaml:"infra"`
	Auth        AuthConfig     `yaml:"auth"`
	Storage     StorageConfig  `yaml:"storage"`
	Operator    OperatorConfig `yaml:"operator"`
	Omega       OmegaConfig    `yaml:"omega"`
	HTTP        HTTPConfig     `yaml:"http"`
	CASILPath   string         `yaml:"casil_config"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

type InfraConfig struct {
	Protocol       string `yaml:"protocol"`
	AllowJSONInfra bool   `yaml:"allow_json_infra"`
}

type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

type StorageConfig struct {
	Backend      string `yaml:"backend"`
	Mode         string `yaml:"mode"`
	MaxSize      int    `yaml:"max_size"`
	RedisURL     string `yaml:"redis_url"`
	PostgresURL  string `yaml:"postgres_url"`
	StreamPrefix string `yaml:"stream_prefix"`
	HistoryLimit int    `yaml:"history_limit"`
}

type OperatorConfig struct {
	AuthRequired bool   `yaml:"auth_required"`
	Token        string `yaml:"token"`
}

type OmegaConfig struct {
	Enabled        bool   `yaml:"enabled"`
	LabRoom        string `yaml:"lab_room"`
	LabChannel     string `yaml:"lab_channel"`
	MaxEvents      int    `yaml:"max_events"`
	MaxSubstrates  int    `yaml:"max_substrates"`
	Runtime        string `yaml:"runtime"`
	FirecrackerBin string `yaml:"firecracker_bin"`
	KernelImage    string `yaml:"kernel_image"`
	RootfsImage    string `yaml:"rootfs_image"`
	WorkspaceDir   string `yaml:"workspace_dir"`
	MaxVMs         int    `yaml:"max_vms"`
}

type HTTPConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Environment: "local",
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			MaxMessageSize: 512 * 1024,
		},
		Infra: InfraConfig{Protocol: InfraJSON, AllowJSONInfra: true},
		Storage: StorageConfig{
			Backend:      "memory",
			Mode:         "degraded",
			StreamPrefix: "arqonbus",
			HistoryLimit: 1000,
		},
		Omega: OmegaConfig{
			LabRoom:       "omega-lab",
			LabChannel:    "events",
			MaxEvents:     500,
			MaxSubstrates: 16,
			Runtime:       "memory",
			MaxVMs:        4,
		},
		HTTP: HTTPConfig{Port: 8788},
	}
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds the config from an optional yaml file plus environment
// overrides.
func Load(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		cfg = loaded
	} else {
		cfg = Default()
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("ARQONBUS_ENVIRONMENT", &c.Environment)
	envStr("ARQONBUS_SERVER_HOST", &c.Server.Host)
	envInt("ARQONBUS_SERVER_PORT", &c.Server.Port)
	envInt64("ARQONBUS_MAX_MESSAGE_SIZE", &c.Server.MaxMessageSize)

	envStr("ARQONBUS_INFRA_PROTOCOL", &c.Infra.Protocol)
	envBool("ARQONBUS_ALLOW_JSON_INFRA", &c.Infra.AllowJSONInfra)

	envBool("ARQONBUS_ENABLE_AUTH", &c.Auth.Enabled)
	envStr("ARQONBUS_JWT_SECRET", &c.Auth.JWTSecret)

	envStr("ARQONBUS_STORAGE_BACKEND", &c.Storage.Backend)
	envStr("ARQONBUS_STORAGE_MODE", &c.Storage.Mode)
	envStr("ARQONBUS_POSTGRES_URL", &c.Storage.PostgresURL)
	envStr("ARQONBUS_VALKEY_URL", &c.Storage.RedisURL)
	envStr("ARQONBUS_REDIS_URL", &c.Storage.RedisURL)

	envBool("ARQONBUS_OPERATOR_AUTH_REQUIRED", &c.Operator.AuthRequired)
	envStr("ARQONBUS_OPERATOR_TOKEN", &c.Operator.Token)

	envBool("ARQONBUS_OMEGA_ENABLED", &c.Omega.Enabled)
	envStr("ARQONBUS_OMEGA_LAB_ROOM", &c.Omega.LabRoom)
	envStr("ARQONBUS_OMEGA_LAB_CHANNEL", &c.Omega.LabChannel)
	envInt("ARQONBUS_OMEGA_MAX_EVENTS", &c.Omega.MaxEvents)
	envInt("ARQONBUS_OMEGA_MAX_SUBSTRATES", &c.Omega.MaxSubstrates)
	envStr("ARQONBUS_OMEGA_RUNTIME", &c.Omega.Runtime)
	envStr("ARQONBUS_OMEGA_FIRECRACKER_BIN", &c.Omega.FirecrackerBin)
	envStr("ARQONBUS_OMEGA_KERNEL_IMAGE", &c.Omega.KernelImage)
	envStr("ARQONBUS_OMEGA_ROOTFS_IMAGE", &c.Omega.RootfsImage)
	envStr("ARQONBUS_OMEGA_WORKSPACE_DIR", &c.Omega.WorkspaceDir)
	envInt("ARQONBUS_OMEGA_MAX_VMS", &c.Omega.MaxVMs)

	envInt("ARQONBUS_HTTP_PORT", &c.HTTP.Port)
	envStr("ARQONBUS_HTTP_API_KEY", &c.HTTP.APIKey)
	envStr("ARQONBUS_CASIL_CONFIG", &c.CASILPath)
}

// IsLocal reports whether the environment counts as local development.
func (c *Config) IsLocal() bool {
	switch strings.ToLower(c.Environment) {
	case "", "local", "dev", "development", "test":
		return true
	}
	return false
}

// Validate collects every configuration problem; an empty slice means
// the config is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, "max_message_size must be positive")
	}
	if c.Infra.Protocol != InfraJSON && c.Infra.Protocol != InfraProtobuf {
		errs = append(errs, fmt.Sprintf("infra protocol must be json or protobuf, got %q", c.Infra.Protocol))
	}
	switch c.Storage.Mode {
	case "", "strict", "degraded":
	default:
		errs = append(errs, fmt.Sprintf("storage mode must be strict or degraded, got %q", c.Storage.Mode))
	}
	switch c.Storage.Backend {
	case "", "memory", "redis", "valkey", "redis_streams", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "postgres backend requires ARQONBUS_POSTGRES_URL")
	}
	if (c.Storage.Backend == "redis" || c.Storage.Backend == "valkey" || c.Storage.Backend == "redis_streams") &&
		c.Storage.RedisURL == "" {
		errs = append(errs, "redis backend requires ARQONBUS_VALKEY_URL or ARQONBUS_REDIS_URL")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth enabled but ARQONBUS_JWT_SECRET is empty")
	}
	if c.Operator.AuthRequired && c.Operator.Token == "" {
		errs = append(errs, "operator auth required but ARQONBUS_OPERATOR_TOKEN is empty")
	}
	switch c.Omega.Runtime {
	case "", "memory", "firecracker":
	default:
		errs = append(errs, fmt.Sprintf("omega runtime must be memory or firecracker, got %q", c.Omega.Runtime))
	}
	return errs
}

// Preflight enforces the startup assertions that must abort the daemon:
// an unset server host outside local environments, and JSON infra
// framing in staging/production unless explicitly allowed.
func (c *Config) Preflight() error {
	if c.Server.Host == "" && !c.IsLocal() {
		return fmt.Errorf("ARQONBUS_SERVER_HOST must be set in %s environments", c.Environment)
	}
	if !c.IsLocal() && c.Infra.Protocol == InfraJSON && !c.Infra.AllowJSONInfra {
		return fmt.Errorf("JSON infra protocol is not allowed in %s (set ARQONBUS_ALLOW_JSON_INFRA to override)", c.Environment)
	}
	if errs := c.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envStr(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

func envBool(key string, target *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*target = true
		case "0", "false", "no", "off":
			*target = false
		}
	}
}

func envInt(key string, target *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envInt64(key string, target *int64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}
