// ABOUTME: Configuration loading and parsing for prime-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete prime-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Node        NodeConfig        `yaml:"node"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	NonceTTL    time.Duration `yaml:"-"`
	NonceTTLRaw string        `yaml:"nonce_ttl"`
}

// GatewayConfig holds protocol timing and queue configuration
type GatewayConfig struct {
	OutboundQueue int `yaml:"outbound_queue"`

	HandshakeTimeout  time.Duration `yaml:"-"`
	RequestTimeout    time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`

	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
	RequestTimeoutRaw    string `yaml:"request_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// IdempotencyConfig holds idempotency record lifetime configuration
type IdempotencyConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// NodeConfig holds node execution policy configuration
type NodeConfig struct {
	RequireMediumApproval bool `yaml:"require_medium_approval"`

	ApprovalTTL      time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`
	ApprovalTTLRaw   string        `yaml:"approval_ttl"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the file leaves a knob unset.
const (
	defaultNonceTTL          = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdempotencyTTL    = time.Hour
	defaultApprovalTTL       = 24 * time.Hour
	defaultSweepInterval     = time.Minute
	defaultOutboundQueue     = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued knobs with their defaults.
func (c *Config) applyDefaults() {
	if c.Auth.NonceTTL == 0 {
		c.Auth.NonceTTL = defaultNonceTTL
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = defaultRequestTimeout
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Gateway.OutboundQueue == 0 {
		c.Gateway.OutboundQueue = defaultOutboundQueue
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = defaultIdempotencyTTL
	}
	if c.Node.ApprovalTTL == 0 {
		c.Node.ApprovalTTL = defaultApprovalTTL
	}
	if c.Node.SweepInterval == 0 {
		c.Node.SweepInterval = defaultSweepInterval
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Gateway.OutboundQueue < 0 {
		return fmt.Errorf("gateway.outbound_queue must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.nonce_ttl", cfg.Auth.NonceTTLRaw, &cfg.Auth.NonceTTL},
		{"gateway.handshake_timeout", cfg.Gateway.HandshakeTimeoutRaw, &cfg.Gateway.HandshakeTimeout},
		{"gateway.request_timeout", cfg.Gateway.RequestTimeoutRaw, &cfg.Gateway.RequestTimeout},
		{"gateway.heartbeat_interval", cfg.Gateway.HeartbeatIntervalRaw, &cfg.Gateway.HeartbeatInterval},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
		{"node.approval_ttl", cfg.Node.ApprovalTTLRaw, &cfg.Node.ApprovalTTL},
		{"node.sweep_interval", cfg.Node.SweepIntervalRaw, &cfg.Node.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
