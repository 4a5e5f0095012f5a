// Package config handles configuration loading and validation for codrive.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codrive/codrive/pkg/codrive"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Authorization policies recognized in the auth.policy field.
const (
	PolicyDeny      = "deny"
	PolicyAllow     = "allow"
	PolicyAllowlist = "allowlist"
)

// DriveConfig holds options passed to the drive factory.
type DriveConfig struct {
	Name          string `yaml:"name"` // primary drive name or hex key
	Announce      bool   `yaml:"announce"`
	Lookup        bool   `yaml:"lookup"`
	Sparse        *bool  `yaml:"sparse"`         // default: true
	HeaderSubtype string `yaml:"header_subtype"` // default: "co-hyperdrive"
}

// AuthConfig holds configuration for the authorization protocol.
type AuthConfig struct {
	Timeout   string   `yaml:"timeout"`    // Duration string, e.g. "60s"
	Policy    string   `yaml:"policy"`     // deny, allow or allowlist (default: deny)
	Allow     []string `yaml:"allow"`      // hex writer keys granted by the allowlist policy
	RateLimit float64  `yaml:"rate_limit"` // inbound requests per second (default: 100)
	RateBurst int      `yaml:"rate_burst"` // default: 20
}

// MetricsConfig holds configuration for the metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9090"; empty disables the endpoint
}

// Config is the codrive configuration file.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Drive    DriveConfig   `yaml:"drive"`
	Auth     AuthConfig    `yaml:"auth"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// LoadConfig loads configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Drive.Sparse == nil {
		sparse := true
		c.Drive.Sparse = &sparse
	}
	if c.Drive.HeaderSubtype == "" {
		c.Drive.HeaderSubtype = codrive.DefaultHeaderSubtype
	}
	if c.Auth.Timeout == "" {
		c.Auth.Timeout = codrive.DefaultAuthTimeout.String()
	}
	if c.Auth.Policy == "" {
		c.Auth.Policy = PolicyDeny
	}
	if c.Auth.RateLimit == 0 {
		c.Auth.RateLimit = 100
	}
	if c.Auth.RateBurst == 0 {
		c.Auth.RateBurst = 20
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Drive.Name == "" {
		return fmt.Errorf("drive.name is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	timeout, err := time.ParseDuration(c.Auth.Timeout)
	if err != nil {
		return fmt.Errorf("invalid auth.timeout: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("auth.timeout must be positive")
	}
	if c.Auth.RateLimit <= 0 {
		return fmt.Errorf("auth.rate_limit must be positive")
	}
	if c.Auth.RateBurst <= 0 {
		return fmt.Errorf("auth.rate_burst must be positive")
	}

	switch c.Auth.Policy {
	case PolicyDeny, PolicyAllow:
	case PolicyAllowlist:
		if len(c.Auth.Allow) == 0 {
			return fmt.Errorf("auth.allow must list at least one key for the allowlist policy")
		}
		for _, k := range c.Auth.Allow {
			if _, err := drive.ParseKey(k); err != nil {
				return fmt.Errorf("invalid auth.allow entry %q: %w", k, err)
			}
		}
	default:
		return fmt.Errorf("auth.policy must be one of %s", strings.Join([]string{PolicyDeny, PolicyAllow, PolicyAllowlist}, ", "))
	}

	return nil
}

// DriveOptions returns the drive factory options.
func (c *Config) DriveOptions() drive.Options {
	opts := drive.Options{
		Announce:      c.Drive.Announce,
		Lookup:        c.Drive.Lookup,
		Sparse:        true,
		HeaderSubtype: c.Drive.HeaderSubtype,
	}
	if c.Drive.Sparse != nil {
		opts.Sparse = *c.Drive.Sparse
	}
	return opts
}

// Policy builds the inbound authorization policy.
func (c *Config) Policy() (codrive.Policy, error) {
	switch c.Auth.Policy {
	case "", PolicyDeny:
		return codrive.DenyAll, nil
	case PolicyAllow:
		return codrive.AllowAll, nil
	case PolicyAllowlist:
		allowed := make(map[drive.Key]struct{}, len(c.Auth.Allow))
		for _, k := range c.Auth.Allow {
			key, err := drive.ParseKey(k)
			if err != nil {
				return nil, fmt.Errorf("invalid auth.allow entry %q: %w", k, err)
			}
			allowed[key] = struct{}{}
		}
		return codrive.PolicyFunc(func(_ context.Context, key drive.Key, _ drive.Peer) (bool, error) {
			_, ok := allowed[key]
			return ok, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth.policy %q", c.Auth.Policy)
	}
}

// Options converts the configuration to codrive options.
func (c *Config) Options(logger zerolog.Logger) (codrive.Options, error) {
	if err := c.Validate(); err != nil {
		return codrive.Options{}, err
	}

	timeout, err := time.ParseDuration(c.Auth.Timeout)
	if err != nil {
		return codrive.Options{}, fmt.Errorf("invalid auth.timeout: %w", err)
	}
	policy, err := c.Policy()
	if err != nil {
		return codrive.Options{}, err
	}

	driveOpts := c.DriveOptions()
	return codrive.Options{
		AuthTimeout:      timeout,
		OnAuth:           policy,
		Logger:           logger,
		Drive:            driveOpts,
		Dense:            !driveOpts.Sparse,
		InboundRateLimit: c.Auth.RateLimit,
		InboundRateBurst: c.Auth.RateBurst,
	}, nil
}
