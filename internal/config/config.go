package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	hn "github.com/AtDexters-Lab/nexus-node-agent/internal/hostnames"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxRetries            = 15
	defaultRetryDelaySeconds     = 8
	defaultOpenTimeoutSeconds    = 15
	defaultPingIntervalSeconds   = 30
	defaultPongTimeoutSeconds    = 80
	defaultHTTPTimeoutSeconds    = 30
	defaultMaxResponseBytes      = 16 << 20
	defaultDialTimeoutSeconds    = 10
	defaultTunnelReadBufferBytes = 16 << 10
	defaultTunnelMaxPendingBytes = 8 << 20
	defaultJWTTTLSeconds         = 300
)

// Auth holds the optional credentials presented to the gateway on connect.
type Auth struct {
	// Token is sent verbatim as a bearer token.
	Token string `yaml:"token"`

	// JWTSecret enables a short-lived HS256 token minted for every dial.
	JWTSecret     string `yaml:"jwtSecret"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	JWTAudience   string `yaml:"jwtAudience"`
	JWTTTLSeconds int    `yaml:"jwtTTLSeconds"`
}

// Config holds the entire agent configuration, loaded from a YAML file.
type Config struct {
	GatewayURL string `yaml:"gatewayURL"`
	NodeID     string `yaml:"nodeID"`

	MaxRetries          int `yaml:"maxRetries"`
	RetryDelaySeconds   int `yaml:"retryDelaySeconds"`
	OpenTimeoutSeconds  int `yaml:"openTimeoutSeconds"`
	PingIntervalSeconds int `yaml:"pingIntervalSeconds"`
	// PongTimeoutSeconds bounds how long the control connection may stay
	// silent before it is considered dead. Zero disables the check.
	PongTimeoutSeconds *int `yaml:"pongTimeoutSeconds"`

	HTTPTimeoutSeconds int   `yaml:"httpTimeoutSeconds"`
	MaxResponseBytes   int64 `yaml:"maxResponseBytes"`

	DialTimeoutSeconds    int `yaml:"dialTimeoutSeconds"`
	TunnelReadBufferBytes int `yaml:"tunnelReadBufferBytes"`
	TunnelMaxPendingBytes int `yaml:"tunnelMaxPendingBytes"`

	// DeniedHosts lists hostnames (or "*.example.com" patterns) the agent
	// refuses to tunnel to or fetch from.
	DeniedHosts []string `yaml:"deniedHosts"`

	Auth Auth `yaml:"auth"`
}

// Default returns a configuration with every optional field set to its default.
func Default(gatewayURL string) *Config {
	cfg := &Config{GatewayURL: gatewayURL}
	cfg.applyDefaults()
	return cfg
}

// RetryDelay returns the pause between connection attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// OpenTimeout returns how long a connection attempt may take to open.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// PingInterval returns the keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// PongTimeout returns the control connection read timeout, or 0 if disabled.
func (c *Config) PongTimeout() time.Duration {
	if c.PongTimeoutSeconds == nil {
		return defaultPongTimeoutSeconds * time.Second
	}
	return time.Duration(*c.PongTimeoutSeconds) * time.Second
}

// HTTPTimeout returns the per-request timeout for proxied HTTP calls.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// DialTimeout returns the TCP connect timeout for tunnels.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// JWTTTL returns the lifetime of minted gateway tokens.
func (c *Config) JWTTTL() time.Duration {
	return time.Duration(c.Auth.JWTTTLSeconds) * time.Second
}

// WithDefaults returns a copy of c in which every unset or out-of-range
// setting is replaced by its default. It lets callers that skip LoadConfig
// hand a partially filled Config to the agent.
func (c *Config) WithDefaults() *Config {
	out := *c
	out.DeniedHosts = append([]string(nil), c.DeniedHosts...)
	for _, v := range []*int{
		&out.MaxRetries, &out.RetryDelaySeconds, &out.OpenTimeoutSeconds,
		&out.PingIntervalSeconds, &out.HTTPTimeoutSeconds, &out.DialTimeoutSeconds,
		&out.TunnelReadBufferBytes, &out.TunnelMaxPendingBytes, &out.Auth.JWTTTLSeconds,
	} {
		if *v < 0 {
			*v = 0
		}
	}
	if out.MaxResponseBytes < 0 {
		out.MaxResponseBytes = 0
	}
	if c.PongTimeoutSeconds != nil {
		v := *c.PongTimeoutSeconds
		if v < 0 {
			v = defaultPongTimeoutSeconds
		}
		out.PongTimeoutSeconds = &v
	}
	out.applyDefaults()
	return &out
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelaySeconds == 0 {
		c.RetryDelaySeconds = defaultRetryDelaySeconds
	}
	if c.OpenTimeoutSeconds == 0 {
		c.OpenTimeoutSeconds = defaultOpenTimeoutSeconds
	}
	if c.PingIntervalSeconds == 0 {
		c.PingIntervalSeconds = defaultPingIntervalSeconds
	}
	if c.PongTimeoutSeconds == nil {
		v := defaultPongTimeoutSeconds
		c.PongTimeoutSeconds = &v
	}
	if c.HTTPTimeoutSeconds == 0 {
		c.HTTPTimeoutSeconds = defaultHTTPTimeoutSeconds
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}
	if c.DialTimeoutSeconds == 0 {
		c.DialTimeoutSeconds = defaultDialTimeoutSeconds
	}
	if c.TunnelReadBufferBytes == 0 {
		c.TunnelReadBufferBytes = defaultTunnelReadBufferBytes
	}
	if c.TunnelMaxPendingBytes == 0 {
		c.TunnelMaxPendingBytes = defaultTunnelMaxPendingBytes
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWTTTLSeconds == 0 {
		c.Auth.JWTTTLSeconds = defaultJWTTTLSeconds
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gatewayURL must be set")
	}
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("gatewayURL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gatewayURL must use ws or wss scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gatewayURL missing host")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1")
	}
	if c.RetryDelaySeconds < 0 || c.OpenTimeoutSeconds < 0 || c.PingIntervalSeconds < 0 ||
		c.HTTPTimeoutSeconds < 0 || c.DialTimeoutSeconds < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if c.PongTimeoutSeconds != nil && *c.PongTimeoutSeconds < 0 {
		return fmt.Errorf("pongTimeoutSeconds cannot be negative")
	}
	if c.MaxResponseBytes < 0 {
		return fmt.Errorf("maxResponseBytes cannot be negative")
	}
	if c.TunnelReadBufferBytes < 0 || c.TunnelMaxPendingBytes < 0 {
		return fmt.Errorf("tunnel buffer sizes cannot be negative")
	}

	for _, pattern := range c.DeniedHosts {
		norm := hn.NormalizeOrWildcard(pattern)
		if norm == "" {
			return fmt.Errorf("deniedHosts contains an empty entry")
		}
		if hn.IsWildcard(norm) && !hn.IsValidWildcard(norm) {
			return fmt.Errorf("deniedHosts entry %q is not a valid single-label wildcard", pattern)
		}
	}

	if c.Auth.Token != "" && c.Auth.JWTSecret != "" {
		return fmt.Errorf("cannot specify both auth.token and auth.jwtSecret")
	}
	if c.Auth.JWTTTLSeconds < 0 {
		return fmt.Errorf("auth.jwtTTLSeconds cannot be negative")
	}

	return nil
}

// LoadConfig reads the configuration from the given file path, unmarshals it,
// applies defaults and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
