// Package config loads gateway, discovery, supervisor and logging settings
// from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GatewayConfig describes the connection to one bridge.
type GatewayConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	DialTimeout    string          `yaml:"dial_timeout"`
	RequestTimeout string          `yaml:"request_timeout"` // empty disables the per-command timeout
	CloseGrace     string          `yaml:"close_grace"`
	Retry          RetryConfig     `yaml:"retry"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RetryConfig controls redialing when a command cannot connect.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
}

// RateLimitConfig caps outbound commands per second. Rate 0 disables it.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// DiscoveryConfig switches the gateway from a fixed address to etcd lookup.
type DiscoveryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	Service       string   `yaml:"service"`
	Balancer      string   `yaml:"balancer"` // round_robin, weighted_random, consistent_hash
	AffinityKey   string   `yaml:"affinity_key"`
	Weight        int      `yaml:"weight"` // advertised by bridges
}

// SupervisorConfig describes the bridge host process.
type SupervisorConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args,omitempty"`
	Dir            string   `yaml:"dir"`
	Env            []string `yaml:"env,omitempty"`
	ReadySignal    string   `yaml:"ready_signal"`
	StartupTimeout string   `yaml:"startup_timeout"`
	MaxRestarts    int      `yaml:"max_restarts"`
	StopGrace      string   `yaml:"stop_grace"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

var ValidBalancers = []string{"round_robin", "weighted_random", "consistent_hash"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        25333,
			DialTimeout: "5s",
			CloseGrace:  "2s",
			Retry: RetryConfig{
				MaxRetries: 2,
				BaseDelay:  "100ms",
			},
		},
		Discovery: DiscoveryConfig{
			Service:  "bridge",
			Balancer: "round_robin",
			Weight:   10,
		},
		Supervisor: SupervisorConfig{
			ReadySignal:    "Gateway",
			StartupTimeout: "10s",
			MaxRestarts:    3,
			StopGrace:      "2s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if host := os.Getenv("BRIDGE_HOST"); host != "" {
		c.Gateway.Host = host
	}
	if port := os.Getenv("BRIDGE_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid BRIDGE_PORT %q: %w", port, err)
		}
		c.Gateway.Port = n
	}
	if endpoints := os.Getenv("BRIDGE_ETCD_ENDPOINTS"); endpoints != "" {
		c.Discovery.EtcdEndpoints = strings.Split(endpoints, ",")
	}
	if level := os.Getenv("BRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// Validate checks values that would otherwise fail late, at connect time.
func (c *Config) Validate() error {
	if len(c.Discovery.EtcdEndpoints) == 0 {
		if c.Gateway.Host == "" {
			return fmt.Errorf("gateway.host is required without discovery")
		}
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway.port: %d", c.Gateway.Port)
		}
	} else if c.Discovery.Service == "" {
		return fmt.Errorf("discovery.service is required with etcd_endpoints")
	}

	validBalancer := false
	for _, b := range ValidBalancers {
		if c.Discovery.Balancer == b {
			validBalancer = true
			break
		}
	}
	if !validBalancer {
		return fmt.Errorf("invalid discovery.balancer: %s (valid: %v)", c.Discovery.Balancer, ValidBalancers)
	}

	for name, d := range map[string]string{
		"gateway.dial_timeout":       c.Gateway.DialTimeout,
		"gateway.request_timeout":    c.Gateway.RequestTimeout,
		"gateway.close_grace":        c.Gateway.CloseGrace,
		"gateway.retry.base_delay":   c.Gateway.Retry.BaseDelay,
		"supervisor.startup_timeout": c.Supervisor.StartupTimeout,
		"supervisor.stop_grace":      c.Supervisor.StopGrace,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Gateway.Retry.MaxRetries < 0 {
		return fmt.Errorf("gateway.retry.max_retries must not be negative")
	}
	if c.Gateway.RateLimit.Rate < 0 {
		return fmt.Errorf("gateway.rate_limit.rate must not be negative")
	}
	if c.Gateway.RateLimit.Rate > 0 && c.Gateway.RateLimit.Burst < 1 {
		return fmt.Errorf("gateway.rate_limit.burst must be at least 1")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	return nil
}

// Address is the fixed bridge address used when discovery is off.
func (g GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func (g GatewayConfig) GetDialTimeout() time.Duration {
	return durationOr(g.DialTimeout, 5*time.Second)
}

// GetRequestTimeout returns 0 when no per-command timeout is configured.
func (g GatewayConfig) GetRequestTimeout() time.Duration {
	return durationOr(g.RequestTimeout, 0)
}

func (g GatewayConfig) GetCloseGrace() time.Duration {
	return durationOr(g.CloseGrace, 2*time.Second)
}

func (r RetryConfig) GetBaseDelay() time.Duration {
	return durationOr(r.BaseDelay, 100*time.Millisecond)
}

func (s SupervisorConfig) GetStartupTimeout() time.Duration {
	return durationOr(s.StartupTimeout, 10*time.Second)
}

func (s SupervisorConfig) GetStopGrace() time.Duration {
	return durationOr(s.StopGrace, 2*time.Second)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// NewLogger builds the process logger.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
