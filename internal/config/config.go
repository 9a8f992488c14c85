// Package config handles configuration parsing from CLI flags and YAML files.
package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Well known environment names.
const (
	EnvLocalnet = "localnet"
	EnvDevnet   = "devnet"
	EnvTestnet  = "testnet"
	EnvMainnet  = "mainnet"
)

// wellKnownEnvironments maps well known names to fixed environment indices.
var wellKnownEnvironments = map[string]uint8{
	EnvLocalnet: 0,
	EnvDevnet:   1,
	EnvTestnet:  2,
	EnvMainnet:  3,
}

// Link is one upstream of an environment.
type Link struct {
	// RPC is the JSON-RPC endpoint. Links without it are not used for forwarding.
	RPC string `yaml:"rpc"`
	// WS is the optional websocket endpoint.
	WS string `yaml:"ws"`
}

// Environment is the gateway configuration of one network environment.
type Environment struct {
	// ProxyPort is the local port the gateway listens on for this environment.
	ProxyPort int `yaml:"proxy_port"`
	// Disabled keeps the environment configured but not served.
	Disabled bool `yaml:"disabled"`
	// Links are the upstreams, keyed by a free-form name.
	Links map[string]Link `yaml:"links"`
}

// Config holds all configuration for the gateway.
type Config struct {
	// ListenAddress is the address the proxy ports bind to.
	ListenAddress string `yaml:"listen_address"`
	// MetricsPort is the metrics server port.
	MetricsPort int `yaml:"metrics_port"`
	// ForwardTimeout bounds a single forwarded call.
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	// ConnectTimeout bounds connection setup to an upstream.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// IdleTimeout is the idle client connection timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxInFlightPerPort is the maximum concurrent forwarded calls per port.
	MaxInFlightPerPort int `yaml:"max_in_flight_per_port"`
	// RateLimitRPS is the sustained forwarded calls per second per port (0 = unlimited).
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst is the token bucket burst per port.
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// LogLevel is the logging level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat is the log format (json, text).
	LogFormat string `yaml:"log_format"`
	// ConfigFile is the optional config file path.
	ConfigFile string `yaml:"-"`

	// Health check configuration
	// HealthCheckType is the type of probe: "http" (JSON-RPC POST) or "tcp".
	HealthCheckType string `yaml:"health_check_type"`
	// HealthCheckMethod is the JSON-RPC method sent by the http probe.
	HealthCheckMethod string `yaml:"health_check_method"`
	// HealthCheckInterval is the interval between probe rounds.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// HealthCheckTimeout is the timeout for each probe.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`
	// HealthCheckFailureThreshold is the number of failures before marking a target unhealthy.
	HealthCheckFailureThreshold int `yaml:"health_check_failure_threshold"`
	// HealthCheckSuccessThreshold is the number of successes before marking a target healthy.
	HealthCheckSuccessThreshold int `yaml:"health_check_success_threshold"`
	// HealthCheckSlowThreshold is the probe latency above which a healthy target loses score.
	HealthCheckSlowThreshold time.Duration `yaml:"health_check_slow_threshold"`

	// Environments maps an environment name to its ports and links.
	Environments map[string]Environment `yaml:"environments"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      "127.0.0.1",
		MetricsPort:        44399,
		ForwardTimeout:     30 * time.Second,
		ConnectTimeout:     10 * time.Second,
		IdleTimeout:        60 * time.Second,
		MaxInFlightPerPort: 256,
		RateLimitRPS:       0,
		RateLimitBurst:     50,
		LogLevel:           "info",
		LogFormat:          "json",
		// Health check defaults
		HealthCheckType:             "http",
		HealthCheckMethod:           "sui_getLatestCheckpointSequenceNumber",
		HealthCheckInterval:         15 * time.Second,
		HealthCheckTimeout:          5 * time.Second,
		HealthCheckFailureThreshold: 3,
		HealthCheckSuccessThreshold: 2,
		HealthCheckSlowThreshold:    500 * time.Millisecond,
		Environments:                map[string]Environment{},
	}
}

// FirstCustomEnvironmentIndex is the lowest index available to names that
// are not well known.
const FirstCustomEnvironmentIndex = 4

// WellKnownEnvironmentIndex returns the fixed index of a well known
// environment name.
func WellKnownEnvironmentIndex(name string) (uint8, bool) {
	idx, ok := wellKnownEnvironments[name]
	return idx, ok
}

// EnvironmentNames returns the configured environment names in sorted order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseFlags parses command line flags and returns a Config.
func ParseFlags() (*Config, error) {
	return parseFlagSet(pflag.CommandLine, os.Args[1:])
}

func parseFlagSet(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress, "Address the proxy ports bind to")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Metrics server port")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout", cfg.ForwardTimeout, "Timeout of a forwarded call")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Upstream connection timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle client connection timeout")
	fs.IntVar(&cfg.MaxInFlightPerPort, "max-in-flight-per-port", cfg.MaxInFlightPerPort, "Max concurrent forwarded calls per port")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "Forwarded calls per second per port (0 = unlimited)")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "Rate limit burst per port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Config file path (YAML)")

	// Health check flags
	fs.StringVar(&cfg.HealthCheckType, "health-check-type", cfg.HealthCheckType, "Health check type: http or tcp")
	fs.StringVar(&cfg.HealthCheckMethod, "health-check-method", cfg.HealthCheckMethod, "JSON-RPC method used by the http probe")
	fs.DurationVar(&cfg.HealthCheckInterval, "health-check-interval", cfg.HealthCheckInterval, "Health check interval")
	fs.DurationVar(&cfg.HealthCheckTimeout, "health-check-timeout", cfg.HealthCheckTimeout, "Health check timeout")
	fs.IntVar(&cfg.HealthCheckFailureThreshold, "health-check-failure-threshold", cfg.HealthCheckFailureThreshold, "Failures before marking a target unhealthy")
	fs.IntVar(&cfg.HealthCheckSuccessThreshold, "health-check-success-threshold", cfg.HealthCheckSuccessThreshold, "Successes before marking a target healthy")
	fs.DurationVar(&cfg.HealthCheckSlowThreshold, "health-check-slow-threshold", cfg.HealthCheckSlowThreshold, "Probe latency above which a target loses score")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Env vars take precedence over defaults, CLI flags take precedence over env vars
	loadFromEnv(fs, cfg)

	// If config file specified, load it first, then override with flags
	if cfg.ConfigFile != "" {
		fileCfg, err := LoadFromFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		cfg = mergeConfigs(fs, fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Environments == nil {
		cfg.Environments = map[string]Environment{}
	}

	return cfg, nil
}

// mergeConfigs merges file config with CLI config. CLI flags take precedence.
func mergeConfigs(fs *pflag.FlagSet, file, cli *Config) *Config {
	result := *file
	result.ConfigFile = cli.ConfigFile

	// Check if flag was explicitly set
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen-address":
			result.ListenAddress = cli.ListenAddress
		case "metrics-port":
			result.MetricsPort = cli.MetricsPort
		case "forward-timeout":
			result.ForwardTimeout = cli.ForwardTimeout
		case "connect-timeout":
			result.ConnectTimeout = cli.ConnectTimeout
		case "idle-timeout":
			result.IdleTimeout = cli.IdleTimeout
		case "max-in-flight-per-port":
			result.MaxInFlightPerPort = cli.MaxInFlightPerPort
		case "rate-limit-rps":
			result.RateLimitRPS = cli.RateLimitRPS
		case "rate-limit-burst":
			result.RateLimitBurst = cli.RateLimitBurst
		case "log-level":
			result.LogLevel = cli.LogLevel
		case "log-format":
			result.LogFormat = cli.LogFormat
		case "health-check-type":
			result.HealthCheckType = cli.HealthCheckType
		case "health-check-method":
			result.HealthCheckMethod = cli.HealthCheckMethod
		case "health-check-interval":
			result.HealthCheckInterval = cli.HealthCheckInterval
		case "health-check-timeout":
			result.HealthCheckTimeout = cli.HealthCheckTimeout
		case "health-check-failure-threshold":
			result.HealthCheckFailureThreshold = cli.HealthCheckFailureThreshold
		case "health-check-success-threshold":
			result.HealthCheckSuccessThreshold = cli.HealthCheckSuccessThreshold
		case "health-check-slow-threshold":
			result.HealthCheckSlowThreshold = cli.HealthCheckSlowThreshold
		}
	})

	return &result
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if net.ParseIP(c.ListenAddress) == nil {
		return fmt.Errorf("invalid listen address: %s", c.ListenAddress)
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("forward-timeout must be positive")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive")
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive")
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health-check-interval must be positive")
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health-check-timeout must be positive")
	}

	if c.HealthCheckType != "http" && c.HealthCheckType != "tcp" {
		return fmt.Errorf("invalid health check type: %s (must be http or tcp)", c.HealthCheckType)
	}

	if c.HealthCheckType == "http" && c.HealthCheckMethod == "" {
		return fmt.Errorf("health-check-method is required for http probes")
	}

	if c.HealthCheckFailureThreshold < 1 || c.HealthCheckSuccessThreshold < 1 {
		return fmt.Errorf("health check thresholds must be at least 1")
	}

	return c.validateReloadable()
}

// validateReloadable validates the fields that can change on reload.
func (c *Config) validateReloadable() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return &ValidationError{Field: "log_level", Message: "must be trace, debug, info, warn, or error"}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.LogFormat] {
		return &ValidationError{Field: "log_format", Message: "must be json or text"}
	}

	if c.MaxInFlightPerPort < 1 {
		return &ValidationError{Field: "max_in_flight_per_port", Message: "must be at least 1"}
	}

	if c.RateLimitRPS < 0 {
		return &ValidationError{Field: "rate_limit_rps", Message: "must not be negative"}
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return &ValidationError{Field: "rate_limit_burst", Message: "must be at least 1 when rate limiting"}
	}

	ports := make(map[int]string, len(c.Environments))
	for _, name := range c.EnvironmentNames() {
		env := c.Environments[name]
		field := "environments." + name
		if env.ProxyPort < 1 || env.ProxyPort > 65535 {
			return &ValidationError{Field: field + ".proxy_port", Message: "invalid port " + strconv.Itoa(env.ProxyPort)}
		}
		if env.ProxyPort == c.MetricsPort {
			return &ValidationError{Field: field + ".proxy_port", Message: "conflicts with metrics_port"}
		}
		if other, dup := ports[env.ProxyPort]; dup {
			return &ValidationError{Field: field + ".proxy_port", Message: "already used by " + other}
		}
		ports[env.ProxyPort] = name
	}
	if len(c.Environments) > 255-len(wellKnownEnvironments) {
		return &ValidationError{Field: "environments", Message: "too many environments"}
	}

	return nil
}

// loadFromEnv loads configuration from environment variables with RPC_GATEWAY_ prefix.
// Environment variables take precedence over defaults but CLI flags take precedence over env vars.
func loadFromEnv(fs *pflag.FlagSet, cfg *Config) {
	getEnvString := func(key string) (string, bool) {
		v := os.Getenv("RPC_GATEWAY_" + key)
		return v, v != ""
	}

	getEnvInt := func(key string) (int, bool) {
		if v, ok := getEnvString(key); ok {
			if i, err := strconv.Atoi(v); err == nil {
				return i, true
			}
		}
		return 0, false
	}

	getEnvFloat := func(key string) (float64, bool) {
		if v, ok := getEnvString(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
		return 0, false
	}

	getEnvDuration := func(key string) (time.Duration, bool) {
		if v, ok := getEnvString(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				return d, true
			}
		}
		return 0, false
	}

	// Only apply env vars if CLI flag was not explicitly set
	applyIfNotSet := func(flagName string, apply func()) {
		if !fs.Changed(flagName) {
			apply()
		}
	}

	if v, ok := getEnvString("LISTEN_ADDRESS"); ok {
		applyIfNotSet("listen-address", func() { cfg.ListenAddress = v })
	}
	if v, ok := getEnvInt("METRICS_PORT"); ok {
		applyIfNotSet("metrics-port", func() { cfg.MetricsPort = v })
	}
	if v, ok := getEnvString("CONFIG"); ok {
		applyIfNotSet("config", func() { cfg.ConfigFile = v })
	}

	// Forwarding
	if v, ok := getEnvDuration("FORWARD_TIMEOUT"); ok {
		applyIfNotSet("forward-timeout", func() { cfg.ForwardTimeout = v })
	}
	if v, ok := getEnvDuration("CONNECT_TIMEOUT"); ok {
		applyIfNotSet("connect-timeout", func() { cfg.ConnectTimeout = v })
	}
	if v, ok := getEnvDuration("IDLE_TIMEOUT"); ok {
		applyIfNotSet("idle-timeout", func() { cfg.IdleTimeout = v })
	}
	if v, ok := getEnvInt("MAX_IN_FLIGHT_PER_PORT"); ok {
		applyIfNotSet("max-in-flight-per-port", func() { cfg.MaxInFlightPerPort = v })
	}
	if v, ok := getEnvFloat("RATE_LIMIT_RPS"); ok {
		applyIfNotSet("rate-limit-rps", func() { cfg.RateLimitRPS = v })
	}
	if v, ok := getEnvInt("RATE_LIMIT_BURST"); ok {
		applyIfNotSet("rate-limit-burst", func() { cfg.RateLimitBurst = v })
	}

	// Logging
	if v, ok := getEnvString("LOG_LEVEL"); ok {
		applyIfNotSet("log-level", func() { cfg.LogLevel = v })
	}
	if v, ok := getEnvString("LOG_FORMAT"); ok {
		applyIfNotSet("log-format", func() { cfg.LogFormat = v })
	}

	// Health checks
	if v, ok := getEnvString("HEALTH_CHECK_TYPE"); ok {
		applyIfNotSet("health-check-type", func() { cfg.HealthCheckType = v })
	}
	if v, ok := getEnvString("HEALTH_CHECK_METHOD"); ok {
		applyIfNotSet("health-check-method", func() { cfg.HealthCheckMethod = v })
	}
	if v, ok := getEnvDuration("HEALTH_CHECK_INTERVAL"); ok {
		applyIfNotSet("health-check-interval", func() { cfg.HealthCheckInterval = v })
	}
	if v, ok := getEnvDuration("HEALTH_CHECK_TIMEOUT"); ok {
		applyIfNotSet("health-check-timeout", func() { cfg.HealthCheckTimeout = v })
	}
	if v, ok := getEnvInt("HEALTH_CHECK_FAILURE_THRESHOLD"); ok {
		applyIfNotSet("health-check-failure-threshold", func() { cfg.HealthCheckFailureThreshold = v })
	}
	if v, ok := getEnvInt("HEALTH_CHECK_SUCCESS_THRESHOLD"); ok {
		applyIfNotSet("health-check-success-threshold", func() { cfg.HealthCheckSuccessThreshold = v })
	}
	if v, ok := getEnvDuration("HEALTH_CHECK_SLOW_THRESHOLD"); ok {
		applyIfNotSet("health-check-slow-threshold", func() { cfg.HealthCheckSlowThreshold = v })
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
