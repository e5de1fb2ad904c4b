// Package config provides configuration parsing and validation for stungather.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gatherer configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Servers     []ServerConfig    `yaml:"servers"`
	Local       LocalConfig       `yaml:"local"`
	Transaction TransactionConfig `yaml:"transaction"`
	Transport   TransportConfig   `yaml:"transport"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Responder   ResponderConfig   `yaml:"responder"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig defines one STUN server to harvest against.
type ServerConfig struct {
	Address   string `yaml:"address"`   // host:port
	Transport string `yaml:"transport"` // udp, tcp
}

// LocalConfig defines the local endpoints to gather from.
type LocalConfig struct {
	Addresses []string `yaml:"addresses"` // host:port, port 0 for ephemeral
}

// TransactionConfig defines STUN transaction timing.
type TransactionConfig struct {
	RTO                time.Duration `yaml:"rto"`
	MaxRetransmissions int           `yaml:"max_retransmissions"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

// TransportConfig defines port binding and acceptor behavior.
type TransportConfig struct {
	SharedAcceptor    bool          `yaml:"shared_acceptor"`
	AggressiveReset   bool          `yaml:"aggressive_reset"`
	AcceptorTimeout   time.Duration `yaml:"acceptor_timeout"`
	ReceiveBufferSize int           `yaml:"receive_buffer_size"`
	ReceiveQueueSize  int           `yaml:"receive_queue_size"`
}

// DispatchConfig defines the decode worker pool.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// ResponderConfig defines the built-in STUN server.
type ResponderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Servers: []ServerConfig{},
		Local: LocalConfig{
			Addresses: []string{"0.0.0.0:0"},
		},
		Transaction: TransactionConfig{
			RTO:                400 * time.Millisecond,
			MaxRetransmissions: 3,
			ConnectTimeout:     3 * time.Second,
		},
		Transport: TransportConfig{
			SharedAcceptor:    true,
			AggressiveReset:   false,
			AcceptorTimeout:   10 * time.Second,
			ReceiveBufferSize: 65535,
			ReceiveQueueSize:  64,
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 512,
		},
		Responder: ResponderConfig{
			Enabled: false,
			Address: ":3478",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	for i, s := range c.Servers {
		if err := validateServer(s); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
		}
	}

	for i, addr := range c.Local.Addresses {
		if !isValidHostPort(addr) {
			errs = append(errs, fmt.Sprintf("local.addresses[%d]: invalid address: %s", i, addr))
		}
	}

	if c.Transaction.RTO <= 0 {
		errs = append(errs, "transaction.rto must be positive")
	}
	if c.Transaction.MaxRetransmissions < 0 {
		errs = append(errs, "transaction.max_retransmissions must not be negative")
	}
	if c.Transaction.ConnectTimeout <= 0 {
		errs = append(errs, "transaction.connect_timeout must be positive")
	}

	if c.Transport.AcceptorTimeout <= 0 {
		errs = append(errs, "transport.acceptor_timeout must be positive")
	}
	if c.Transport.ReceiveBufferSize < 576 {
		errs = append(errs, "transport.receive_buffer_size must be at least 576")
	}
	if c.Transport.ReceiveQueueSize < 1 {
		errs = append(errs, "transport.receive_queue_size must be positive")
	}

	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers must be positive")
	}
	if c.Dispatch.QueueSize < 1 {
		errs = append(errs, "dispatch.queue_size must be positive")
	}

	if c.Responder.Enabled && !isValidHostPort(c.Responder.Address) {
		errs = append(errs, fmt.Sprintf("responder.address: invalid address: %s", c.Responder.Address))
	}
	if c.Metrics.Enabled && !isValidHostPort(c.Metrics.Address) {
		errs = append(errs, fmt.Sprintf("metrics.address: invalid address: %s", c.Metrics.Address))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "udp", "tcp":
		return true
	default:
		return false
	}
}

func validateServer(s ServerConfig) error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if !isValidHostPort(s.Address) {
		return fmt.Errorf("invalid address: %s", s.Address)
	}
	if !isValidTransport(s.Transport) {
		return fmt.Errorf("invalid transport: %s (must be udp or tcp)", s.Transport)
	}
	return nil
}

func isValidHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return false
	}
	if host == "" {
		return true // ":3478" binds all interfaces
	}
	return true
}

// String returns a string representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
