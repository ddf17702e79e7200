package mcpbridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FramingConfig selects the wire framing strategy and its limits.
type FramingConfig struct {
	// Mode is "line" or "header". Empty selects line framing.
	Mode FramingMode `yaml:"mode"`
	// Delimiter terminates each message in line mode. Empty selects newline.
	Delimiter string `yaml:"delimiter"`
	// MaxMessageSize bounds both a single encoded frame and the parse buffer.
	MaxMessageSize int `yaml:"maxMessageSize"`
}

// ResilienceConfig holds retry, circuit breaker, and reconnection settings.
type ResilienceConfig struct {
	// MaxAttempts bounds the retries of one send operation.
	MaxAttempts int `yaml:"maxAttempts"`
	// BaseDelay is the first retry delay; each subsequent delay doubles.
	BaseDelay time.Duration `yaml:"baseDelay"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"maxDelay"`
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int `yaml:"failureThreshold"`
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `yaml:"cooldown"`
	// MaxReconnectAttempts bounds the reconnection loop before giving up.
	MaxReconnectAttempts int `yaml:"maxReconnectAttempts"`
}

// BatchConfig holds outgoing message batching settings.
type BatchConfig struct {
	// Enabled turns batching on; when false messages are sent immediately.
	Enabled bool `yaml:"enabled"`
	// Size is the member count that triggers an immediate flush.
	Size int `yaml:"size"`
	// Timeout is the maximum batch age before a timeout check flushes it.
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig holds connection health-check settings.
type HealthConfig struct {
	// CheckInterval is the polling cadence IsHealthCheckDue evaluates.
	CheckInterval time.Duration `yaml:"checkInterval"`
	// MaxConnectionAge expires a connection regardless of check outcomes.
	MaxConnectionAge time.Duration `yaml:"maxConnectionAge"`
}

// StreamConfig holds notification delivery settings.
type StreamConfig struct {
	// SendTimeout bounds one direct push to a peer transport.
	SendTimeout time.Duration `yaml:"sendTimeout"`
	// HeartbeatInterval is the idle interval after which a streaming
	// connection emits a keep-alive frame.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// QueueSize bounds the per-peer queue of undelivered notifications.
	QueueSize int `yaml:"queueSize"`
	// DeliveryHistory bounds how many broadcasts keep delivery records for
	// DeliveryStatus lookups; the oldest record is evicted first.
	DeliveryHistory int `yaml:"deliveryHistory"`
}

// Config aggregates the bridge's configuration. Components receive the
// sections they need through their constructors; nothing reads ambient
// configuration state.
type Config struct {
	Framing    FramingConfig    `yaml:"framing"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Batch      BatchConfig      `yaml:"batch"`
	Health     HealthConfig     `yaml:"health"`
	Stream     StreamConfig     `yaml:"stream"`
	Connection ConnectionConfig `yaml:"connection"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML configuration file, applies defaults for omitted
// values, and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Framing.applyDefaults()
	c.Resilience.applyDefaults()
	c.Batch.applyDefaults()
	c.Health.applyDefaults()
	c.Stream.applyDefaults()
}

// Validate checks cross-field constraints a YAML file may violate.
func (c Config) Validate() error {
	switch c.Framing.Mode {
	case FramingLine, FramingHeader:
	default:
		return fmt.Errorf("framing mode must be %q or %q, got %q", FramingLine, FramingHeader, c.Framing.Mode)
	}
	if c.Framing.MaxMessageSize <= 0 {
		return fmt.Errorf("framing maxMessageSize must be positive")
	}
	if c.Resilience.BaseDelay > c.Resilience.MaxDelay {
		return fmt.Errorf("resilience baseDelay %s exceeds maxDelay %s", c.Resilience.BaseDelay, c.Resilience.MaxDelay)
	}
	if c.Batch.Enabled && c.Batch.Size <= 0 {
		return fmt.Errorf("batch size must be positive when batching is enabled")
	}
	return nil
}

func (c *FramingConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = FramingLine
	}
	if c.Delimiter == "" {
		c.Delimiter = defaultDelimiter
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

func (c *ResilienceConfig) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
}

func (c *BatchConfig) applyDefaults() {
	if c.Size == 0 {
		c.Size = 10
	}
	if c.Timeout == 0 {
		c.Timeout = 100 * time.Millisecond
	}
}

func (c *HealthConfig) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MaxConnectionAge == 0 {
		c.MaxConnectionAge = 30 * time.Minute
	}
}

func (c *StreamConfig) applyDefaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.DeliveryHistory == 0 {
		c.DeliveryHistory = 256
	}
}
