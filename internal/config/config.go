// Package config holds all configuration types and loading logic for the
// EpochBus server. Fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an EpochBus server instance.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Projection ProjectionConfig `yaml:"projection"`
	Auth       AuthConfig       `yaml:"auth"`
	HTTP       HTTPConfig       `yaml:"http"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// SchedulerConfig selects the processing strategy and pool sizing.
type SchedulerConfig struct {
	Name string `yaml:"name"`
	// MaxPoolSize of 0 means 16 slots per CPU.
	MaxPoolSize int      `yaml:"max_pool_size"`
	StopTimeout Duration `yaml:"stop_timeout"`
	// Strategy is one of "concurrent", "serial", "rate_limited".
	Strategy string `yaml:"strategy"`
	// RateLimit is the shared concurrency limit for messages with no
	// affinity under "rate_limited".
	RateLimit int `yaml:"rate_limit"`
}

// ConsumerKind names the consumer the server dispatches to.
type ConsumerKind string

const (
	ConsumerProjection ConsumerKind = "projection" // append to the bbolt store (default)
	ConsumerWebhook    ConsumerKind = "webhook"    // POST each message to a URL
	ConsumerRedis      ConsumerKind = "redis"      // XADD each message to a Redis stream
)

// ConsumerConfig controls what the scheduler's consumer does.
type ConsumerConfig struct {
	Kind ConsumerKind `yaml:"kind"`
	// Fanout lists further consumers called in order after Kind succeeds.
	Fanout   []ConsumerKind `yaml:"fanout"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Redis    RedisConfig    `yaml:"redis"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Filter   FilterConfig   `yaml:"filter"`
}

// WebhookConfig controls the webhook consumer.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

// RedisConfig controls the Redis stream consumer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	// MaxLen trims the stream approximately. 0 disables trimming.
	MaxLen int64 `yaml:"max_len"`
}

// FilterConfig drops messages whose JSON body does not hold Equals at Path.
// An empty Path disables filtering.
type FilterConfig struct {
	Path   string `yaml:"path"`
	Equals string `yaml:"equals"`
}

// ThrottleConfig rate-limits consumer invocations. Rate 0 disables it.
type ThrottleConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// ProjectionConfig locates the projection store. A relative path is resolved
// against node.data_dir.
type ProjectionConfig struct {
	Path string `yaml:"path"`
	// Retain keeps only the newest N records per stream. 0 keeps everything.
	Retain          int      `yaml:"retain"`
	CompactInterval Duration `yaml:"compact_interval"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	// JWTSecret, when set, also accepts "Authorization: Bearer" HS256 tokens.
	JWTSecret string `yaml:"jwt_secret"`
}

// HTTPConfig sets per-client rate limiting and request limits.
type HTTPConfig struct {
	// RPS is requests per second per client IP. 0 disables rate limiting.
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// MaxBodyKB caps request bodies.
	MaxBodyKB int `yaml:"max_body_kb"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// MaxLabels caps distinct message labels exported per scheduler.
	MaxLabels int `yaml:"max_labels"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Scheduler: SchedulerConfig{
			Name:        "epochbus",
			MaxPoolSize: 0,
			StopTimeout: Duration(10 * time.Second),
			Strategy:    "serial",
			RateLimit:   8,
		},
		Consumer: ConsumerConfig{
			Kind: ConsumerProjection,
			Webhook: WebhookConfig{
				Timeout: Duration(5 * time.Second),
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Stream: "epochbus",
			},
		},
		Projection: ProjectionConfig{
			Path:            "projection.db",
			CompactInterval: Duration(time.Minute),
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		HTTP: HTTPConfig{
			RPS:       1_000,
			Burst:     2_000,
			MaxBodyKB: 1_024,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			MaxLabels: 100,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHBUS_AUTH_API_KEY   sets auth.api_key and enables auth
//	EPOCHBUS_DATA_DIR       sets node.data_dir
//	EPOCHBUS_PORT           sets node.port
//	EPOCHBUS_STRATEGY       sets scheduler.strategy
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHBUS_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHBUS_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("EPOCHBUS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EPOCHBUS_STRATEGY"); v != "" {
		cfg.Scheduler.Strategy = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Scheduler.Name == "" {
		return errors.New("scheduler.name must not be empty")
	}
	if c.Scheduler.MaxPoolSize < 0 {
		return errors.New("scheduler.max_pool_size must be >= 0")
	}
	if c.Scheduler.StopTimeout < 0 {
		return errors.New("scheduler.stop_timeout must be >= 0")
	}
	switch c.Scheduler.Strategy {
	case "concurrent", "serial":
	case "rate_limited":
		if c.Scheduler.RateLimit < 1 {
			return errors.New("scheduler.rate_limit must be at least 1")
		}
	default:
		return errors.New(`scheduler.strategy must be one of "concurrent", "serial", "rate_limited"`)
	}
	if err := c.validateConsumer(c.Consumer.Kind); err != nil {
		return err
	}
	seen := map[ConsumerKind]bool{c.Consumer.Kind: true}
	for _, k := range c.Consumer.Fanout {
		if seen[k] {
			return fmt.Errorf("consumer.fanout: %q listed twice", k)
		}
		seen[k] = true
		if err := c.validateConsumer(k); err != nil {
			return fmt.Errorf("consumer.fanout: %w", err)
		}
	}
	if c.Consumer.Throttle.Rate < 0 {
		return errors.New("consumer.throttle.rate must be >= 0")
	}
	if c.Consumer.Throttle.Rate > 0 && c.Consumer.Throttle.Burst < 1 {
		return errors.New("consumer.throttle.burst must be at least 1 when rate is set")
	}
	if c.Consumer.Filter.Path == "" && c.Consumer.Filter.Equals != "" {
		return errors.New("consumer.filter.path must be set when equals is set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" && c.Auth.JWTSecret == "" {
		return errors.New("auth.api_key or auth.jwt_secret must be set when auth is enabled")
	}
	if c.HTTP.RPS < 0 {
		return errors.New("http.rps must be >= 0")
	}
	if c.HTTP.MaxBodyKB < 1 {
		return errors.New("http.max_body_kb must be at least 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && c.Metrics.MaxLabels < 1 {
		return errors.New("metrics.max_labels must be at least 1")
	}
	return nil
}

// validateConsumer checks the settings a consumer of kind k depends on.
func (c *Config) validateConsumer(k ConsumerKind) error {
	switch k {
	case ConsumerProjection:
		if c.Projection.Path == "" {
			return errors.New("projection.path must not be empty")
		}
		if c.Projection.Retain < 0 {
			return errors.New("projection.retain must be >= 0")
		}
		if c.Projection.Retain > 0 && c.Projection.CompactInterval <= 0 {
			return errors.New("projection.compact_interval must be positive when retain is set")
		}
	case ConsumerWebhook:
		if c.Consumer.Webhook.URL == "" {
			return errors.New("consumer.webhook.url must not be empty")
		}
	case ConsumerRedis:
		if c.Consumer.Redis.Addr == "" || c.Consumer.Redis.Stream == "" {
			return errors.New("consumer.redis.addr and consumer.redis.stream must not be empty")
		}
		if c.Consumer.Redis.MaxLen < 0 {
			return errors.New("consumer.redis.max_len must be >= 0")
		}
	default:
		return fmt.Errorf(`consumer.kind must be one of "projection", "webhook", "redis", got %q`, k)
	}
	return nil
}
