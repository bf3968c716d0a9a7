// Package config loads the YAML configuration shared by the detection and
// correlation services. Values are layered: struct defaults, then the YAML
// file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Process roles.
const (
	RoleDetector   = "detector"
	RoleCorrelator = "correlator"
	RoleAll        = "all"
)

// Config is the root configuration document.
type Config struct {
	Environment string `yaml:"environment" default:"dev"`
	Role        string `yaml:"role" default:"all" validate:"oneof=detector correlator all"`

	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	} `yaml:"log"`

	HTTP struct {
		Addr            string        `yaml:"addr" default:":9095" validate:"required"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"5s"`
	} `yaml:"http"`

	Feed         FeedConfig         `yaml:"feed"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
	Detectors    []DetectorConfig   `yaml:"detectors" validate:"dive"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Flush        FlushConfig        `yaml:"flush"`
	Distribution DistributionConfig `yaml:"distribution"`
	Correlation  CorrelationConfig  `yaml:"correlation"`
}

// FeedConfig configures the websocket tick feed.
type FeedConfig struct {
	URL               string        `yaml:"url" default:"ws://localhost:9001/ws"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" default:"2s"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" default:"30s"`
	BufferSize        int           `yaml:"buffer_size" default:"10000" validate:"min=1"`
}

// SessionConfig describes the exchange trading day.
type SessionConfig struct {
	Location string        `yaml:"location" default:"UTC"`
	DayStart time.Duration `yaml:"day_start"`
}

// AggregatorConfig configures tick-to-bar aggregation.
type AggregatorConfig struct {
	Timeframes        []string      `yaml:"timeframes" default:"[\"1m\"]" validate:"min=1,dive,oneof=1m 5m 15m 1h 1d"`
	LatenessTolerance time.Duration `yaml:"lateness_tolerance" default:"2s" validate:"gte=0"`
	IdleFlushInterval time.Duration `yaml:"idle_flush_interval" default:"500ms" validate:"gt=0"`
	BarBuffer         int           `yaml:"bar_buffer" default:"4096" validate:"min=1"`
	Session           SessionConfig `yaml:"session"`
}

// DetectorConfig declares one registered detector.
type DetectorConfig struct {
	Name      string             `yaml:"name" validate:"required"`
	Kind      string             `yaml:"kind" validate:"required"`
	Category  string             `yaml:"category" validate:"required,oneof=pattern indicator"`
	Timeframe string             `yaml:"timeframe" default:"1m" validate:"oneof=1m 5m 15m 1h 1d"`
	MinBars   int                `yaml:"min_bars" validate:"gte=0"`
	Params    map[string]float64 `yaml:"params"`
}

// SchedulerConfig configures detection scheduling.
type SchedulerConfig struct {
	Workers         int           `yaml:"workers" default:"8" validate:"min=1"`
	QueueSize       int           `yaml:"queue_size" default:"1024" validate:"min=1"`
	DetectorTimeout time.Duration `yaml:"detector_timeout" default:"50ms" validate:"gt=0"`
}

// RetryConfig bounds publish retries for one batch.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" default:"3" validate:"min=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"20ms" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"200ms" validate:"gt=0"`
	Multiplier     float64       `yaml:"multiplier" default:"2" validate:"gte=1"`
}

// FlushConfig configures the event buffer flush cycle.
type FlushConfig struct {
	Interval        time.Duration `yaml:"interval" default:"250ms" validate:"gt=0"`
	MaxPending      int           `yaml:"max_pending" default:"100000" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"2s" validate:"gt=0"`
	Retry           RetryConfig   `yaml:"retry"`
}

// TopicsConfig names the per-category topics.
type TopicsConfig struct {
	Patterns   string `yaml:"patterns" default:"detections.patterns" validate:"required"`
	Indicators string `yaml:"indicators" default:"detections.indicators" validate:"required,nefield=Patterns"`
}

// RedisConfig configures the redis pub/sub transport.
type RedisConfig struct {
	Addr            string        `yaml:"addr" default:"localhost:6379"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	BreakerFailures int           `yaml:"breaker_failures" default:"5" validate:"min=1"`
	BreakerReset    time.Duration `yaml:"breaker_reset" default:"5s" validate:"gt=0"`
}

// KafkaConfig configures the kafka transport.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" default:"[\"localhost:9092\"]"`
	GroupID      string        `yaml:"group_id" default:"correlator"`
	RequiredAcks int           `yaml:"required_acks" default:"1" validate:"oneof=-1 0 1"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"2s" validate:"gt=0"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"10ms" validate:"gt=0"`
}

// DistributionConfig selects and configures the distribution transport.
type DistributionConfig struct {
	Transport        string       `yaml:"transport" default:"memory" validate:"oneof=memory redis kafka"`
	Topics           TopicsConfig `yaml:"topics"`
	SubscriberBuffer int          `yaml:"subscriber_buffer" default:"256" validate:"min=1"`
	Redis            RedisConfig  `yaml:"redis"`
	Kafka            KafkaConfig  `yaml:"kafka"`
}

// CorrelationConfig configures co-occurrence tracking.
type CorrelationConfig struct {
	Mode             string        `yaml:"mode" default:"time" validate:"oneof=time session"`
	CoWindow         time.Duration `yaml:"co_window" default:"5m" validate:"gt=0"`
	BucketSize       time.Duration `yaml:"bucket_size" default:"24h" validate:"gt=0"`
	Retention        time.Duration `yaml:"retention" default:"720h" validate:"gtfield=BucketSize"`
	QueueSize        int           `yaml:"queue_size" default:"4096" validate:"min=1"`
	SweepInterval    time.Duration `yaml:"sweep_interval" default:"1m" validate:"gt=0"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" default:"30s" validate:"gt=0"`
	SQLitePath       string        `yaml:"sqlite_path" default:"data/correlation.db"`
	Session          SessionConfig `yaml:"session"`
}

var validate = validator.New()

// Load reads path, applies defaults and environment overrides, and validates
// the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Validate checks struct constraints plus cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Flush.Retry.MaxBackoff < c.Flush.Retry.InitialBackoff {
		return fmt.Errorf("flush.retry.max_backoff %s below initial_backoff %s",
			c.Flush.Retry.MaxBackoff, c.Flush.Retry.InitialBackoff)
	}
	if c.Distribution.Transport == "kafka" && len(c.Distribution.Kafka.Brokers) == 0 {
		return fmt.Errorf("distribution.kafka.brokers required for kafka transport")
	}
	if c.Distribution.Transport == "memory" && c.Role != RoleAll {
		return fmt.Errorf("memory transport requires role %q", RoleAll)
	}
	return nil
}

// RunsDetector reports whether this process hosts the detection pipeline.
func (c *Config) RunsDetector() bool {
	return c.Role == RoleDetector || c.Role == RoleAll
}

// RunsCorrelator reports whether this process hosts the correlation engine.
func (c *Config) RunsCorrelator() bool {
	return c.Role == RoleCorrelator || c.Role == RoleAll
}

func (c *Config) applyEnv() {
	c.Role = getEnv("ROLE", c.Role)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.Feed.URL = getEnv("FEED_URL", c.Feed.URL)
	c.Distribution.Transport = getEnv("DISTRIBUTION_TRANSPORT", c.Distribution.Transport)
	c.Distribution.Redis.Addr = getEnv("REDIS_ADDR", c.Distribution.Redis.Addr)
	c.Distribution.Redis.Password = getEnv("REDIS_PASSWORD", c.Distribution.Redis.Password)
	c.Correlation.SQLitePath = getEnv("SQLITE_PATH", c.Correlation.SQLitePath)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Distribution.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("FLUSH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Flush.Interval = time.Duration(ms) * time.Millisecond
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
