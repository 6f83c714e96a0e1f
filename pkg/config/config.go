package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Logging     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Forecast struct {
		SeasonalPeriod int           `yaml:"seasonal_period"`
		MaxAROrder     int           `yaml:"max_ar_order"`
		IntervalZ      float64       `yaml:"interval_z"`
		ChangepointZ   float64       `yaml:"changepoint_z"`
		WeightExponent float64       `yaml:"weight_exponent"`
		CacheTTL       time.Duration `yaml:"cache_ttl"`
		ComputeTimeout time.Duration `yaml:"compute_timeout"`
		FitTimeout     time.Duration `yaml:"fit_timeout"`
		FetchRetries   int           `yaml:"fetch_retries"`
	} `yaml:"forecast"`
	Cache struct {
		// Backend selects "memory", "redis" or "layered".
		Backend    string        `yaml:"backend"`
		MemorySize int           `yaml:"memory_size"`
		L1TTL      time.Duration `yaml:"l1_ttl"`
		MetricsTTL time.Duration `yaml:"metrics_ttl"`
	} `yaml:"cache"`
	Redis struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		PoolSize     int    `yaml:"pool_size"`
		MinIdleConns int    `yaml:"min_idle_conns"`
	} `yaml:"redis"`
	Jobs struct {
		Workers      int           `yaml:"workers"`
		RetryLimit   int           `yaml:"retry_limit"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
		PollInterval time.Duration `yaml:"poll_interval"`
		// Warm lists locations whose ensemble forecast is recomputed
		// periodically so first readers never hit a cold cache.
		Warm struct {
			Locations []string      `yaml:"locations"`
			Every     time.Duration `yaml:"every"`
			Horizon   int           `yaml:"horizon"`
		} `yaml:"warm"`
	} `yaml:"jobs"`
	Kafka struct {
		Enabled       bool     `yaml:"enabled"`
		Brokers       []string `yaml:"brokers"`
		ForecastTopic string   `yaml:"forecast_topic"`
		MetricsTopic  string   `yaml:"metrics_topic"`
		RequiredAcks  int      `yaml:"required_acks"`
		Compression   string   `yaml:"compression"`
		Producer      struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			BatchTimeout time.Duration `yaml:"batch_timeout"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
		} `yaml:"producer"`
		Updates struct {
			Enabled    bool   `yaml:"enabled"`
			Topic      string `yaml:"topic"`
			GroupID    string `yaml:"group_id"`
			Workers    int    `yaml:"workers"`
			BufferSize int    `yaml:"buffer_size"`
		} `yaml:"updates"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("WARM_LOCATIONS"); v != "" {
		c.Jobs.Warm.Locations = strings.Split(v, ",")
	}

	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	switch c.Cache.Backend {
	case "", "memory", "redis", "layered":
	default:
		return fmt.Errorf("cache.backend must be 'memory', 'redis' or 'layered', got '%s'", c.Cache.Backend)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for cache.backend '%s'", c.Cache.Backend)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the job queue")
	}
	if c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	return nil
}
