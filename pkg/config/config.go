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

const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Mode        string `yaml:"mode" default:"local" validate:"oneof=local cloud"`
	Log         struct {
		Level      string `yaml:"level" default:"info"`
		Format     string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output     string `yaml:"output" default:"stdout"`
		Collection struct {
			Enabled   bool          `yaml:"enabled"`
			Interval  time.Duration `yaml:"interval" default:"30s"`
			Threshold int           `yaml:"threshold" default:"100"`
		} `yaml:"collection"`
	} `yaml:"log"`
	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lt=65536"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	} `yaml:"server"`
	RateLimit struct {
		Enabled bool    `yaml:"enabled" default:"true"`
		RPS     float64 `yaml:"rps" default:"20"`
		Burst   int     `yaml:"burst" default:"40"`
	} `yaml:"rate_limit"`
	Dataset struct {
		URL       string        `yaml:"url" default:"https://archive.ics.uci.edu/ml/machine-learning-databases/00501/PRSA2017_Data_20130301-20170228.zip"`
		Station   string        `yaml:"station" default:"Aotizhongxin"`
		Pollutant string        `yaml:"pollutant" default:"PM2.5"`
		Frequency string        `yaml:"frequency" default:"D" validate:"oneof=D H"`
		TestDays  int           `yaml:"test_days" default:"30" validate:"gt=0"`
		Timeout   time.Duration `yaml:"timeout" default:"2m"`
		CacheTTL  time.Duration `yaml:"cache_ttl" default:"24h"`
		LocalDir  string        `yaml:"local_dir" default:"data"`
	} `yaml:"dataset"`
	Storage struct {
		Backend  string `yaml:"backend" default:"local" validate:"oneof=local s3"`
		Bucket   string `yaml:"bucket" default:"aircast"`
		Prefix   string `yaml:"prefix" default:"pollution"`
		LocalDir string `yaml:"local_dir" default:"var/objects"`
		S3       struct {
			Endpoint  string `yaml:"endpoint" default:"localhost:9000"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Region    string `yaml:"region" default:"us-east-1"`
			UseSSL    bool   `yaml:"use_ssl"`
		} `yaml:"s3"`
	} `yaml:"storage"`
	Queue struct {
		Workers    int           `yaml:"workers" default:"2" validate:"gt=0"`
		Size       int           `yaml:"size" default:"128"`
		RetryLimit int           `yaml:"retry_limit" default:"2"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"10s"`
		KeyPrefix  string        `yaml:"key_prefix" default:"aircast:queue"`
	} `yaml:"queue"`
	Redis struct {
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"aircast"`
	} `yaml:"redis"`
	SQLite struct {
		Path string `yaml:"path" default:"var/aircast.db"`
	} `yaml:"sqlite"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		EventsTopic  string   `yaml:"events_topic" default:"aircast.jobs"`
		LogsTopic    string   `yaml:"logs_topic" default:"aircast.logs"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"aircast-history"`
			Workers    int           `yaml:"workers" default:"2"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"aircast.jobs.dlq"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"aircast"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	Training struct {
		DefaultEngine string        `yaml:"default_engine" default:"forecaster" validate:"oneof=forecaster baseline"`
		OutputPrefix  string        `yaml:"output_prefix" default:"models"`
		Timeout       time.Duration `yaml:"timeout" default:"30m"`
	} `yaml:"training"`
	Tuning struct {
		PollInterval time.Duration `yaml:"poll_interval" default:"2s"`
	} `yaml:"tuning"`
	Serving struct {
		CacheTTL        time.Duration `yaml:"cache_ttl" default:"10m"`
		CacheSize       int           `yaml:"cache_size" default:"512"`
		MaxDates        int           `yaml:"max_dates" default:"3660"`
		DefaultEndpoint string        `yaml:"default_endpoint" default:"pollution-forecast"`
	} `yaml:"serving"`
	Platform struct {
		URL          string        `yaml:"url" default:"http://localhost:8080"`
		Timeout      time.Duration `yaml:"timeout" default:"30s"`
		Retries      int           `yaml:"retries" default:"3"`
		PollInterval time.Duration `yaml:"poll_interval" default:"5s"`
	} `yaml:"platform"`
}

var validate = validator.New()

// Default returns a config populated only from struct defaults.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(b)
}

// Parse decodes YAML on top of the struct defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with AIRCAST_* environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides fields from the environment lookup function.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("AIRCAST_MODE"); v != "" {
		c.Mode = v
	}
	if v := getenv("AIRCAST_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("AIRCAST_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := getenv("AIRCAST_DATASET_URL"); v != "" {
		c.Dataset.URL = v
	}
	if v := getenv("AIRCAST_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("AIRCAST_S3_ENDPOINT"); v != "" {
		c.Storage.S3.Endpoint = v
	}
	if v := getenv("AIRCAST_S3_ACCESS_KEY"); v != "" {
		c.Storage.S3.AccessKey = v
	}
	if v := getenv("AIRCAST_S3_SECRET_KEY"); v != "" {
		c.Storage.S3.SecretKey = v
	}
	if v := getenv("AIRCAST_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := getenv("AIRCAST_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := getenv("AIRCAST_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := getenv("AIRCAST_CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v := getenv("AIRCAST_PLATFORM_URL"); v != "" {
		c.Platform.URL = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Storage.Backend == "s3" {
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return fmt.Errorf("storage.s3 credentials are required for the s3 backend")
		}
	}
	if c.Log.Collection.Enabled && !c.Kafka.Enabled {
		return fmt.Errorf("log.collection requires kafka to be enabled")
	}
	return nil
}

// IsCloud reports whether the platform runs on Redis, Kafka and ClickHouse.
func (c *Config) IsCloud() bool { return c.Mode == ModeCloud }
