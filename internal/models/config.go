package models

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	S3        S3Config        `yaml:"s3"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Upload    UploadConfig    `yaml:"upload"`
	Sentry    SentryConfig    `yaml:"sentry"`
}

type S3Config struct {
	Endpoint     string        `yaml:"endpoint"`
	Region       string        `yaml:"region"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	Bucket       string        `yaml:"bucket"`
	UsePathStyle bool          `yaml:"use_path_style"`
	PresignTTL   time.Duration `yaml:"presign_ttl"`
}

// KafkaConfig is optional: with no brokers, lifecycle events are dropped
// and workers rely on polling alone.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type WorkerConfig struct {
	ID              string        `yaml:"id"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	// ClaimDelay keeps a worker off records whose upload may still be staging.
	ClaimDelay time.Duration `yaml:"claim_delay"`
}

type ReaperConfig struct {
	ThresholdMinutes int `yaml:"threshold_minutes"`
	// Interval of zero leaves the reaper operator-triggered only.
	Interval time.Duration `yaml:"interval"`
}

type TranscodeConfig struct {
	FullQuality  int `yaml:"full_quality"`
	ThumbQuality int `yaml:"thumb_quality"`
	ThumbMaxEdge int `yaml:"thumb_max_edge"`
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	// Release defaults to the build version when empty.
	Release string `yaml:"release"`
}

func DefaultConfig() Config {
	return Config{
		ServerAddr: ":8080",
		LogLevel:   "info",
		S3: S3Config{
			Region:       "us-east-1",
			Bucket:       "suipic",
			UsePathStyle: true,
			PresignTTL:   time.Hour,
		},
		Kafka: KafkaConfig{
			Topic:   "suipic.images",
			GroupID: "suipic-workers",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "suipic",
		},
		Worker: WorkerConfig{
			PollInterval:    5 * time.Second,
			MaxPollInterval: 5 * time.Second,
			LeaseTTL:        15 * time.Minute,
			ClaimDelay:      2 * time.Second,
		},
		Reaper: ReaperConfig{
			ThresholdMinutes: 60,
		},
		Transcode: TranscodeConfig{
			FullQuality:  85,
			ThumbQuality: 80,
			ThumbMaxEdge: 300,
		},
		Upload: UploadConfig{
			MaxBytes: 50 << 20,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%s: parse %s: %w", op, path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("SERVER_ADDR", &c.ServerAddr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("S3_ENDPOINT", &c.S3.Endpoint)
	str("S3_REGION", &c.S3.Region)
	str("S3_ACCESS_KEY", &c.S3.AccessKey)
	str("S3_SECRET_KEY", &c.S3.SecretKey)
	str("S3_BUCKET", &c.S3.Bucket)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("SENTRY_DSN", &c.Sentry.DSN)
	str("SENTRY_ENVIRONMENT", &c.Sentry.Environment)
	str("SENTRY_RELEASE", &c.Sentry.Release)
	str("WORKER_ID", &c.Worker.ID)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v, ok := lookup("REDIS_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REDIS_ENABLED: %w", err)
		}
		c.Redis.Enabled = enabled
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if c.S3.Bucket == "" {
		errs = append(errs, errors.New("s3.bucket is required"))
	}
	if c.S3.PresignTTL <= 0 {
		errs = append(errs, errors.New("s3.presign_ttl must be positive"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.MaxPollInterval < c.Worker.PollInterval {
		c.Worker.MaxPollInterval = c.Worker.PollInterval
	}
	if c.Worker.LeaseTTL <= 0 {
		errs = append(errs, errors.New("worker.lease_ttl must be positive"))
	}
	if c.Worker.ClaimDelay < 0 {
		errs = append(errs, errors.New("worker.claim_delay must not be negative"))
	}
	if c.Reaper.ThresholdMinutes < 0 {
		errs = append(errs, errors.New("reaper.threshold_minutes must not be negative"))
	}
	if c.Reaper.Interval < 0 {
		errs = append(errs, errors.New("reaper.interval must not be negative"))
	}
	for name, q := range map[string]int{
		"transcode.full_quality":  c.Transcode.FullQuality,
		"transcode.thumb_quality": c.Transcode.ThumbQuality,
	} {
		if q < 1 || q > 100 {
			errs = append(errs, fmt.Errorf("%s must be within 1..100", name))
		}
	}
	if c.Transcode.ThumbMaxEdge <= 0 {
		errs = append(errs, errors.New("transcode.thumb_max_edge must be positive"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.max_bytes must be positive"))
	}
	return errors.Join(errs...)
}
