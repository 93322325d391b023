// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrRedisAddrRequired is returned when a Redis backend is selected without REDIS_ADDR.
	ErrRedisAddrRequired = errors.New("config: REDIS_ADDR is required")
	// ErrPebbleDirRequired is returned when JOB_STORE=pebble without PEBBLE_DIR.
	ErrPebbleDirRequired = errors.New("config: PEBBLE_DIR is required")
	// ErrURLSigningKeyRequired is returned when STORAGE_BACKEND=local without URL_SIGNING_KEY.
	ErrURLSigningKeyRequired = errors.New("config: URL_SIGNING_KEY is required")
	// ErrS3BucketRequired is returned when STORAGE_BACKEND=s3 without S3_BUCKET.
	ErrS3BucketRequired = errors.New("config: S3_BUCKET is required")
	// ErrS3RegionRequired is returned when STORAGE_BACKEND=s3 without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required")
	// ErrMinIOEndpointRequired is returned when STORAGE_BACKEND=minio without MINIO_ENDPOINT.
	ErrMinIOEndpointRequired = errors.New("config: MINIO_ENDPOINT is required")
	// ErrMinIOCredentialsRequired is returned when STORAGE_BACKEND=minio without credentials.
	ErrMinIOCredentialsRequired = errors.New("config: MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	// ErrMinIOBucketRequired is returned when STORAGE_BACKEND=minio without MINIO_BUCKET.
	ErrMinIOBucketRequired = errors.New("config: MINIO_BUCKET is required")
	// ErrMemoryBackendsSplit is returned when only one of JOB_STORE and QUEUE_BACKEND is memory on a
	// split deployment, which would leave the worker unable to see the API's jobs.
	ErrMemoryBackendsSplit = errors.New("config: memory job store and memory queue must be used together")
	// ErrLeaseExtendInterval is returned when LEASE_EXTEND_INTERVAL is not shorter than
	// VISIBILITY_TIMEOUT, so a lease could lapse between two extensions.
	ErrLeaseExtendInterval = errors.New("config: LEASE_EXTEND_INTERVAL must be shorter than VISIBILITY_TIMEOUT")
)

// Backend names.
const (
	BackendRedis  = "redis"
	BackendPebble = "pebble"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMinIO  = "minio"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int   `env:"PORT, default=8080" json:"port" validate:"min=1,max=65535"`
	MetricsPort    int   `env:"METRICS_PORT, default=9090" json:"metrics_port" validate:"min=1,max=65535"`
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES, default=53687091200" json:"max_upload_bytes" validate:"min=1"`

	// Job store
	JobStore  string `env:"JOB_STORE, default=redis" json:"job_store" validate:"oneof=redis pebble memory"`
	PebbleDir string `env:"PEBBLE_DIR" json:"pebble_dir,omitempty"`

	// Redis settings
	RedisAddr      string `env:"REDIS_ADDR, default=localhost:6379" json:"redis_addr"`
	RedisPassword  string `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB        int    `env:"REDIS_DB, default=0" json:"redis_db" validate:"min=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX, default=mxf" json:"redis_key_prefix"`

	// Queue settings
	QueueBackend    string `env:"QUEUE_BACKEND, default=redis" json:"queue_backend" validate:"oneof=redis memory"`
	QueueName       string `env:"QUEUE_NAME, default=process-queue" json:"queue_name" validate:"required"`
	PoisonQueueName string `env:"POISON_QUEUE_NAME, default=process-queue-poison" json:"poison_queue_name" validate:"required"`

	// Object storage
	StorageBackend  string        `env:"STORAGE_BACKEND, default=local" json:"storage_backend" validate:"oneof=local s3 minio"`
	LocalStorageDir string        `env:"LOCAL_STORAGE_DIR, default=/var/lib/mxf-transcode/blobs" json:"local_storage_dir"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL, default=http://localhost:8080" json:"public_base_url" validate:"url"`
	URLSigningKey   string        `env:"URL_SIGNING_KEY" json:"-"` // Masked in JSON
	ReadURLTTL      time.Duration `env:"READ_URL_TTL, default=1h" json:"read_url_ttl" validate:"gt=0"`

	// S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// MinIO settings
	MinIOEndpoint  string `env:"MINIO_ENDPOINT" json:"minio_endpoint,omitempty"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" json:"-"` // Masked in JSON
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" json:"-"` // Masked in JSON
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL, default=false" json:"minio_use_ssl"`
	MinIOBucket    string `env:"MINIO_BUCKET" json:"minio_bucket,omitempty"`
	MinIORegion    string `env:"MINIO_REGION, default=us-east-1" json:"minio_region,omitempty"`

	// Worker settings
	TempDir             string        `env:"TEMP_DIR, default=/tmp/mxf-transcode" json:"temp_dir"`
	WorkerCount         int           `env:"WORKER_COUNT, default=1" json:"worker_count" validate:"min=1,max=64"`
	MaxDeliveryCount    int           `env:"MAX_DELIVERY_COUNT, default=5" json:"max_delivery_count" validate:"min=1"`
	VisibilityTimeout   time.Duration `env:"VISIBILITY_TIMEOUT, default=300s" json:"visibility_timeout" validate:"gt=0"`
	RetryVisibility     time.Duration `env:"RETRY_VISIBILITY, default=30s" json:"retry_visibility" validate:"gte=0"`
	PollInterval        time.Duration `env:"POLL_INTERVAL, default=5s" json:"poll_interval" validate:"gt=0"`
	ErrorBackoff        time.Duration `env:"ERROR_BACKOFF, default=2s" json:"error_backoff" validate:"gt=0"`
	LeaseExtendInterval time.Duration `env:"LEASE_EXTEND_INTERVAL, default=30s" json:"lease_extend_interval" validate:"gte=0"`
	FFmpegPath          string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath         string        `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Events and tracing
	EventsBackend   string `env:"EVENTS_BACKEND, default=local" json:"events_backend" validate:"oneof=local redis"`
	TracingEndpoint string `env:"TRACING_ENDPOINT" json:"tracing_endpoint,omitempty"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// UsesRedis returns true if any backend needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.JobStore == BackendRedis || c.QueueBackend == BackendRedis || c.EventsBackend == BackendRedis
}

// Load reads configuration from environment variables using go-envconfig
// and checks it with Validate.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field ranges and the settings each selected backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.UsesRedis() && c.RedisAddr == "" {
		return ErrRedisAddrRequired
	}
	if c.JobStore == BackendPebble && c.PebbleDir == "" {
		return ErrPebbleDirRequired
	}
	if c.LeaseExtendInterval >= c.VisibilityTimeout {
		return ErrLeaseExtendInterval
	}

	switch c.StorageBackend {
	case BackendLocal:
		if c.URLSigningKey == "" {
			return ErrURLSigningKeyRequired
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3Region == "" {
			return ErrS3RegionRequired
		}
	case BackendMinIO:
		if c.MinIOEndpoint == "" {
			return ErrMinIOEndpointRequired
		}
		if c.MinIOAccessKey == "" || c.MinIOSecretKey == "" {
			return ErrMinIOCredentialsRequired
		}
		if c.MinIOBucket == "" {
			return ErrMinIOBucketRequired
		}
	}
	return nil
}

// ValidateSplit additionally checks settings for running the API and the
// worker as separate processes.
func (c *Config) ValidateSplit() error {
	if c.JobStore == BackendMemory || c.QueueBackend == BackendMemory {
		return ErrMemoryBackendsSplit
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, MetricsPort: %d, JobStore: %s, QueueBackend: %s, QueueName: %s, StorageBackend: %s, RedisAddr: %s, S3Bucket: %s, MinIOBucket: %s, EventsBackend: %s, WorkerCount: %d, MaxDeliveryCount: %d, TempDir: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.MetricsPort,
		c.JobStore,
		c.QueueBackend,
		c.QueueName,
		c.StorageBackend,
		c.RedisAddr,
		c.S3Bucket,
		c.MinIOBucket,
		c.EventsBackend,
		c.WorkerCount,
		c.MaxDeliveryCount,
		c.TempDir,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
