package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var managedEnv = []string{
	"PORT", "METRICS_PORT", "MAX_UPLOAD_BYTES",
	"JOB_STORE", "PEBBLE_DIR",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_KEY_PREFIX",
	"QUEUE_BACKEND", "QUEUE_NAME", "POISON_QUEUE_NAME",
	"STORAGE_BACKEND", "LOCAL_STORAGE_DIR", "PUBLIC_BASE_URL", "URL_SIGNING_KEY", "READ_URL_TTL",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_USE_SSL", "MINIO_BUCKET", "MINIO_REGION",
	"TEMP_DIR", "WORKER_COUNT", "MAX_DELIVERY_COUNT", "VISIBILITY_TIMEOUT", "RETRY_VISIBILITY",
	"POLL_INTERVAL", "ERROR_BACKOFF", "LEASE_EXTEND_INTERVAL", "FFMPEG_PATH", "FFPROBE_PATH",
	"EVENTS_BACKEND", "TRACING_ENDPOINT", "LOG_FORMAT", "LOG_LEVEL",
}

// clearEnv unsets every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range managedEnv {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("URL_SIGNING_KEY", "signing-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, int64(50<<30), cfg.MaxUploadBytes)
	assert.Equal(t, BackendRedis, cfg.JobStore)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "mxf", cfg.RedisKeyPrefix)
	assert.Equal(t, BackendRedis, cfg.QueueBackend)
	assert.Equal(t, "process-queue", cfg.QueueName)
	assert.Equal(t, "process-queue-poison", cfg.PoisonQueueName)
	assert.Equal(t, BackendLocal, cfg.StorageBackend)
	assert.Equal(t, "http://localhost:8080", cfg.PublicBaseURL)
	assert.Equal(t, time.Hour, cfg.ReadURLTTL)
	assert.Equal(t, "/tmp/mxf-transcode", cfg.TempDir)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, 5, cfg.MaxDeliveryCount)
	assert.Equal(t, 300*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 30*time.Second, cfg.RetryVisibility)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.ErrorBackoff)
	assert.Equal(t, 30*time.Second, cfg.LeaseExtendInterval)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "ffprobe", cfg.FFprobePath)
	assert.Equal(t, "local", cfg.EventsBackend)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.UsesRedis())
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("JOB_STORE", "pebble")
	t.Setenv("PEBBLE_DIR", "/data/jobs")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret-key")
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("VISIBILITY_TIMEOUT", "10m")
	t.Setenv("EVENTS_BACKEND", "redis")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, BackendPebble, cfg.JobStore)
	assert.Equal(t, "/data/jobs", cfg.PebbleDir)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, BackendS3, cfg.StorageBackend)
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3Region)
	assert.Equal(t, "access-key", cfg.AWSAccessKeyID)
	assert.Equal(t, "secret-key", cfg.AWSSecretAccessKey)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 10*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, "redis", cfg.EventsBackend)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric port", "PORT", "not-a-number"},
		{"port out of range", "PORT", "70000"},
		{"unknown job store", "JOB_STORE", "sqlite"},
		{"unknown queue backend", "QUEUE_BACKEND", "sqs"},
		{"unknown storage backend", "STORAGE_BACKEND", "gcs"},
		{"unknown events backend", "EVENTS_BACKEND", "kafka"},
		{"zero workers", "WORKER_COUNT", "0"},
		{"bad duration", "POLL_INTERVAL", "soon"},
		{"zero visibility timeout", "VISIBILITY_TIMEOUT", "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("URL_SIGNING_KEY", "signing-key")
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:              8080,
			MetricsPort:       9090,
			MaxUploadBytes:    1,
			JobStore:          BackendRedis,
			RedisAddr:         "localhost:6379",
			QueueBackend:      BackendRedis,
			QueueName:         "process-queue",
			PoisonQueueName:   "process-queue-poison",
			StorageBackend:    BackendLocal,
			PublicBaseURL:     "http://localhost:8080",
			URLSigningKey:     "key",
			ReadURLTTL:        time.Hour,
			WorkerCount:       1,
			MaxDeliveryCount:  5,
			VisibilityTimeout: time.Minute,
			PollInterval:      time.Second,
			ErrorBackoff:      time.Second,
			EventsBackend:     "local",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid config", func(*Config) {}, nil},
		{"redis without address", func(c *Config) { c.RedisAddr = "" }, ErrRedisAddrRequired},
		{"pebble without directory", func(c *Config) { c.JobStore = BackendPebble }, ErrPebbleDirRequired},
		{"local storage without signing key", func(c *Config) { c.URLSigningKey = "" }, ErrURLSigningKeyRequired},
		{"s3 without bucket", func(c *Config) {
			c.StorageBackend = BackendS3
			c.S3Region = "eu-west-1"
		}, ErrS3BucketRequired},
		{"s3 without region", func(c *Config) {
			c.StorageBackend = BackendS3
			c.S3Bucket = "bucket"
		}, ErrS3RegionRequired},
		{"minio without endpoint", func(c *Config) { c.StorageBackend = BackendMinIO }, ErrMinIOEndpointRequired},
		{"minio without credentials", func(c *Config) {
			c.StorageBackend = BackendMinIO
			c.MinIOEndpoint = "minio:9000"
		}, ErrMinIOCredentialsRequired},
		{"minio without bucket", func(c *Config) {
			c.StorageBackend = BackendMinIO
			c.MinIOEndpoint = "minio:9000"
			c.MinIOAccessKey = "access"
			c.MinIOSecretKey = "secret"
		}, ErrMinIOBucketRequired},
		{"extend interval equal to lease", func(c *Config) { c.LeaseExtendInterval = time.Minute }, ErrLeaseExtendInterval},
		{"extend interval longer than lease", func(c *Config) { c.LeaseExtendInterval = 2 * time.Minute }, ErrLeaseExtendInterval},
		{"redis address not needed for memory backends", func(c *Config) {
			c.JobStore = BackendMemory
			c.QueueBackend = BackendMemory
			c.RedisAddr = ""
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfig_ValidateSplit(t *testing.T) {
	cfg := &Config{JobStore: BackendRedis, QueueBackend: BackendRedis}
	assert.NoError(t, cfg.ValidateSplit())

	cfg.QueueBackend = BackendMemory
	assert.ErrorIs(t, cfg.ValidateSplit(), ErrMemoryBackendsSplit)
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Port:               8080,
		RedisAddr:          "redis:6379",
		RedisPassword:      "redis-secret",
		URLSigningKey:      "signing-secret",
		AWSSecretAccessKey: "aws-secret",
		MinIOSecretKey:     "minio-secret",
		TempDir:            "/tmp/test",
		LogFormat:          "json",
		LogLevel:           "info",
	}

	str := cfg.String()

	// Should contain non-sensitive values
	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "redis:6379")
	assert.Contains(t, str, "/tmp/test")

	// Should NOT contain sensitive values
	for _, secret := range []string{"redis-secret", "signing-secret", "aws-secret", "minio-secret"} {
		assert.NotContains(t, str, secret)
	}
}

func TestConfig_NewLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			cfg := &Config{LogFormat: format, LogLevel: "warn"}

			logger := cfg.NewLogger()
			require.NotNil(t, logger)
			assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
			assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}
