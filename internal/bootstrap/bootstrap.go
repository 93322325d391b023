// Package bootstrap provides dependency initialization for the transcode API
// and worker processes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maauso/mxf-transcode-api/internal/config"
	"github.com/maauso/mxf-transcode-api/internal/events"
	"github.com/maauso/mxf-transcode-api/internal/job"
	"github.com/maauso/mxf-transcode-api/internal/queue"
	"github.com/maauso/mxf-transcode-api/internal/server"
	"github.com/maauso/mxf-transcode-api/internal/status"
	"github.com/maauso/mxf-transcode-api/internal/storage"
	"github.com/maauso/mxf-transcode-api/internal/transcode"
	"github.com/maauso/mxf-transcode-api/internal/worker"
)

const pingTimeout = 5 * time.Second

// Dependencies holds all initialized dependencies shared by the processes.
type Dependencies struct {
	Jobs      *job.Service
	Status    *status.Service
	Storage   storage.ObjectStorage
	Queue     queue.LeaseQueue
	Hub       *events.Hub
	Workspace *storage.Workspace
	Runner    transcode.Runner

	// Blobs is set when objects live on the local filesystem; the API then
	// serves signed blob URLs itself.
	Blobs *storage.LocalStorage
	// Relay is set when events travel over Redis. Processes that serve event
	// streams must run it to feed Hub.
	Relay *events.RedisRelay

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (deps *Dependencies, err error) {
	d := &Dependencies{cfg: cfg, logger: logger, Hub: events.NewHub()}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		if rdb, err = d.initRedis(ctx); err != nil {
			return nil, err
		}
	}

	repo, err := d.initRepository(rdb)
	if err != nil {
		return nil, err
	}

	if d.Queue, err = d.initQueue(ctx, rdb); err != nil {
		return nil, err
	}

	if d.Storage, err = d.initStorage(ctx); err != nil {
		return nil, err
	}

	var publisher job.Publisher = events.NewHubPublisher(d.Hub)
	if cfg.EventsBackend == config.BackendRedis {
		d.Relay = events.NewRedisRelay(rdb, cfg.RedisKeyPrefix, logger)
		publisher = d.Relay
	}

	d.Jobs = job.NewService(repo, d.Queue, publisher, logger)
	d.Status = status.NewService(repo, d.Storage, cfg.ReadURLTTL)

	if d.Workspace, err = storage.NewWorkspace(cfg.TempDir); err != nil {
		return nil, err
	}
	d.Runner = transcode.NewFFmpegRunner(
		transcode.WithFFmpegPath(cfg.FFmpegPath),
		transcode.WithFFprobePath(cfg.FFprobePath),
		transcode.WithLogger(logger),
	)

	logger.Info("dependencies initialized",
		slog.String("job_store", cfg.JobStore),
		slog.String("queue_backend", cfg.QueueBackend),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.String("events_backend", cfg.EventsBackend),
	)
	return d, nil
}

// NewWorker creates a queue worker configured from the loaded settings.
func (d *Dependencies) NewWorker() *worker.Worker {
	return worker.New(d.Queue, d.Jobs, d.Storage, d.Workspace, d.Runner,
		worker.WithLogger(d.logger),
		worker.WithConfig(worker.Config{
			Lease:           d.cfg.VisibilityTimeout,
			RetryVisibility: d.cfg.RetryVisibility,
			PollInterval:    d.cfg.PollInterval,
			ErrorBackoff:    d.cfg.ErrorBackoff,
			MaxDeliveries:   d.cfg.MaxDeliveryCount,
			ExtendInterval:  d.cfg.LeaseExtendInterval,
		}),
	)
}

// Close releases connections and files in reverse order of creation.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Dependencies) initRedis(ctx context.Context) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     d.cfg.RedisAddr,
		Password: d.cfg.RedisPassword,
		DB:       d.cfg.RedisDB,
	})
	d.closers = append(d.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", d.cfg.RedisAddr, err)
	}
	d.logger.Info("redis connected", slog.String("addr", d.cfg.RedisAddr), slog.Int("db", d.cfg.RedisDB))
	return rdb, nil
}

// initRepository creates the job store selected by JOB_STORE.
func (d *Dependencies) initRepository(rdb redis.UniversalClient) (job.Repository, error) {
	switch d.cfg.JobStore {
	case config.BackendRedis:
		return job.NewRedisRepository(rdb, d.cfg.RedisKeyPrefix), nil
	case config.BackendPebble:
		repo, err := job.OpenPebbleRepository(d.cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, repo.Close)
		d.logger.Info("pebble job store opened", slog.String("dir", d.cfg.PebbleDir))
		return repo, nil
	case config.BackendMemory:
		return job.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown job store %q", d.cfg.JobStore)
	}
}

// initQueue creates the queue selected by QUEUE_BACKEND and makes sure it exists.
func (d *Dependencies) initQueue(ctx context.Context, rdb redis.UniversalClient) (queue.LeaseQueue, error) {
	var q queue.LeaseQueue
	switch d.cfg.QueueBackend {
	case config.BackendRedis:
		q = queue.NewRedisQueue(rdb, d.cfg.QueueName, d.cfg.PoisonQueueName, queue.WithPrefix(d.cfg.RedisKeyPrefix))
	case config.BackendMemory:
		q = queue.NewMemoryQueue()
	default:
		return nil, fmt.Errorf("unknown queue backend %q", d.cfg.QueueBackend)
	}
	if err := q.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("ensure queue %s: %w", d.cfg.QueueName, err)
	}
	return q, nil
}

// initStorage creates the object storage selected by STORAGE_BACKEND.
func (d *Dependencies) initStorage(ctx context.Context) (storage.ObjectStorage, error) {
	cfg := d.cfg
	switch cfg.StorageBackend {
	case config.BackendS3:
		s3Store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		d.logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil

	case config.BackendMinIO:
		minioStore, err := storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Region:    cfg.MinIORegion,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create MinIO storage: %w", err)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		d.logger.Info("MinIO storage configured",
			slog.String("endpoint", cfg.MinIOEndpoint),
			slog.String("bucket", cfg.MinIOBucket),
		)
		return minioStore, nil

	case config.BackendLocal:
		localStore, err := storage.NewLocalStorage(cfg.LocalStorageDir, cfg.PublicBaseURL, []byte(cfg.URLSigningKey))
		if err != nil {
			return nil, fmt.Errorf("create local storage: %w", err)
		}
		d.Blobs = localStore
		d.logger.Info("local storage configured",
			slog.String("root", localStore.Root()),
		)
		return localStore, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// NewAPIHandler builds the API router on top of the dependencies.
func (d *Dependencies) NewAPIHandler() http.Handler {
	opts := []server.HandlerOption{server.WithMaxUploadBytes(d.cfg.MaxUploadBytes)}
	if d.Blobs != nil {
		opts = append(opts, server.WithBlobs(d.Blobs))
	}
	handlers := server.NewHandlers(d.Jobs, d.Status, d.Storage, d.Hub, d.logger, opts...)
	return server.NewRouter(handlers, d.logger, server.DefaultConfig())
}

// RunRelay feeds Hub from Redis until ctx is done. It returns immediately
// when events are published in-process.
func (d *Dependencies) RunRelay(ctx context.Context) {
	if d.Relay == nil {
		return
	}
	if err := d.Relay.Run(ctx, d.Hub); err != nil && ctx.Err() == nil {
		d.logger.Error("event relay stopped", slog.String("error", err.Error()))
	}
}
