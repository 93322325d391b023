// Package worker consumes the job queue: it leases a message, transcodes the
// referenced job and settles the message according to the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maauso/mxf-transcode-api/internal/job"
	"github.com/maauso/mxf-transcode-api/internal/job/id"
	"github.com/maauso/mxf-transcode-api/internal/metrics"
	"github.com/maauso/mxf-transcode-api/internal/queue"
	"github.com/maauso/mxf-transcode-api/internal/storage"
	"github.com/maauso/mxf-transcode-api/internal/transcode"
)

// Dead-letter reason codes.
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonJobNotFound      = "job_not_found"
	ReasonMaxDeliveries    = "max_deliveries"
)

// OutputKey is the object key of a job's transcoded rendition.
func OutputKey(jobID string) string {
	return jobID + ".mp4"
}

// Worker runs the receive, validate, start, execute, finalize, cleanup cycle.
// A Worker keeps no per-message state, so one value may run in several
// goroutines.
type Worker struct {
	cfg       Config
	queue     queue.LeaseQueue
	jobs      *job.Service
	store     storage.ObjectStorage
	workspace *storage.Workspace
	runner    transcode.Runner
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithConfig replaces the default Config. Zero fields take their defaults,
// except RetryVisibility and ExtendInterval, which keep zero as given.
func WithConfig(cfg Config) Option {
	return func(w *Worker) {
		w.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Worker.
func New(q queue.LeaseQueue, jobs *job.Service, store storage.ObjectStorage, ws *storage.Workspace, runner transcode.Runner, opts ...Option) *Worker {
	w := &Worker{
		cfg:       DefaultConfig(),
		queue:     q,
		jobs:      jobs,
		store:     store,
		workspace: ws,
		runner:    runner,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/maauso/mxf-transcode-api/internal/worker"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunPool runs n loops concurrently and returns when all have stopped.
func (w *Worker) RunPool(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, i)
		}()
	}
	wg.Wait()
}

// Run processes messages until ctx is done. Unexpected cycle failures are
// logged and followed by a short pause.
func (w *Worker) Run(ctx context.Context, index int) {
	log := w.logger.With(slog.Int("worker", index))
	log.Info("worker started")
	defer log.Info("worker stopped")

	for ctx.Err() == nil {
		handled, err := w.ProcessNext(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("worker cycle failed", slog.String("error", err.Error()))
			sleep(ctx, w.cfg.ErrorBackoff)
		case !handled:
			sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// ProcessNext runs one cycle. handled is false when no message was visible.
// A returned error means the cycle failed outside the per-message error
// handling (queue unavailable or a panic).
func (w *Worker) ProcessNext(ctx context.Context) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	msg, err := w.queue.Receive(ctx, w.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if msg == nil {
		return false, nil
	}
	w.handle(ctx, msg)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	cell := newLeaseCell(msg.Receipt)
	log := w.logger.With(
		slog.String("message_id", msg.ID),
		slog.Int("delivery_count", msg.DeliveryCount),
	)

	jobID, err := id.Parse(strings.TrimSpace(msg.Body))
	if err != nil {
		log.Warn("malformed queue payload", slog.String("body", msg.Body))
		w.deadLetter(ctx, log, cell, ReasonMalformedPayload, err.Error())
		return
	}
	log = log.With(slog.String("job_id", jobID))

	ctx, span := w.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("queue.delivery_count", msg.DeliveryCount),
	))
	defer span.End()

	if msg.DeliveryCount > w.cfg.MaxDeliveries {
		w.fail(ctx, log, cell, msg, jobID, fmt.Errorf("delivery count %d exceeds maximum %d", msg.DeliveryCount, w.cfg.MaxDeliveries))
		return
	}

	j, err := w.jobs.Get(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn("job not found for queue message")
		w.deadLetter(ctx, log, cell, ReasonJobNotFound, err.Error())
		return
	}
	if err != nil {
		// Left leased; the message returns once the lease lapses.
		log.Error("failed to load job", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		return
	}

	if j.Status == job.StatusCompleted {
		log.Info("job already completed, dropping message")
		if err := w.queue.Delete(ctx, cell.Receipt()); err != nil {
			log.Warn("failed to delete message", slog.String("error", err.Error()))
		}
		metrics.JobsProcessedTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return
	}

	start := w.jobs.StartProcessing
	if j.Status == job.StatusError {
		start = w.jobs.RetryProcessing
	}
	if j, err = start(ctx, jobID); err != nil {
		w.fail(ctx, log, cell, msg, jobID, err)
		return
	}
	log.Info("processing started", slog.Int("attempt", j.Attempts))

	if err := w.execute(ctx, log, cell, j); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			w.abandon(ctx, log, jobID, err)
			return
		}
		w.fail(ctx, log, cell, msg, jobID, err)
		return
	}

	if err := w.queue.Delete(ctx, cell.Receipt()); err != nil {
		log.Warn("failed to delete completed message", slog.String("error", err.Error()))
	}
	metrics.JobsProcessedTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
	log.Info("processing completed", slog.String("output", OutputKey(jobID)))
}

// execute downloads, transcodes and uploads, then completes the job. The
// lease is renewed until the output is stored, and the working directory is
// removed whatever the outcome.
func (w *Worker) execute(ctx context.Context, log *slog.Logger, cell *leaseCell, j *job.Job) error {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	keeper := w.keepLease(ctx, log, cell)
	defer keeper.Stop()

	dir, err := w.workspace.Create(ctx, j.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.workspace.Cleanup(dir); err != nil {
			log.Warn("failed to clean work directory", slog.String("error", err.Error()))
		}
	}()

	input := filepath.Join(dir, "input"+path.Ext(j.InputLocation))
	output := filepath.Join(dir, "output.mp4")
	key := OutputKey(j.ID)

	if err := w.stage(ctx, "download", func(ctx context.Context) error {
		if err := w.store.Download(ctx, j.InputLocation, input); err != nil {
			return fmt.Errorf("download input: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := w.stage(ctx, "transcode", func(ctx context.Context) error {
		return w.runner.Run(ctx, input, output, w.progress(ctx, keeper, j.ID))
	}); err != nil {
		return err
	}

	if err := w.stage(ctx, "upload", func(ctx context.Context) error {
		return w.upload(ctx, output, key)
	}); err != nil {
		return err
	}

	keeper.Stop()
	if _, err := w.jobs.FinishProcessing(ctx, j.ID, key); err != nil {
		return fmt.Errorf("finish processing: %w", err)
	}
	return nil
}

func (w *Worker) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file) // #nosec G304 - path is inside the worker's own directory
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if err := w.store.Upload(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("upload output: %w", err)
	}
	return nil
}

// stage runs fn inside a span and records its duration.
func (w *Worker) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := w.tracer.Start(ctx, name)
	defer span.End()
	started := w.now()

	err := fn(ctx)

	metrics.StageDuration.WithLabelValues(name).Observe(w.now().Sub(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// progress publishes coalesced progress events and gives the keeper a chance
// to renew the lease.
func (w *Worker) progress(ctx context.Context, keeper *leaseKeeper, jobID string) transcode.ProgressFunc {
	lastPublished := -1.0

	return func(f float64) {
		if f-lastPublished >= 0.01 || (f == 1 && lastPublished < 1) {
			lastPublished = f
			w.jobs.ReportProgress(ctx, jobID, f)
		}
		keeper.Touch(ctx)
	}
}

// fail records cause on the job and either dead-letters the message or
// shortens its lease so it is redelivered soon.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, cell *leaseCell, msg *queue.Message, jobID string, cause error) {
	reason := cause.Error()
	log.Error("processing failed", slog.String("error", reason))
	metrics.JobsProcessedTotal.WithLabelValues(metrics.OutcomeFailed).Inc()

	if _, err := w.jobs.ReportError(ctx, jobID, reason); err != nil {
		log.Warn("failed to record error on job", slog.String("error", err.Error()))
	}

	if msg.DeliveryCount >= w.cfg.MaxDeliveries {
		w.deadLetter(ctx, log, cell, ReasonMaxDeliveries, reason)
		return
	}

	receipt, err := w.queue.ExtendLease(ctx, cell.Receipt(), w.cfg.RetryVisibility)
	if err != nil {
		log.Warn("failed to shorten lease for retry", slog.String("error", err.Error()))
		return
	}
	cell.Set(receipt)
	log.Info("message scheduled for retry", slog.Duration("after", w.cfg.RetryVisibility))
}

// abandon records an interrupted attempt. The message is left leased so that
// it is redelivered and retried once the lease lapses.
func (w *Worker) abandon(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	metrics.JobsProcessedTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
	log.Warn("processing interrupted", slog.String("error", cause.Error()))

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	if _, err := w.jobs.ReportError(bg, jobID, "processing interrupted: "+cause.Error()); err != nil {
		log.Warn("failed to record interruption on job", slog.String("error", err.Error()))
	}
}

func (w *Worker) deadLetter(ctx context.Context, log *slog.Logger, cell *leaseCell, code, detail string) {
	if err := w.queue.DeadLetter(ctx, cell.Receipt(), code+": "+detail); err != nil {
		log.Error("failed to dead-letter message", slog.String("reason", code), slog.String("error", err.Error()))
		return
	}
	metrics.DeadLetteredTotal.WithLabelValues(code).Inc()
	log.Warn("message dead-lettered", slog.String("reason", code))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
