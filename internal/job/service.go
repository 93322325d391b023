package job

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maauso/mxf-transcode-api/internal/job/id"
)

// Event payloads published on a job's topic.
type (
	// QueuedEvent is published once the upload is confirmed.
	QueuedEvent struct {
		Status string `json:"status"`
	}
	// ProcessingEvent is published when an attempt starts and as the transcode progresses.
	ProcessingEvent struct {
		Status   string   `json:"status"`
		Attempt  int      `json:"attempt,omitempty"`
		Progress *float64 `json:"progress,omitempty"`
	}
	// DoneEvent is published when the output is available.
	DoneEvent struct {
		Status string `json:"status"`
		Output string `json:"output"`
	}
	// ErrorEvent is published when an attempt fails.
	ErrorEvent struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
)

// Publisher delivers event payloads to a job's subscribers.
type Publisher interface {
	Publish(ctx context.Context, jobID string, payload any) error
}

// Enqueuer hands a job ID to the processing queue.
type Enqueuer interface {
	Send(ctx context.Context, body string) (string, error)
}

// Service applies state transitions to stored jobs. Each command loads the
// job, applies a single transition, saves it and then publishes the matching
// event. A failed save publishes nothing.
type Service struct {
	repo      Repository
	queue     Enqueuer
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a Service. queue may be nil when the caller never
// completes uploads (worker processes).
func NewService(repo Repository, queue Enqueuer, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
	}
}

// Create registers a new job in the Uploading state.
func (s *Service) Create(ctx context.Context, jobID, inputLocation string) (*Job, error) {
	if jobID == "" {
		jobID = id.Generate()
	}
	job, err := NewWithID(jobID, inputLocation)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("input", inputLocation),
	)
	return job, nil
}

// Get returns the stored job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.FindByID(ctx, jobID)
}

// CompleteUpload confirms the source size, queues the job and enqueues its ID.
// When the enqueue fails the job is moved to Error, since no message exists
// that would ever deliver it.
func (s *Service) CompleteUpload(ctx context.Context, jobID string, fileSize int64) (*Job, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("enqueue job %s: no queue configured", jobID)
	}
	job, err := s.apply(ctx, jobID, func(j *Job) error { return j.MarkUploadCompleted(fileSize) })
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Send(ctx, job.ID); err != nil {
		if _, markErr := s.ReportError(context.WithoutCancel(ctx), jobID, "enqueue failed: "+err.Error()); markErr != nil {
			s.logger.Warn("failed to record enqueue failure",
				slog.String("job_id", jobID),
				slog.String("error", markErr.Error()),
			)
		}
		return nil, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	s.publish(ctx, job.ID, QueuedEvent{Status: "queued"})
	return job, nil
}

// StartProcessing moves a queued job to Processing.
func (s *Service) StartProcessing(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.apply(ctx, jobID, (*Job).MarkProcessingStarted)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job.ID, ProcessingEvent{Status: "processing", Attempt: job.Attempts})
	return job, nil
}

// RetryProcessing moves a failed job back to Processing for another attempt.
func (s *Service) RetryProcessing(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.apply(ctx, jobID, (*Job).MarkRetryStarted)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job.ID, ProcessingEvent{Status: "processing", Attempt: job.Attempts})
	return job, nil
}

// ReportProgress publishes a progress fraction without touching the stored job.
func (s *Service) ReportProgress(ctx context.Context, jobID string, fraction float64) {
	s.publish(ctx, jobID, ProcessingEvent{Status: "processing", Progress: &fraction})
}

// FinishProcessing records the output location and completes the job.
func (s *Service) FinishProcessing(ctx context.Context, jobID, outputLocation string) (*Job, error) {
	job, err := s.apply(ctx, jobID, func(j *Job) error { return j.MarkProcessingCompleted(outputLocation) })
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job.ID, DoneEvent{Status: "done", Output: job.OutputLocation})
	return job, nil
}

// ReportError records a failure on the job.
func (s *Service) ReportError(ctx context.Context, jobID, message string) (*Job, error) {
	job, err := s.apply(ctx, jobID, func(j *Job) error { return j.MarkError(message) })
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job.ID, ErrorEvent{Status: "error", Error: job.ErrorMessage})
	return job, nil
}

// apply runs one load, transition, save cycle.
func (s *Service) apply(ctx context.Context, jobID string, transition func(*Job) error) (*Job, error) {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	from := job.Status
	if err := transition(job); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job %s: %w", jobID, err)
	}
	s.logger.Debug("job transitioned",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(job.Status)),
	)
	return job, nil
}

func (s *Service) publish(ctx context.Context, jobID string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, jobID, payload); err != nil {
		s.logger.Warn("failed to publish job event",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
