// Package job provides the Job aggregate for media transcode requests.
// It includes the Job entity with its state machine, the command service
// that drives transitions, and the repository port with its implementations.
package job

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/maauso/mxf-transcode-api/internal/job/id"
)

// Status represents the current state of a Job.
// Values are the lower-cased state names exposed by the status API.
type Status string

const (
	// StatusUploading indicates the source bytes are still being received.
	StatusUploading Status = "uploading"
	// StatusQueued indicates the upload is confirmed and the job awaits a worker.
	StatusQueued Status = "queued"
	// StatusProcessing indicates a worker is transcoding the source.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the output was uploaded successfully.
	StatusCompleted Status = "completed"
	// StatusError indicates the last attempt failed.
	StatusError Status = "error"
)

// DefaultErrorMessage is recorded when a failure carries no description.
const DefaultErrorMessage = "Unknown error"

var (
	// ErrValidation is returned when a transition argument is rejected.
	ErrValidation = errors.New("validation error")
	// ErrStateConflict is returned when a transition is attempted from a state
	// that is not a valid source for it. Use errors.As with *StateConflictError
	// to read the states involved.
	ErrStateConflict = errors.New("state conflict")
)

// StateConflictError describes a rejected transition.
type StateConflictError struct {
	Current   Status
	Requested Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: cannot move job from %s to %s", e.Current, e.Requested)
}

// Unwrap lets errors.Is match ErrStateConflict.
func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// validTransitions defines which state transitions are allowed.
// Error -> Processing is the retry path taken when a failed job's message is redelivered.
var validTransitions = map[Status][]Status{
	StatusUploading:  {StatusQueued, StatusError},
	StatusQueued:     {StatusProcessing, StatusError},
	StatusProcessing: {StatusCompleted, StatusError},
	StatusCompleted:  {},
	StatusError:      {StatusProcessing},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// Job represents a single transcode request.
// A Job is not safe for concurrent mutation; each worker cycle loads its own copy.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// Status is the current job state.
	Status Status `json:"status"`
	// InputLocation is the object storage key of the source media.
	InputLocation string `json:"inputLocation"`
	// OutputLocation is the object storage key of the transcoded rendition.
	OutputLocation string `json:"outputLocation,omitempty"`
	// FileSize is the size of the uploaded source in bytes.
	FileSize int64 `json:"fileSize,omitempty"`
	// Attempts counts processing attempts, including retries.
	Attempts int `json:"attempts,omitempty"`
	// ErrorMessage holds the reason of the most recent failure. It is kept
	// after a later successful retry.
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt             time.Time `json:"createdAt"`
	UploadCompletedAt     time.Time `json:"uploadCompletedAt,omitzero"`
	ProcessingStartedAt   time.Time `json:"processingStartedAt,omitzero"`
	ProcessingCompletedAt time.Time `json:"processingCompletedAt,omitzero"`
}

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// New creates a Job in the Uploading state with a generated ID.
// Returns ErrValidation if inputLocation is blank.
func New(inputLocation string) (*Job, error) {
	return NewWithID(id.Generate(), inputLocation)
}

// NewWithID creates a Job in the Uploading state with the given ID.
// Useful when the ID must be known before the input location is chosen.
func NewWithID(jobID, inputLocation string) (*Job, error) {
	if strings.TrimSpace(inputLocation) == "" {
		return nil, fmt.Errorf("%w: input location is required", ErrValidation)
	}
	return &Job{
		ID:            jobID,
		Status:        StatusUploading,
		InputLocation: inputLocation,
		CreatedAt:     now(),
	}, nil
}

// transitionTo moves the job to status or reports a StateConflictError.
func (j *Job) transitionTo(status Status) error {
	if !canTransition(j.Status, status) {
		return &StateConflictError{Current: j.Status, Requested: status}
	}
	j.Status = status
	return nil
}

// MarkUploadCompleted records the confirmed source size and queues the job.
func (j *Job) MarkUploadCompleted(fileSize int64) error {
	if fileSize <= 0 {
		return fmt.Errorf("%w: file size must be positive, got %d", ErrValidation, fileSize)
	}
	if err := j.transitionTo(StatusQueued); err != nil {
		return err
	}
	j.FileSize = fileSize
	j.UploadCompletedAt = now()
	return nil
}

// MarkProcessingStarted moves a queued job to Processing.
func (j *Job) MarkProcessingStarted() error {
	if j.Status != StatusQueued {
		return &StateConflictError{Current: j.Status, Requested: StatusProcessing}
	}
	if err := j.transitionTo(StatusProcessing); err != nil {
		return err
	}
	j.Attempts++
	j.ProcessingStartedAt = now()
	return nil
}

// MarkRetryStarted moves a failed job back to Processing for another attempt.
// The first ProcessingStartedAt and the last ErrorMessage are kept.
// A job whose upload was never confirmed cannot be retried.
func (j *Job) MarkRetryStarted() error {
	if j.Status != StatusError || j.UploadCompletedAt.IsZero() {
		return &StateConflictError{Current: j.Status, Requested: StatusProcessing}
	}
	if err := j.transitionTo(StatusProcessing); err != nil {
		return err
	}
	j.Attempts++
	if j.ProcessingStartedAt.IsZero() {
		j.ProcessingStartedAt = now()
	}
	return nil
}

// MarkProcessingCompleted records the output location and completes the job.
func (j *Job) MarkProcessingCompleted(outputLocation string) error {
	if strings.TrimSpace(outputLocation) == "" {
		return fmt.Errorf("%w: output location is required", ErrValidation)
	}
	if err := j.transitionTo(StatusCompleted); err != nil {
		return err
	}
	j.OutputLocation = outputLocation
	j.ProcessingCompletedAt = now()
	return nil
}

// MarkError records a failure. A blank message is replaced by DefaultErrorMessage.
func (j *Job) MarkError(message string) error {
	if err := j.transitionTo(StatusError); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		message = DefaultErrorMessage
	}
	j.ErrorMessage = message
	return nil
}

// IsTerminal returns true if no further work will be done for the job.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
