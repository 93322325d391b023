package job

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a job cannot be found by ID.
var ErrNotFound = errors.New("job not found")

// Repository defines the interface for job persistence.
// It acts as a port in the hexagonal architecture pattern.
// Jobs are never deleted through it.
type Repository interface {
	// Save persists a job to the storage.
	// If the job already exists, it is replaced.
	Save(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)
}
