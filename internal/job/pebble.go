package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Compile-time check that PebbleRepository implements Repository.
var _ Repository = (*PebbleRepository)(nil)

// PebbleRepository stores jobs in an embedded Pebble database.
// It suits single-node deployments where the API and worker share one process.
type PebbleRepository struct {
	db *pebble.DB
}

// OpenPebbleRepository opens (or creates) the database at dir.
func OpenPebbleRepository(dir string) (*PebbleRepository, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleRepository{db: db}, nil
}

// Close closes the underlying database.
func (r *PebbleRepository) Close() error {
	return r.db.Close()
}

func pebbleKey(id string) []byte {
	return []byte("job/" + id)
}

// Save writes the job synchronously.
func (r *PebbleRepository) Save(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := r.db.Set(pebbleKey(job.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// FindByID reads the job.
// Returns ErrNotFound if no job is stored under id.
func (r *PebbleRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, closer, err := r.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	defer closer.Close()

	var job Job
	if err := json.Unmarshal(value, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}
