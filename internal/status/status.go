// Package status answers job status queries.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maauso/mxf-transcode-api/internal/job"
	"github.com/maauso/mxf-transcode-api/internal/job/id"
)

// DefaultReadURLTTL is the lifetime of read URLs handed out for completed jobs.
const DefaultReadURLTTL = time.Hour

// View is the status response for one job.
type View struct {
	ProcessID     string    `json:"processId"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	ReadURL       string    `json:"readUrl,omitempty"`
	InputBlobPath string    `json:"inputBlobPath"`
	FileSize      int64     `json:"fileSize,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Finder loads jobs by ID.
type Finder interface {
	FindByID(ctx context.Context, id string) (*job.Job, error)
}

// URLSigner issues time-boxed read URLs for stored objects.
type URLSigner interface {
	ReadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Service builds status views.
type Service struct {
	jobs Finder
	urls URLSigner
	ttl  time.Duration
}

// NewService creates a Service. A non-positive ttl uses DefaultReadURLTTL.
func NewService(jobs Finder, urls URLSigner, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultReadURLTTL
	}
	return &Service{jobs: jobs, urls: urls, ttl: ttl}
}

// Get returns the view of the job. IDs that are not valid job identifiers
// are reported as job.ErrNotFound. The read URL is only issued for
// completed jobs.
func (s *Service) Get(ctx context.Context, jobID string) (*View, error) {
	canonical, err := id.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	j, err := s.jobs.FindByID(ctx, canonical)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load job %s: %w", canonical, err)
	}

	view := &View{
		ProcessID:     j.ID,
		Status:        string(j.Status),
		ErrorMessage:  j.ErrorMessage,
		InputBlobPath: j.InputLocation,
		FileSize:      j.FileSize,
		CreatedAt:     j.CreatedAt,
	}
	if j.Status == job.StatusCompleted && j.OutputLocation != "" {
		u, err := s.urls.ReadURL(ctx, j.OutputLocation, s.ttl)
		if err != nil {
			return nil, fmt.Errorf("issue read url for %s: %w", j.ID, err)
		}
		view.ReadURL = u
	}
	return view, nil
}
