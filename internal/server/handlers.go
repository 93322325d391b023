package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/mxf-transcode-api/internal/events"
	"github.com/maauso/mxf-transcode-api/internal/job"
	"github.com/maauso/mxf-transcode-api/internal/job/id"
	"github.com/maauso/mxf-transcode-api/internal/metrics"
	"github.com/maauso/mxf-transcode-api/internal/status"
	"github.com/maauso/mxf-transcode-api/internal/storage"
)

const (
	defaultMaxUploadBytes    = 50 << 30
	defaultHeartbeatInterval = 15 * time.Second
	// multipartMemory is how much of an upload is kept in memory before
	// spilling to a temporary file.
	multipartMemory = 32 << 20
)

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	jobs      *job.Service
	status    *status.Service
	store     storage.ObjectStorage
	hub       *events.Hub
	blobs     *storage.LocalStorage
	validator *validator.Validate
	logger    *slog.Logger

	maxUploadBytes int64
	heartbeat      time.Duration
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes limits the size of an upload request body.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithHeartbeatInterval sets how often idle event streams get a comment line.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithBlobs enables the signed blob route for local storage.
func WithBlobs(blobs *storage.LocalStorage) HandlerOption {
	return func(h *Handlers) {
		h.blobs = blobs
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(jobs *job.Service, statusSvc *status.Service, store storage.ObjectStorage, hub *events.Hub, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		jobs:           jobs,
		status:         statusSvc,
		store:          store,
		hub:            hub,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: defaultMaxUploadBytes,
		heartbeat:      defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateJob handles POST /v1/jobs requests. The multipart field "file"
// carries the source media.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit", "UPLOAD_TOO_LARGE")
			return
		}
		h.logger.Warn("failed to parse multipart body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid multipart body", "INVALID_MULTIPART")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required", "MISSING_FILE")
		return
	}
	defer func() { _ = file.Close() }()

	form := uploadForm{Filename: header.Filename, Size: header.Size}
	if err := h.validator.Struct(form); err != nil {
		h.logger.Warn("upload validation failed", slog.String("error", err.Error()))
		if form.Size <= 0 {
			writeError(w, http.StatusBadRequest, "file is empty", "EMPTY_FILE")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	ctx := r.Context()
	jobID := id.Generate()
	key := inputKey(jobID, header.Filename)

	created, err := h.jobs.Create(ctx, jobID, key)
	if err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		h.writeJobError(w, err, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	if err := h.store.Upload(ctx, key, file, form.Size); err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		h.logger.Error("failed to store upload",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		if _, markErr := h.jobs.ReportError(context.WithoutCancel(ctx), jobID, "upload failed: "+err.Error()); markErr != nil {
			h.logger.Warn("failed to record upload failure", slog.String("job_id", jobID), slog.String("error", markErr.Error()))
		}
		writeError(w, http.StatusBadGateway, "failed to store upload", "UPLOAD_FAILED")
		return
	}

	queued, err := h.jobs.CompleteUpload(ctx, jobID, form.Size)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		h.logger.Error("failed to queue job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		h.writeJobError(w, err, "failed to queue job", "JOB_QUEUE_FAILED")
		return
	}
	metrics.UploadsTotal.WithLabelValues("ok").Inc()

	h.logger.Info("job created",
		slog.String("job_id", jobID),
		slog.String("input", key),
		slog.Int64("file_size", form.Size),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ProcessID: queued.ID,
		Status:    string(queued.Status),
		CreatedAt: created.CreatedAt,
	})
}

// GetJob handles GET /v1/jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	view, err := h.status.Get(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JobEvents handles GET /v1/jobs/{id}/events requests as a Server-Sent
// Events stream. The first event is the current status; job events follow
// until the client goes away.
func (h *Handlers) JobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	canonical, err := id.Parse(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}

	// Subscribe before reading the snapshot so nothing published in between is lost.
	sub := h.hub.Subscribe(ctx, canonical)
	defer sub.Close()

	view, err := h.status.Get(ctx, canonical)
	if err != nil {
		h.writeLookupError(w, jobID, err)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot, err := json.Marshal(view)
	if err != nil {
		h.logger.Error("failed to encode status snapshot", slog.String("error", err.Error()))
		return
	}
	if err := writeEvent(w, rc, "status", 0, snapshot); err != nil {
		return
	}

	stream := make(chan events.Event)
	go func() {
		defer close(stream)
		for e := range sub.Events() {
			select {
			case stream <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, "", e.Seq, e.Payload); err != nil {
				h.logger.Debug("event stream closed", slog.String("job_id", canonical), slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// GetBlob handles GET /v1/blobs/{key...} requests for objects in local storage.
func (h *Handlers) GetBlob(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusNotFound, "blob serving is disabled", "BLOBS_DISABLED")
		return
	}
	key := r.PathValue("key")
	q := r.URL.Query()

	if err := h.blobs.Verify(key, q.Get("expires"), q.Get("signature")); err != nil {
		if errors.Is(err, storage.ErrURLExpired) {
			writeError(w, http.StatusForbidden, "url expired", "URL_EXPIRED")
			return
		}
		writeError(w, http.StatusForbidden, "invalid signature", "INVALID_SIGNATURE")
		return
	}

	f, err := h.blobs.Open(key)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "object not found", "OBJECT_NOT_FOUND")
		return
	case errors.Is(err, storage.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid object key", "INVALID_KEY")
		return
	case err != nil:
		h.logger.Error("failed to open blob", slog.String("key", key), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read object", "BLOB_READ_FAILED")
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read object", "BLOB_READ_FAILED")
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(key))
	http.ServeContent(w, r, path.Base(key), info.ModTime(), f)
}

func (h *Handlers) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	if !errors.Is(err, job.ErrNotFound) {
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	h.writeJobError(w, err, "failed to get job", "JOB_FETCH_FAILED")
}

// writeJobError maps job errors to HTTP statuses. Errors outside the job
// taxonomy get a 500 with the given message and code.
func (h *Handlers) writeJobError(w http.ResponseWriter, err error, message, code string) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, job.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error(), "STATE_CONFLICT")
	default:
		writeError(w, http.StatusInternalServerError, message, code)
	}
}

// inputKey is the storage key of a job's uploaded source. Only a short
// alphanumeric extension of the client's file name is kept.
func inputKey(jobID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	return "inputs/" + jobID + ext
}

// writeEvent writes one SSE frame and flushes it. An empty name sends an
// unnamed message event; seq 0 omits the id line.
func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, seq int64, data []byte) error {
	var b strings.Builder
	if name != "" {
		b.WriteString("event: " + name + "\n")
	}
	if seq > 0 {
		fmt.Fprintf(&b, "id: %d\n", seq)
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	return rc.Flush()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
