package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload)
	return p.err
}

func (p *recordingPublisher) all() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Send(ctx context.Context, body string) (string, error) {
	args := m.Called(ctx, body)
	return args.String(0), args.Error(1)
}

type failingRepository struct {
	*MemoryRepository
	saveErr error
}

func (r *failingRepository) Save(ctx context.Context, job *Job) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.MemoryRepository.Save(ctx, job)
}

func TestService_UploadFlow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	queue := &mockEnqueuer{}
	svc := NewService(repo, queue, pub, nil)

	created, err := svc.Create(ctx, "", "inputs/clip.mxf")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, created.Status)
	assert.Empty(t, pub.all(), "create publishes nothing")

	queue.On("Send", mock.Anything, created.ID).Return("msg-1", nil).Once()

	queued, err := svc.CompleteUpload(ctx, created.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
	queue.AssertExpectations(t)
	assert.Equal(t, []any{QueuedEvent{Status: "queued"}}, pub.all())

	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.FileSize)
}

func TestService_CompleteUpload_ValidationLeavesJobUntouched(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	queue := &mockEnqueuer{}
	svc := NewService(repo, queue, &recordingPublisher{}, nil)

	created, err := svc.Create(ctx, "", "inputs/clip.mxf")
	require.NoError(t, err)

	_, err = svc.CompleteUpload(ctx, created.ID, 0)
	assert.ErrorIs(t, err, ErrValidation)
	queue.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)

	stored, _ := repo.FindByID(ctx, created.ID)
	assert.Equal(t, StatusUploading, stored.Status)
}

func TestService_CompleteUpload_EnqueueFailureMarksError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	queue := &mockEnqueuer{}
	svc := NewService(repo, queue, pub, nil)

	created, err := svc.Create(ctx, "", "inputs/clip.mxf")
	require.NoError(t, err)

	queue.On("Send", mock.Anything, created.ID).Return("", errors.New("redis down")).Once()

	_, err = svc.CompleteUpload(ctx, created.ID, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	queue.AssertExpectations(t)

	stored, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "enqueue failed")
	assert.Equal(t, []any{ErrorEvent{Status: "error", Error: stored.ErrorMessage}}, pub.all())
}

func TestService_ProcessingFlowPublishesInOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	svc := NewService(repo, nil, pub, nil)

	job := newUploading(t)
	require.NoError(t, job.MarkUploadCompleted(10))
	require.NoError(t, repo.Save(ctx, job))

	_, err := svc.StartProcessing(ctx, job.ID)
	require.NoError(t, err)
	svc.ReportProgress(ctx, job.ID, 0.5)
	done, err := svc.FinishProcessing(ctx, job.ID, job.ID+".mp4")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	half := 0.5
	assert.Equal(t, []any{
		ProcessingEvent{Status: "processing", Attempt: 1},
		ProcessingEvent{Status: "processing", Progress: &half},
		DoneEvent{Status: "done", Output: job.ID + ".mp4"},
	}, pub.all())
}

func TestService_ReportErrorThenRetry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	svc := NewService(repo, nil, pub, nil)

	job := newUploading(t)
	require.NoError(t, job.MarkUploadCompleted(10))
	require.NoError(t, job.MarkProcessingStarted())
	require.NoError(t, repo.Save(ctx, job))

	failed, err := svc.ReportError(ctx, job.ID, "ffmpeg exited with code 1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, failed.Status)

	retried, err := svc.RetryProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, retried.Status)
	assert.Equal(t, 2, retried.Attempts)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, ErrorEvent{Status: "error", Error: "ffmpeg exited with code 1"}, events[0])
	assert.Equal(t, ProcessingEvent{Status: "processing", Attempt: 2}, events[1])
}

func TestService_StateConflictPublishesNothing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	svc := NewService(repo, nil, pub, nil)

	job := newUploading(t)
	require.NoError(t, repo.Save(ctx, job))

	_, err := svc.StartProcessing(ctx, job.ID)

	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StatusUploading, conflict.Current)
	assert.Equal(t, StatusProcessing, conflict.Requested)
	assert.Empty(t, pub.all())
}

func TestService_NotFound(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil, nil, nil)

	_, err := svc.ReportError(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_SaveFailurePublishesNothing(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRepository()
	job := newUploading(t)
	require.NoError(t, job.MarkUploadCompleted(10))
	require.NoError(t, mem.Save(ctx, job))

	repo := &failingRepository{MemoryRepository: mem, saveErr: errors.New("redis down")}
	pub := &recordingPublisher{}
	svc := NewService(repo, nil, pub, nil)

	_, err := svc.StartProcessing(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Empty(t, pub.all())
}

func TestService_PublishFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	job := newUploading(t)
	require.NoError(t, job.MarkUploadCompleted(10))
	require.NoError(t, repo.Save(ctx, job))

	svc := NewService(repo, nil, &recordingPublisher{err: errors.New("relay down")}, nil)

	started, err := svc.StartProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, started.Status)
}
