package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrFFprobeExecution is returned when ffprobe fails.
var ErrFFprobeExecution = errors.New("ffprobe execution failed")

const (
	stderrTailLines  = 20
	defaultWaitDelay = 5 * time.Second
)

// Compile-time check that FFmpegRunner implements Runner.
var _ Runner = (*FFmpegRunner)(nil)

// FFmpegRunner implements Runner using the ffmpeg and ffprobe CLIs.
type FFmpegRunner struct {
	ffmpegPath  string
	ffprobePath string
	waitDelay   time.Duration
	logger      *slog.Logger
}

// Option configures an FFmpegRunner.
type Option func(*FFmpegRunner)

// WithFFmpegPath sets the ffmpeg binary. Defaults to "ffmpeg" (found via PATH).
func WithFFmpegPath(path string) Option {
	return func(r *FFmpegRunner) {
		if path != "" {
			r.ffmpegPath = path
		}
	}
}

// WithFFprobePath sets the ffprobe binary. Defaults to "ffprobe" (found via PATH).
func WithFFprobePath(path string) Option {
	return func(r *FFmpegRunner) {
		if path != "" {
			r.ffprobePath = path
		}
	}
}

// WithLogger sets the logger used for encoder diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *FFmpegRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWaitDelay bounds how long Run waits for the encoder's output pipes to
// close after the process was killed.
func WithWaitDelay(d time.Duration) Option {
	return func(r *FFmpegRunner) {
		r.waitDelay = d
	}
}

// NewFFmpegRunner creates a runner.
func NewFFmpegRunner(opts ...Option) *FFmpegRunner {
	r := &FFmpegRunner{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		waitDelay:   defaultWaitDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EncodeArgs returns the ffmpeg arguments of the fixed rendition: H.264 high
// profile capped at 1280x720, AAC stereo, fast-start MP4, with machine
// readable progress on stdout.
func EncodeArgs(input, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "4M",
		"-bufsize", "8M",
		"-profile:v", "high",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		"-vf", "scale='min(1280,iw)':'min(720,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2,format=yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-movflags", "+faststart",
		"-g", "30",
		"-keyint_min", "30",
		"-f", "mp4",
		output,
		"-progress", "pipe:1",
		"-nostats",
	}
}

// Probe returns the media duration of path as reported by ffprobe.
func (r *FFmpegRunner) Probe(ctx context.Context, path string) (time.Duration, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, strings.TrimSpace(stderr.String()))
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%w: non-positive duration %v", ErrFFprobeExecution, seconds)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Run transcodes input into output. A failed probe only degrades progress
// reporting to 0 and 1. Cancelling ctx kills the encoder and returns an
// error wrapping ErrCancelled.
func (r *FFmpegRunner) Run(ctx context.Context, input, output string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	log := r.logger.With(slog.String("input", input))

	duration, err := r.Probe(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		log.Warn("probe failed, progress limited to start and end", slog.String("error", err.Error()))
		duration = 0
	}

	args := EncodeArgs(input, output)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	cmd.WaitDelay = r.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	onProgress(0)

	fractions := make(chan float64, 16)
	tail := newLineTail(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(fractions)
		r.readProgress(ctx, stdout, duration, fractions, log)
	}()
	go func() {
		defer wg.Done()
		r.readStderr(stderr, tail, log)
	}()

	last := 0.0
loop:
	for {
		select {
		case f, ok := <-fractions:
			if !ok {
				break loop
			}
			if f > last && ctx.Err() == nil {
				last = f
				onProgress(f)
			}
		case <-ctx.Done():
			break loop
		}
	}
	// On cancellation Wait must run first so that WaitDelay can close pipes
	// still held open by the killed process tree.
	if ctx.Err() == nil {
		wg.Wait()
	}
	waitErr := cmd.Wait()
	wg.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{ExitCode: exitErr.ExitCode(), Stderr: tail.String(), Err: waitErr}
		}
		return fmt.Errorf("ffmpeg: %w", waitErr)
	}

	if last < 1 {
		onProgress(1)
	}
	return nil
}

func (r *FFmpegRunner) readProgress(ctx context.Context, rd io.Reader, duration time.Duration, out chan<- float64, log *slog.Logger) {
	tracker := &progressTracker{duration: duration}
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		f, ok, err := tracker.feed(scanner.Text())
		if err != nil {
			log.Debug("unparseable progress line", slog.String("line", scanner.Text()), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- f:
		case <-ctx.Done():
		}
	}
}

func (r *FFmpegRunner) readStderr(rd io.Reader, tail *lineTail, log *slog.Logger) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		log.Debug("ffmpeg", slog.String("stderr", line))
	}
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
