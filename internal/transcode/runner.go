// Package transcode runs the external encoder that turns a source media file
// into the fixed web rendition, reporting progress as it goes.
package transcode

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when the run was stopped by its context.
var ErrCancelled = errors.New("transcode cancelled")

// ProgressFunc receives completion fractions in [0, 1]. Successive values
// never decrease. It is called on the goroutine that invoked Run.
type ProgressFunc func(fraction float64)

// Runner transcodes input into output.
type Runner interface {
	Run(ctx context.Context, input, output string, onProgress ProgressFunc) error
}

// ExitError is returned when the encoder exits with a non-zero code.
type ExitError struct {
	ExitCode int
	// Stderr holds the last lines the encoder wrote to stderr.
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
