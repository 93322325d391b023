// Package id provides unique identifier generation and parsing for jobs.
package id

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalid is returned when a value is not a valid job identifier.
var ErrInvalid = errors.New("id: invalid job identifier")

// Generate creates a new random job ID in canonical UUID form.
// Example: 3f0c9a4e-5b1d-4c27-9d0e-8a1f2b3c4d5e
func Generate() string {
	return uuid.NewString()
}

// Parse validates s as a job ID and returns its canonical lower-case form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if u == uuid.Nil {
		return "", fmt.Errorf("%w: nil uuid", ErrInvalid)
	}
	return u.String(), nil
}
