// Package server provides the HTTP server for the transcode API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// uploadForm is the validated view of a multipart upload.
type uploadForm struct {
	// Filename is the client-supplied name; only its extension is kept.
	Filename string `validate:"required,max=255"`
	// Size is the number of bytes in the file part.
	Size int64 `validate:"gt=0"`
}

// CreateJobResponse is the HTTP response after accepting an upload.
type CreateJobResponse struct {
	// ProcessID is the unique identifier for the created job.
	ProcessID string `json:"processId"`
	// Status is the job status after the upload, normally "queued".
	Status string `json:"status"`
	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"createdAt"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
