// Package storage provides object storage for source and transcoded media
// and the per-job working directories used while transcoding.
// It defines the ObjectStorage interface (port) for hexagonal architecture and
// implementations for local disk, AWS S3 and MinIO.
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrInvalidKey is returned when an object key is empty or escapes the store root.
	ErrInvalidKey = errors.New("storage: invalid object key")
	// ErrObjectNotFound is returned when a requested object does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
)

// ObjectStorage stores media objects under string keys.
type ObjectStorage interface {
	// Upload stores body under key. size is the body length, -1 if unknown.
	Upload(ctx context.Context, key string, body io.Reader, size int64) error

	// Download writes the object stored under key to the local file destPath.
	Download(ctx context.Context, key, destPath string) error

	// ReadURL returns a URL granting read access to key until ttl elapses.
	ReadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ValidateKey rejects keys that are empty, absolute or contain "..".
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || !filepath.IsLocal(filepath.FromSlash(key)) {
		return ErrInvalidKey
	}
	return nil
}

// ContentType returns the MIME type to store with key.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".mxf":
		return "application/mxf"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".ts":
		return "video/mp2t"
	}
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}
