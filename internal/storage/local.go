package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var (
	// ErrSignatureInvalid is returned when a signed URL does not verify.
	ErrSignatureInvalid = errors.New("storage: invalid signature")
	// ErrURLExpired is returned when a signed URL is past its expiry.
	ErrURLExpired = errors.New("storage: url expired")
	// ErrSigningKeyRequired is returned when LocalStorage is created without a key.
	ErrSigningKeyRequired = errors.New("storage: signing key is required")
)

// Compile-time check that LocalStorage implements ObjectStorage.
var _ ObjectStorage = (*LocalStorage)(nil)

// LocalStorage implements ObjectStorage on local disk. Read URLs point at the
// HTTP server's blob route and carry an HMAC signature over key and expiry.
type LocalStorage struct {
	root       string
	baseURL    *url.URL
	signingKey []byte
	now        func() time.Time
}

// NewLocalStorage creates a LocalStorage rooted at root.
// If root is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(root, baseURL string, signingKey []byte) (*LocalStorage, error) {
	if len(signingKey) == 0 {
		return nil, ErrSigningKeyRequired
	}
	if root == "" {
		root = filepath.Join(os.TempDir(), "mxf-objects")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &LocalStorage{root: root, baseURL: u, signingKey: signingKey, now: time.Now}, nil
}

// Root returns the storage directory.
func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Upload writes body to a temporary file and renames it into place.
func (s *LocalStorage) Upload(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close object %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store object %s: %w", key, err)
	}
	return nil
}

// Download copies the object to destPath.
func (s *LocalStorage) Download(ctx context.Context, key, destPath string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	src, err := s.Open(key)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(destPath) // #nosec G304 - destPath is a worker-owned path
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy object %s: %w", key, err)
	}
	return dst.Close()
}

// Open opens the object for reading. The caller closes the file.
func (s *LocalStorage) Open(key string) (*os.File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 - key validated by ValidateKey
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, nil
}

// ReadURL returns a signed URL served by the blob route.
func (s *LocalStorage) ReadURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	u := s.baseURL.JoinPath("v1", "blobs", key)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(key, expires))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks a signature produced by ReadURL.
func (s *LocalStorage) Verify(key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrURLExpired
	}
	return nil
}

func (s *LocalStorage) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
