package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinIOStorage_ReadURL(t *testing.T) {
	s, err := NewMinIOStorage(MinIOConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "videos",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	raw, err := s.ReadURL(context.Background(), "3f0c9a4e.mp4", 10*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "/videos/3f0c9a4e.mp4", u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestMinIOStorage_DefaultRegion(t *testing.T) {
	s, err := NewMinIOStorage(MinIOConfig{Endpoint: "localhost:9000", Bucket: "videos"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.region)
}

func TestMinIOStorage_RejectsInvalidKey(t *testing.T) {
	s, err := NewMinIOStorage(MinIOConfig{Endpoint: "localhost:9000", Bucket: "videos"})
	require.NoError(t, err)

	err = s.Upload(context.Background(), "../escape", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewMinIOStorage_InvalidEndpoint(t *testing.T) {
	_, err := NewMinIOStorage(MinIOConfig{Endpoint: "http://localhost:9000", Bucket: "videos"})
	assert.Error(t, err)
}
