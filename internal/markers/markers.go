// Package markers reads the small text objects that record the last published
// version of each tracked build component.
//
// A missing object is a valid state (the component was never built) and is
// reported as ErrNotFound; callers treat it, and any other read failure, as
// an absent value.
package markers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
)

// maxMarkerBytes bounds marker reads; markers hold a bare version string.
const maxMarkerBytes = 4096

var ErrNotFound = errors.New("marker not found")

type Reader interface {
	ReadTextMarker(ctx context.Context, key string) (string, error)
}

type MinioReader struct {
	client *minio.Client
	bucket string
}

func NewMinioReader(client *minio.Client, bucket string) (*MinioReader, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &MinioReader{client: client, bucket: bucket}, nil
}

func (r *MinioReader) ReadTextMarker(ctx context.Context, key string) (string, error) {
	if r == nil || r.client == nil {
		return "", errors.New("marker reader not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("marker key is required")
	}
	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", classify(r.bucket, key, err)
	}
	defer func() { _ = obj.Close() }()

	body, err := io.ReadAll(io.LimitReader(obj, maxMarkerBytes))
	if err != nil {
		return "", classify(r.bucket, key, err)
	}
	return Normalize(string(body)), nil
}

func classify(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	}
	return fmt.Errorf("read marker s3://%s/%s: %w", bucket, key, err)
}

// Normalize strips the trailing newline and surrounding whitespace written by
// the build process.
func Normalize(raw string) string {
	return strings.TrimSpace(strings.TrimRight(raw, "\r\n"))
}

// ParseIncluded interprets an included marker. Only "yes" and "true" count.
func ParseIncluded(raw string) bool {
	switch strings.ToLower(Normalize(raw)) {
	case "yes", "true":
		return true
	default:
		return false
	}
}

// Static serves markers from memory.
type Static map[string]string

func (s Static) ReadTextMarker(ctx context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Normalize(v), nil
}
