// Package storage moves compressed dataset artifacts into a durable object
// store. Small artifacts go up in one request; larger ones are sent as an
// ordered sequence of acknowledged chunks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/datasetingest/internal/config"
)

var ErrNotConfigured = errors.New("storage: backend not configured")

type Strategy string

const (
	StrategySingleShot Strategy = "single_shot"
	StrategyChunked    Strategy = "chunked"
)

// SelectStrategy picks single-shot for payloads up to and including
// threshold bytes and chunked above it.
func SelectStrategy(size, threshold int64) Strategy {
	if size <= threshold {
		return StrategySingleShot
	}
	return StrategyChunked
}

// Object addresses one artifact and the metadata stored with it.
type Object struct {
	Bucket       string
	Path         string
	ContentType  string
	CacheControl string
}

type UploadResult struct {
	Strategy Strategy `json:"strategy"`
	Chunks   int      `json:"chunks"`
	Bytes    int64    `json:"bytes"`
}

// ProgressFunc is called after each acknowledged chunk with the bytes
// confirmed so far. Single-shot uploads report once, on success.
type ProgressFunc func(sent, total int64)

type Storage interface {
	Upload(ctx context.Context, obj Object, body io.ReaderAt, size int64, progress ProgressFunc) (*UploadResult, error)
	Download(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, path string) error
}

// Options tunes strategy selection for a backend.
type Options struct {
	SingleShotThreshold int64
	ChunkSize           int64
}

// StatusError is a non-2xx answer from the object store.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed (%d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, e.Body)
}

// DatasetPath is the object key for a dataset artifact.
func DatasetPath(userID string, datasetID uuid.UUID) string {
	return fmt.Sprintf("%s/datasets/%s.jsonl.gz", userID, datasetID)
}

// New builds the backend named in cfg.
func New(ctx context.Context, cfg config.StorageConfig, opts Options) (Storage, error) {
	switch cfg.Backend {
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return nil, ErrNotConfigured
		}
		return NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, opts), nil
	case "s3":
		s3s, err := NewS3Storage(ctx, S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Profile:         cfg.S3Profile,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3PathStyle,
		}, opts)
		if err != nil {
			return nil, err
		}
		return s3s, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNotConfigured, cfg.Backend)
	}
}

// readChunk fills buf from body at off.
func readChunk(body io.ReaderAt, buf []byte, off int64) error {
	n, err := body.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read chunk at offset %d: %w", off, err)
}
