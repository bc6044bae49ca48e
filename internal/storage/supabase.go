package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type SupabaseStorage struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	opts       Options
	resumable  *ResumableClient
}

func NewSupabaseStorage(supabaseURL, serviceKey string, opts Options) *SupabaseStorage {
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	baseURL := supabaseURL + "/storage/v1"
	return &SupabaseStorage{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: httpClient,
		opts:       opts,
		resumable:  NewResumableClient(baseURL+"/upload/resumable", serviceKey, opts.ChunkSize, httpClient),
	}
}

func (s *SupabaseStorage) objectURL(bucket, path string) string {
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, bucket, path)
}

// Upload sends body to bucket/path, overwriting any existing object.
func (s *SupabaseStorage) Upload(ctx context.Context, obj Object, body io.ReaderAt, size int64, progress ProgressFunc) (*UploadResult, error) {
	if SelectStrategy(size, s.opts.SingleShotThreshold) == StrategyChunked {
		sess, err := s.resumable.Upload(ctx, obj, body, size, progress)
		if err != nil {
			return nil, err
		}
		return &UploadResult{Strategy: StrategyChunked, Chunks: sess.ChunksSent, Bytes: sess.BytesSent}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(obj.Bucket, obj.Path), io.NewSectionReader(body, 0, size))
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", obj.ContentType)
	req.Header.Set("x-upsert", "true")
	if obj.CacheControl != "" {
		req.Header.Set("cache-control", "max-age="+obj.CacheControl)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Op: "upload", StatusCode: resp.StatusCode, Body: string(body)}
	}

	if progress != nil {
		progress(size, size)
	}
	return &UploadResult{Strategy: StrategySingleShot, Chunks: 1, Bytes: size}, nil
}

func (s *SupabaseStorage) Download(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(bucket, path), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &StatusError{Op: "download", StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}

// Delete removes bucket/path. A missing object is not an error, so
// compensating deletes can be repeated.
func (s *SupabaseStorage) Delete(ctx context.Context, bucket, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(bucket, path), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: "delete", StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}
