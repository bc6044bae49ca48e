package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	tusVersion       = "1.0.0"
	DefaultChunkSize = 6 << 20
)

// UploadSession tracks one chunked upload attempt. It lives only as long as
// the attempt; there is no way to resume it after a restart.
type UploadSession struct {
	SessionURL string
	TotalBytes int64
	ChunkSize  int64
	// BytesSent only advances when the server acknowledges a chunk.
	BytesSent  int64
	ChunksSent int
}

// ResumableClient speaks the tus 1.0.0 creation and core protocol used by
// Supabase Storage. Chunks are sent strictly in order, each after the
// previous one is acknowledged, from a single reusable buffer. Any failure
// aborts the attempt; the offset is never re-probed.
type ResumableClient struct {
	endpoint   string
	serviceKey string
	chunkSize  int64
	httpClient *http.Client
}

func NewResumableClient(endpoint, serviceKey string, chunkSize int64, httpClient *http.Client) *ResumableClient {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ResumableClient{endpoint: endpoint, serviceKey: serviceKey, chunkSize: chunkSize, httpClient: httpClient}
}

// Upload creates a session and streams size bytes of body through it. The
// returned session is non-nil whenever the session was created, including on
// error, and reports how far the server confirmed.
func (c *ResumableClient) Upload(ctx context.Context, obj Object, body io.ReaderAt, size int64, progress ProgressFunc) (*UploadSession, error) {
	sess, err := c.createSession(ctx, obj, size)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, min(c.chunkSize, size))
	for sess.BytesSent < sess.TotalBytes {
		if err := ctx.Err(); err != nil {
			return sess, fmt.Errorf("upload stopped at offset %d: %w", sess.BytesSent, err)
		}

		chunk := buf[:min(c.chunkSize, sess.TotalBytes-sess.BytesSent)]
		if err := readChunk(body, chunk, sess.BytesSent); err != nil {
			return sess, err
		}

		acked, err := c.sendChunk(ctx, sess, chunk)
		if err != nil {
			return sess, fmt.Errorf("chunk %d at offset %d: %w", sess.ChunksSent+1, sess.BytesSent, err)
		}
		sess.BytesSent = acked
		sess.ChunksSent++

		if progress != nil {
			progress(sess.BytesSent, sess.TotalBytes)
		}
	}
	return sess, nil
}

func (c *ResumableClient) createSession(ctx context.Context, obj Object, size int64) (*UploadSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	req.Header.Set("Upload-Metadata", encodeMetadata(
		"bucketName", obj.Bucket,
		"objectName", obj.Path,
		"contentType", obj.ContentType,
		"cacheControl", obj.CacheControl,
	))
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Op: "create upload session", StatusCode: resp.StatusCode, Body: string(body)}
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, errors.New("create upload session: response has no Location header")
	}
	sessionURL, err := req.URL.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("create upload session: bad Location %q: %w", loc, err)
	}

	return &UploadSession{
		SessionURL: sessionURL.String(),
		TotalBytes: size,
		ChunkSize:  c.chunkSize,
	}, nil
}

// sendChunk PATCHes chunk at the session's current offset and returns the
// offset the server acknowledged.
func (c *ResumableClient) sendChunk(ctx context.Context, sess *UploadSession, chunk []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sess.SessionURL, bytes.NewReader(chunk))
	if err != nil {
		return 0, fmt.Errorf("create chunk request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", strconv.FormatInt(sess.BytesSent, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send chunk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{Op: "send chunk", StatusCode: resp.StatusCode, Body: string(body)}
	}

	want := sess.BytesSent + int64(len(chunk))
	got, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chunk acknowledged without a valid Upload-Offset: %w", err)
	}
	if got != want {
		return 0, fmt.Errorf("server acknowledged offset %d, expected %d", got, want)
	}
	return got, nil
}

// encodeMetadata builds an Upload-Metadata header from key/value pairs.
// Empty values are sent as a bare key.
func encodeMetadata(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			parts = append(parts, kv[i])
			continue
		}
		parts = append(parts, kv[i]+" "+base64.StdEncoding.EncodeToString([]byte(kv[i+1])))
	}
	return strings.Join(parts, ",")
}
