package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

func TestIngest_Committed(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())

	var progress []int64
	req := request(chatML(10))
	req.Progress = func(sent, _ int64) { progress = append(progress, sent) }

	res, err := h.svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.True(t, res.Accepted)
	assert.Equal(t, StateCommitted, res.Run.State)
	assert.Equal(t, []State{
		StateDetecting, StateNormalizing, StateValidating, StateCompressing,
		StateUploading, StateUploaded, StateRecording, StateCommitted,
	}, res.Run.Path())

	ds := res.Dataset
	assert.Equal(t, storage.DatasetPath("user-1", ds.ID), ds.StoragePath)
	assert.Equal(t, 10, ds.TotalExamples)
	assert.Equal(t, "chatml", ds.Format)
	assert.Equal(t, "chatml", ds.DetectedFormat)
	assert.False(t, ds.FormatMismatch)
	assert.Equal(t, "gzip", ds.Compression.Type)
	assert.Greater(t, ds.Compression.Ratio(), 0.0)
	assert.Less(t, ds.Compression.Ratio(), 1.0)
	assert.Len(t, ds.CostEstimates, 4)
	assert.Equal(t, int64(len(req.Data)), ds.FileSizeBytes)
	require.Len(t, progress, 1)
	assert.Equal(t, ds.Compression.CompressedBytes, progress[0])

	// the artifact is gzip JSONL with one line per example
	zr, err := gzip.NewReader(bytes.NewReader(h.storage.object(testBucket, ds.StoragePath)))
	require.NoError(t, err)
	sc := bufio.NewScanner(zr)
	var lines int
	for sc.Scan() {
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, 10, lines)

	got, err := h.svc.Dataset(context.Background(), "user-1", ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.ID, got.ID)

	run, err := h.svc.Status(context.Background(), "user-1", ds.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, run.State)

	_, err = h.svc.Status(context.Background(), "someone-else", ds.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	list, err := h.svc.Datasets(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIngest_FormatMismatchUsesDetectedFormat(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())

	req := request(chatML(4))
	req.DeclaredFormat = "jsonl"
	res, err := h.svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "jsonl", res.Dataset.Format)
	assert.Equal(t, "chatml", res.Dataset.DetectedFormat)
	assert.True(t, res.Dataset.FormatMismatch)
	assert.Equal(t, 4, res.Dataset.TotalExamples)
}

func TestIngest_InvalidDataset(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())

	data := append([]byte(strings.Repeat("this is not json\n", 6)), chatML(4)...)
	res, err := h.svc.Ingest(context.Background(), request(data))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	var ie *Error
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "invalid_dataset", ie.Code())
	require.NotEmpty(t, ie.Details)
	assert.Contains(t, ie.Details[0], "6 of 10")

	require.NotNil(t, res)
	assert.False(t, res.Validation.Valid)
	assert.Equal(t, StateFailed, res.Run.State)
	assert.Nil(t, res.Dataset)
	assert.Zero(t, h.storage.count())
	assert.Zero(t, h.catalog.recordCalls())
}

func TestIngest_UnparseableFile(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())

	_, err := h.svc.Ingest(context.Background(), request([]byte(`[{"messages": [`)))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Zero(t, h.storage.count())
}

func TestIngest_RejectsBadRequest(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())

	res, err := h.svc.Ingest(context.Background(), Request{
		UserID:         "user-1",
		DeclaredFormat: "parquet",
		Hardware:       "tpu",
	})
	assert.Nil(t, res)
	require.Error(t, err)

	var ie *Error
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindValidation, ie.Kind)
	assert.Len(t, ie.Details, 4)
	assert.Contains(t, ie.Details, `unsupported format "parquet" (supported: chatml, sharegpt, dpo, rlhf, jsonl, raw_text)`)
}

func TestIngest_RejectsOversizedFile(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(), func(cfg *config.IngestConfig, _ *Deps) {
		cfg.MaxUploadBytes = 64
	})

	_, err := h.svc.Ingest(context.Background(), request(chatML(5)))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestIngest_StorageNotConfigured(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(), withoutStorage())

	_, err := h.svc.Ingest(context.Background(), request(chatML(2)))
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestIngest_UploadFailure(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())
	h.storage.uploadErr = &storage.StatusError{Op: "upload", StatusCode: 503, Body: "unavailable"}

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))

	var se *storage.StatusError
	assert.True(t, errors.As(err, &se))

	assert.Equal(t, StateFailed, res.Run.State)
	path := res.Run.Path()
	assert.Equal(t, StateUploadFailed, path[len(path)-2])
	assert.Zero(t, h.catalog.recordCalls())
}

func TestIngest_CatalogFailureRollsBack(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(fail(errBoom)))

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, res.Persisted)
	assert.False(t, res.Accepted)

	assert.Equal(t, StateRolledBack, res.Run.State)
	assert.Equal(t, []State{StateRecording, StateRollbackUploading, StateRolledBack}, res.Run.Path()[6:])
	assert.False(t, h.storage.has(testBucket, res.Dataset.StoragePath))

	_, err = h.svc.Dataset(context.Background(), "user-1", res.Dataset.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestIngest_CompensationFailureIsReported(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(fail(errBoom)))
	h.storage.deleteFails = deleteAttempts

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Equal(t, StateRolledBack, res.Run.State)
	assert.Contains(t, res.Run.Error, "orphaned")
	assert.True(t, h.storage.has(testBucket, res.Dataset.StoragePath))
}

func TestIngest_DeadlineDefersCatalogWrite(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(hang))

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Persisted)
	assert.Equal(t, StateRecording, res.Run.State)
	assert.Equal(t, RetryPending, res.Run.Retry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := h.retrier.Wait(ctx, res.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, RetrySucceeded, status)

	run := h.status(t, res.Dataset.ID)
	assert.Equal(t, StateCommitted, run.State)
	assert.Equal(t, RetrySucceeded, run.Retry)
	assert.Equal(t, 1, run.RetryAttempts)

	_, err = h.svc.Dataset(context.Background(), "user-1", res.Dataset.ID)
	assert.NoError(t, err)
	assert.True(t, h.storage.has(testBucket, res.Dataset.StoragePath))
}

func TestIngest_DeferredRetriesExhausted(t *testing.T) {
	cat := newScriptedCatalog(hang)
	cat.after = fail(errBoom)
	h := newHarness(t, cat)

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := h.retrier.Wait(ctx, res.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, RetryExhausted, status)

	run := h.status(t, res.Dataset.ID)
	assert.Equal(t, StateRolledBack, run.State)
	assert.Equal(t, RetryExhausted, run.Retry)
	assert.Equal(t, 3, run.RetryAttempts)
	assert.False(t, h.storage.has(testBucket, res.Dataset.StoragePath))
	assert.Equal(t, 4, cat.recordCalls())
}

func TestIngest_DeadlineWithoutDeferrerRollsBack(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(hang), withoutDeferrer())

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateRolledBack, res.Run.State)
	assert.False(t, h.storage.has(testBucket, res.Dataset.StoragePath))
}

func TestIngest_DeferralFailureRollsBack(t *testing.T) {
	h := newHarness(t, newScriptedCatalog(hang), withDeferrer(failingDeferrer{}))

	res, err := h.svc.Ingest(context.Background(), request(chatML(3)))
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateRolledBack, res.Run.State)
	assert.Equal(t, RetryNone, res.Run.Retry)
}

func TestAnalyze(t *testing.T) {
	h := newHarness(t, newScriptedCatalog())

	a, err := h.svc.Analyze(context.Background(), Request{DeclaredFormat: "sharegpt", Data: chatML(5), Epochs: 2, Hardware: "h100"})
	require.NoError(t, err)
	assert.True(t, a.Validation.Valid)
	assert.True(t, a.FormatMismatch)
	assert.Equal(t, 2, a.Epochs)
	assert.Equal(t, "h100", a.Hardware)
	assert.Positive(t, a.EstimatedTokens)
	assert.Len(t, a.CostEstimates, 4)
	assert.Zero(t, h.storage.count())

	a, err = h.svc.Analyze(context.Background(), Request{DeclaredFormat: "chatml", Data: []byte(`[{"messages": [`)})
	require.NoError(t, err)
	assert.False(t, a.Validation.Valid)
	assert.Equal(t, config.DefaultIngestConfig().DefaultEpochs, a.Epochs)
	assert.Nil(t, a.CostEstimates)
}

func TestNewService_RequiresCatalog(t *testing.T) {
	_, err := NewService(config.DefaultIngestConfig(), Deps{})
	assert.Error(t, err)

	cfg := config.DefaultIngestConfig()
	cfg.PairPolicy = "first"
	_, err = NewService(cfg, Deps{Catalog: catalog.NewMemoryStore()})
	assert.Error(t, err)
}
