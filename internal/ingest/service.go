// Package ingest runs one dataset ingestion end to end: detect, normalize,
// validate, compress, upload, then record the catalog entry. The upload and
// the catalog write form a two-phase commit; if the second phase fails the
// uploaded artifact is deleted.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/cost"
	"github.com/nikhilbhutani/datasetingest/internal/dataset"
	"github.com/nikhilbhutani/datasetingest/internal/metrics"
	"github.com/nikhilbhutani/datasetingest/internal/models"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

const tracerName = "github.com/nikhilbhutani/datasetingest/internal/ingest"

// Deps are the collaborators of a Service. Storage may be nil, in which
// case every ingestion fails with a configuration error.
type Deps struct {
	Storage  storage.Storage
	Bucket   string
	Catalog  catalog.Store
	Runs     StatusStore
	Deferrer Deferrer
	Pricing  cost.Table
	Recovery *Recovery
}

type Service struct {
	cfg      config.IngestConfig
	opts     dataset.Options
	storage  storage.Storage
	bucket   string
	catalog  catalog.Store
	runs     StatusStore
	deferrer Deferrer
	pricing  cost.Table
	recovery *Recovery
	tracer   trace.Tracer

	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(cfg config.IngestConfig, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}
	if deps.Catalog == nil {
		return nil, errors.New("ingest: catalog store is required")
	}
	if deps.Runs == nil {
		deps.Runs = NewMemoryStatusStore()
	}
	if deps.Pricing.Providers == nil {
		deps.Pricing = cost.DefaultTable()
	}
	if deps.Recovery == nil {
		deps.Recovery = NewRecovery(deps.Catalog, deps.Storage, deps.Runs)
	}

	return &Service{
		cfg: cfg,
		opts: dataset.Options{
			PairPolicy:               dataset.PairPolicy(cfg.PairPolicy),
			RawTextDelimiter:         cfg.RawTextDelimiter,
			SkipRatioThreshold:       cfg.SkipRatioThreshold,
			EmptyFieldRatioThreshold: cfg.EmptyFieldRatioThreshold,
		},
		storage:  deps.Storage,
		bucket:   deps.Bucket,
		catalog:  deps.Catalog,
		runs:     deps.Runs,
		deferrer: deps.Deferrer,
		pricing:  deps.Pricing,
		recovery: deps.Recovery,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    uuid.New,
	}, nil
}

type Request struct {
	UserID         string
	Name           string
	Description    string
	ConfigRef      string
	DeclaredFormat string
	Data           []byte
	// Epochs and Hardware only shape the cost estimates.
	Epochs   int
	Hardware string
	Progress storage.ProgressFunc
}

type Result struct {
	Dataset    *models.Dataset           `json:"dataset,omitempty"`
	Validation *dataset.ValidationResult `json:"validation,omitempty"`
	Upload     *storage.UploadResult     `json:"upload,omitempty"`
	Run        *Run                      `json:"run,omitempty"`
	// Persisted means the catalog entry is written. Accepted without
	// Persisted means the write was handed to the background retrier.
	Persisted bool `json:"persisted"`
	Accepted  bool `json:"accepted"`
}

// Ingest runs the full pipeline for req. Data-quality problems come back
// as a *Error of KindValidation together with a Result carrying the
// itemized validation output.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	declared, epochs, err := s.checkRequest(req)
	if err != nil {
		metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if s.storage == nil || s.bucket == "" {
		metrics.IngestionsTotal.WithLabelValues("rejected").Inc()
		return nil, &Error{Kind: KindConfiguration, Op: "ingest", Message: "dataset storage is not configured", Err: storage.ErrNotConfigured}
	}

	id := s.newID()
	ctx, span := s.tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("dataset.id", id.String()),
		attribute.String("dataset.declared_format", string(declared)),
		attribute.Int("dataset.size_bytes", len(req.Data)),
	))
	defer span.End()

	run := NewRun(id, req.UserID, s.now())
	res := &Result{Run: run}
	s.save(ctx, run)

	// detect
	start := time.Now()
	_, dspan := s.tracer.Start(ctx, "ingest.detect")
	detection := dataset.Detect(req.Data)
	normFormat := detection.Format
	if normFormat == "" {
		normFormat = declared
	}
	dspan.SetAttributes(attribute.String("dataset.detected_format", detection.Label))
	dspan.End()
	metrics.ObserveStage("detect", start)
	s.step(ctx, run, StateNormalizing, "detected "+labelOr(detection.Label, "nothing"))

	// normalize
	start = time.Now()
	_, nspan := s.tracer.Start(ctx, "ingest.normalize")
	norm, normErr := dataset.Normalize(normFormat, req.Data, s.opts)
	nspan.End()
	metrics.ObserveStage("normalize", start)
	s.step(ctx, run, StateValidating, "")

	// validate
	validation := dataset.Validate(norm, normErr, s.opts)
	res.Validation = validation
	if !validation.Valid {
		s.step(ctx, run, StateFailed, "validation failed")
		run.Error = strings.Join(validation.Errors, "; ")
		s.save(ctx, run)
		metrics.IngestionsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, "validation failed")
		slog.Info("dataset rejected", "dataset_id", id, "kind", validation.Kind, "errors", len(validation.Errors))
		return res, &Error{
			Kind:    KindValidation,
			Op:      "validate",
			Message: "dataset failed validation",
			Details: validation.Errors,
			Err:     normErr,
		}
	}
	s.step(ctx, run, StateCompressing, fmt.Sprintf("%d examples", validation.Stats.TotalExamples))

	// compress into a spool file so upload reads from disk, not memory
	start = time.Now()
	spool, err := os.CreateTemp(s.cfg.SpoolDir, "dataset-*.jsonl.gz")
	if err != nil {
		return s.fail(ctx, span, run, res, &Error{Kind: KindInternal, Op: "compress", Message: "could not stage artifact", Err: err})
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	_, cspan := s.tracer.Start(ctx, "ingest.compress")
	comp, err := dataset.Compress(spool, norm.Examples)
	cspan.End()
	if err != nil {
		return s.fail(ctx, span, run, res, &Error{Kind: KindInternal, Op: "compress", Message: "could not compress dataset", Err: err})
	}
	metrics.ObserveStage("compress", start)
	compression := models.Compression{
		Type:            comp.Type,
		OriginalBytes:   comp.OriginalBytes,
		CompressedBytes: comp.CompressedBytes,
	}
	if compression.OriginalBytes > 0 {
		metrics.CompressionRatio.Observe(compression.Ratio())
	}
	s.step(ctx, run, StateUploading, "")

	// upload
	path := storage.DatasetPath(req.UserID, id)
	obj := storage.Object{
		Bucket:       s.bucket,
		Path:         path,
		ContentType:  dataset.ArtifactContentType,
		CacheControl: s.cfg.CacheControl,
	}
	start = time.Now()
	uctx, uspan := s.tracer.Start(ctx, "ingest.upload", trace.WithAttributes(attribute.Int64("artifact.bytes", comp.CompressedBytes)))
	upload, err := s.storage.Upload(uctx, obj, spool, comp.CompressedBytes, s.progress(req.Progress))
	if err != nil {
		uspan.RecordError(err)
		uspan.End()
		s.step(ctx, run, StateUploadFailed, "")
		s.step(ctx, run, StateFailed, "upload aborted")
		run.Error = "artifact upload failed"
		s.save(ctx, run)
		metrics.IngestionsTotal.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, "upload failed")
		slog.Error("artifact upload failed", "dataset_id", id, "path", path, "error", err)
		return res, &Error{Kind: KindTransport, Op: "upload", Message: "artifact upload failed", Err: err}
	}
	uspan.SetAttributes(attribute.String("upload.strategy", string(upload.Strategy)), attribute.Int("upload.chunks", upload.Chunks))
	uspan.End()
	metrics.ObserveStage("upload", start)
	metrics.UploadedBytesTotal.WithLabelValues(string(upload.Strategy)).Add(float64(upload.Bytes))
	res.Upload = upload
	s.step(ctx, run, StateUploaded, fmt.Sprintf("%s, %d chunks", upload.Strategy, upload.Chunks))

	// cost estimates; inputs were checked up front so this cannot fail
	estimates, err := s.pricing.EstimateAll(cost.EstimateTokens(*validation.Stats), epochs, req.Hardware)
	if err != nil {
		slog.Warn("cost estimation failed", "dataset_id", id, "error", err)
	}

	ds := &models.Dataset{
		ID:              id,
		UserID:          req.UserID,
		Name:            req.Name,
		Description:     req.Description,
		ConfigRef:       req.ConfigRef,
		Format:          string(declared),
		DetectedFormat:  string(detection.Format),
		FormatMismatch:  detection.Mismatch(declared),
		StoragePath:     path,
		FileSizeBytes:   int64(len(req.Data)),
		TotalExamples:   validation.Stats.TotalExamples,
		AvgInputLength:  validation.Stats.AvgInputLength,
		AvgOutputLength: validation.Stats.AvgOutputLength,
		Compression: compression,
		CostEstimates: estimates,
		CreatedAt:     s.now().UTC(),
	}
	res.Dataset = ds
	s.step(ctx, run, StateRecording, "")

	return s.record(ctx, span, run, res)
}

// record writes the catalog entry, racing it against the catalog deadline.
func (s *Service) record(ctx context.Context, span trace.Span, run *Run, res *Result) (*Result, error) {
	ds := res.Dataset
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, s.cfg.CatalogDeadline)
	defer cancel()
	rctx, rspan := s.tracer.Start(rctx, "ingest.record")
	defer rspan.End()

	done := make(chan error, 1)
	go func() { done <- s.catalog.Record(rctx, ds) }()

	var err error
	select {
	case err = <-done:
	case <-rctx.Done():
		err = rctx.Err()
	}
	metrics.ObserveStage("record", start)

	if err == nil {
		s.step(ctx, run, StateCommitted, "")
		res.Persisted, res.Accepted = true, true
		metrics.IngestionsTotal.WithLabelValues("committed").Inc()
		slog.Info("dataset ingested", "dataset_id", ds.ID, "user_id", ds.UserID, "format", ds.Format,
			"examples", ds.TotalExamples, "strategy", res.Upload.Strategy, "compressed_bytes", ds.Compression.CompressedBytes)
		return res, nil
	}

	job := RecordJob{Dataset: *ds, Bucket: s.bucket}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && s.deferrer != nil {
		// pending must be visible before the retrier can load the run
		run.Retry = RetryPending
		s.save(ctx, run)
		derr := s.deferrer.Defer(context.WithoutCancel(ctx), job)
		if derr == nil {
			res.Accepted = true
			metrics.IngestionsTotal.WithLabelValues("accepted").Inc()
			rspan.AddEvent("catalog write deferred")
			slog.Warn("catalog write exceeded deadline, deferred", "dataset_id", ds.ID, "deadline", s.cfg.CatalogDeadline)
			return res, nil
		}
		run.Retry = RetryNone
		err = errors.Join(err, fmt.Errorf("defer catalog write: %w", derr))
	}

	rspan.RecordError(err)
	span.SetStatus(codes.Error, "catalog write failed")
	slog.Error("catalog write failed, rolling back upload", "dataset_id", ds.ID, "error", err)
	cerr := s.recovery.Compensate(ctx, run, s.bucket, ds.StoragePath, "catalog write failed")
	metrics.IngestionsTotal.WithLabelValues("rolled_back").Inc()
	return res, &Error{
		Kind:    KindPersistence,
		Op:      "record",
		Message: "dataset could not be recorded; the upload was rolled back",
		Err:     errors.Join(err, cerr),
	}
}

func (s *Service) checkRequest(req Request) (dataset.Format, int, error) {
	var problems []string
	if strings.TrimSpace(req.UserID) == "" {
		problems = append(problems, "user id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "name is required")
	}
	declared, err := dataset.ParseFormat(req.DeclaredFormat)
	if err != nil {
		problems = append(problems, fmt.Sprintf("unsupported format %q (supported: %s)", req.DeclaredFormat, formatList()))
	}
	switch {
	case len(req.Data) == 0:
		problems = append(problems, "file is empty")
	case s.cfg.MaxUploadBytes > 0 && int64(len(req.Data)) > s.cfg.MaxUploadBytes:
		problems = append(problems, fmt.Sprintf("file is %d bytes, limit is %d", len(req.Data), s.cfg.MaxUploadBytes))
	}

	epochs := req.Epochs
	if epochs == 0 {
		epochs = s.cfg.DefaultEpochs
	}
	if _, err := s.pricing.EstimateAll(0, epochs, req.Hardware); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return "", 0, validationError("ingest", "invalid ingestion request", problems...)
	}
	return declared, epochs, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, run *Run, res *Result, e *Error) (*Result, error) {
	s.step(ctx, run, StateFailed, e.Message)
	run.Error = e.Message
	s.save(ctx, run)
	metrics.IngestionsTotal.WithLabelValues("failed").Inc()
	span.SetStatus(codes.Error, e.Message)
	slog.Error("ingestion failed", "dataset_id", run.DatasetID, "op", e.Op, "error", e.Err)
	return res, e
}

func (s *Service) step(ctx context.Context, run *Run, next State, note string) {
	if err := run.Transition(next, note, s.now()); err != nil {
		slog.Error("ingestion run transition", "dataset_id", run.DatasetID, "error", err)
		return
	}
	s.save(ctx, run)
}

func (s *Service) save(ctx context.Context, run *Run) {
	if err := s.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("save ingestion run status", "dataset_id", run.DatasetID, "state", run.State, "error", err)
	}
}

func (s *Service) progress(next storage.ProgressFunc) storage.ProgressFunc {
	var last int64
	return func(sent, total int64) {
		if sent > last {
			metrics.UploadChunksTotal.Inc()
		}
		last = sent
		if next != nil {
			next(sent, total)
		}
	}
}

// Analysis is a dry run of the pipeline: no artifact is written.
type Analysis struct {
	Detection       dataset.Detection         `json:"detection"`
	DeclaredFormat  dataset.Format            `json:"declared_format"`
	FormatMismatch  bool                      `json:"format_mismatch"`
	Validation      *dataset.ValidationResult `json:"validation"`
	EstimatedTokens int64                     `json:"estimated_tokens"`
	Epochs          int                       `json:"epochs"`
	Hardware        string                    `json:"hardware"`
	CostEstimates   map[string]float64        `json:"cost_estimates,omitempty"`
}

// Analyze detects, normalizes and validates req.Data and prices the result.
// An invalid dataset is not an error; the returned Analysis says so.
func (s *Service) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if req.UserID == "" {
		req.UserID = "-"
	}
	if req.Name == "" {
		req.Name = "-"
	}
	declared, epochs, err := s.checkRequest(req)
	if err != nil {
		return nil, err
	}

	_, span := s.tracer.Start(ctx, "ingest.Analyze")
	defer span.End()

	detection := dataset.Detect(req.Data)
	format := detection.Format
	if format == "" {
		format = declared
	}
	norm, normErr := dataset.Normalize(format, req.Data, s.opts)
	validation := dataset.Validate(norm, normErr, s.opts)

	hardware := req.Hardware
	if hardware == "" {
		hardware = cost.DefaultHardware
	}
	a := &Analysis{
		Detection:      detection,
		DeclaredFormat: declared,
		FormatMismatch: detection.Mismatch(declared),
		Validation:     validation,
		Epochs:         epochs,
		Hardware:       hardware,
	}
	if validation.Stats != nil {
		a.EstimatedTokens = cost.EstimateTokens(*validation.Stats)
		if a.CostEstimates, err = s.pricing.EstimateAll(a.EstimatedTokens, epochs, hardware); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Status returns the latest snapshot of the run for dataset id owned by
// userID.
func (s *Service) Status(ctx context.Context, userID string, id uuid.UUID) (*Run, error) {
	run, err := s.runs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *Service) Dataset(ctx context.Context, userID string, id uuid.UUID) (*models.Dataset, error) {
	return s.catalog.Get(ctx, userID, id)
}

func (s *Service) Datasets(ctx context.Context, userID string) ([]models.Dataset, error) {
	return s.catalog.List(ctx, userID)
}

func formatList() string {
	names := make([]string, 0, len(dataset.Formats()))
	for _, f := range dataset.Formats() {
		names = append(names, f.String())
	}
	return strings.Join(names, ", ")
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}
