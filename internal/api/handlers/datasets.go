package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/datasetingest/internal/auth"
	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/dataset"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

// multipartOverhead is headroom above the file limit for form fields and
// part headers.
const multipartOverhead = 1 << 20

type DatasetHandler struct {
	svc      *ingest.Service
	maxBytes int64
}

func NewDatasetHandler(svc *ingest.Service, maxUploadBytes int64) *DatasetHandler {
	return &DatasetHandler{svc: svc, maxBytes: maxUploadBytes}
}

// Upload ingests a multipart dataset upload. 201 means the catalog entry is
// written; 202 means the artifact is stored and the catalog write is being
// retried in the background.
func (h *DatasetHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	res, err := h.svc.Ingest(r.Context(), req)
	if err != nil {
		h.writeIngestError(w, r, res, err)
		return
	}

	status := http.StatusCreated
	if !res.Persisted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// Estimate runs detection, validation and pricing without storing anything.
func (h *DatasetHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	a, err := h.svc.Analyze(r.Context(), req)
	if err != nil {
		h.writeIngestError(w, r, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *DatasetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := datasetID(w, r)
	if !ok {
		return
	}

	ds, err := h.svc.Dataset(r.Context(), auth.UserID(r.Context()), id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "dataset not found")
		return
	}
	if err != nil {
		slog.Error("get dataset", "dataset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load dataset")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *DatasetHandler) List(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.svc.Datasets(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		slog.Error("list datasets", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list datasets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": datasets, "count": len(datasets)})
}

// Ingestion reports the saga state of an ingestion run, including the
// background catalog retry.
func (h *DatasetHandler) Ingestion(w http.ResponseWriter, r *http.Request) {
	id, ok := datasetID(w, r)
	if !ok {
		return
	}

	run, err := h.svc.Status(r.Context(), auth.UserID(r.Context()), id)
	if errors.Is(err, ingest.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "ingestion run not found")
		return
	}
	if err != nil {
		slog.Error("load ingestion run", "dataset_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load ingestion status")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *DatasetHandler) readRequest(w http.ResponseWriter, r *http.Request) (ingest.Request, bool) {
	if h.maxBytes > 0 {
		if r.ContentLength > h.maxBytes+multipartOverhead {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_dataset", "file exceeds the upload limit")
			return ingest.Request{}, false
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_dataset", "file exceeds the upload limit")
			return ingest.Request{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
		return ingest.Request{}, false
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file required")
		return ingest.Request{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not read file")
		return ingest.Request{}, false
	}

	var epochs int
	if v := strings.TrimSpace(r.FormValue("epochs")); v != "" {
		if epochs, err = strconv.Atoi(v); err != nil || epochs < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "epochs must be a positive integer")
			return ingest.Request{}, false
		}
	}

	return ingest.Request{
		UserID:         auth.UserID(r.Context()),
		Name:           strings.TrimSpace(r.FormValue("name")),
		Description:    r.FormValue("description"),
		ConfigRef:      r.FormValue("config_ref"),
		DeclaredFormat: r.FormValue("format"),
		Data:           data,
		Epochs:         epochs,
		Hardware:       r.FormValue("hardware"),
	}, true
}

// writeIngestError maps the ingest error taxonomy to a response. Only the
// error's public message and details are exposed.
func (h *DatasetHandler) writeIngestError(w http.ResponseWriter, r *http.Request, res *ingest.Result, err error) {
	var ie *ingest.Error
	if !errors.As(err, &ie) {
		slog.Error("ingestion failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	status := http.StatusInternalServerError
	if ie.Kind == ingest.KindValidation {
		status = http.StatusBadRequest
	} else {
		attrs := []any{"request_id", middleware.GetReqID(r.Context()), "kind", ie.Kind, "error", err}
		if res != nil && res.Run != nil {
			attrs = append(attrs, "dataset_id", res.Run.DatasetID, "state", res.Run.State)
		}
		slog.Error("ingestion failed", attrs...)
	}

	// kind separates an unreadable file ("fatal") from bad rows ("data")
	body := struct {
		errorBody
		Kind      dataset.ErrorKind `json:"kind,omitempty"`
		DatasetID *uuid.UUID        `json:"dataset_id,omitempty"`
	}{errorBody: errorBody{Error: ie.Message, Code: ie.Code(), Details: ie.Details}}
	if res != nil && res.Run != nil {
		body.DatasetID = &res.Run.DatasetID
	}
	if res != nil && res.Validation != nil && !res.Validation.Valid {
		body.Kind = res.Validation.Kind
	}
	writeJSON(w, status, body)
}

func datasetID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid dataset id")
		return uuid.Nil, false
	}
	return id, true
}
