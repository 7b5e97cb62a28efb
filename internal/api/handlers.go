package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/pipeline"
)

const (
	uploadField           = "video"
	defaultMaxUploadBytes = 4 << 30
)

type Handler struct {
	Processor      *Processor
	Jobs           jobs.Store
	UploadDir      string
	MaxUploadBytes int64
	HealthChecks   []HealthCheck
	Logger         *slog.Logger
	NewJobID       func() string
}

type resultResponse struct {
	Message        string `json:"message"`
	MasterPlaylist string `json:"masterPlaylist"`
	JobID          string `json:"jobId"`
}

type acceptedResponse struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
}

type jobResponse struct {
	ID             string  `json:"id"`
	State          string  `json:"state"`
	MasterPlaylist string  `json:"masterPlaylist,omitempty"`
	Category       string  `json:"category,omitempty"`
	Error          string  `json:"error,omitempty"`
	Objects        int     `json:"objects,omitempty"`
	Bytes          int64   `json:"bytes,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
	CompletedAt    *string `json:"completedAt,omitempty"`
}

func newJobResponse(rec jobs.Record) jobResponse {
	resp := jobResponse{
		ID:             rec.ID,
		State:          string(rec.State),
		MasterPlaylist: rec.MasterURL,
		Category:       rec.Category,
		Error:          rec.Error,
		Objects:        rec.Objects,
		Bytes:          rec.Bytes,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.CompletedAt != nil {
		completed := rec.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) newJobID() string {
	if h.NewJobID != nil {
		return h.NewJobID()
	}
	return uuid.NewString()
}

// Videos accepts a multipart upload in the "video" field and runs it through
// the pipeline. The request waits for the terminal result unless
// ?async=true is given.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	async := false
	if raw := strings.TrimSpace(r.URL.Query().Get("async")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("async must be a boolean"))
			return
		}
		async = parsed
	}
	if h.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, ErrProcessorClosed)
		return
	}

	jobID := h.newJobID()
	w.Header().Set(logging.JobIDHeader, jobID)
	ctx := logging.ContextWithJobID(r.Context(), jobID)
	logger := logging.WithContext(ctx, h.logger(r))

	sourcePath, size, err := h.stageUpload(w, r, jobID)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeJobError(w, http.StatusRequestEntityTooLarge, pipeline.CategoryInput, jobID, fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit))
		case errors.Is(err, errMissingUpload), errors.Is(err, http.ErrNotMultipart):
			writeJobError(w, http.StatusBadRequest, pipeline.CategoryInput, jobID, err.Error())
		default:
			logger.Error("failed to stage upload", "error", err)
			writeJobError(w, http.StatusInternalServerError, pipeline.CategoryInternal, jobID, "failed to stage upload")
		}
		return
	}
	logger.Info("upload staged", "path", sourcePath, "bytes", size)

	ticket, err := h.Processor.Submit(pipeline.Request{JobID: jobID, SourcePath: sourcePath}, func() {
		if removeErr := os.Remove(sourcePath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			logger.Warn("failed to remove staged upload", "path", sourcePath, "error", removeErr)
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull), errors.Is(err, ErrProcessorClosed):
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), JobID: jobID})
		default:
			category := pipeline.Classify(err)
			writeJobError(w, statusForCategory(category), category, jobID, category.Message())
		}
		return
	}

	if async {
		writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: jobID, State: string(jobs.StatePending)})
		return
	}

	select {
	case <-ticket.Done():
	case <-r.Context().Done():
		h.Processor.Cancel(jobID)
		<-ticket.Done()
		logger.Warn("client disconnected, job canceled")
		return
	}
	writeResult(w, ticket.Result())
}

// JobByID serves GET and DELETE on /v1/jobs/{id}.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		if h.Jobs == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
			return
		}
		rec, err := h.Jobs.Get(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
				return
			}
			h.logger(r).Error("failed to load job", "job_id", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to load job"))
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(rec))
	case http.MethodDelete:
		if h.Processor != nil && h.Processor.Cancel(jobID) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if h.Jobs != nil {
			if rec, err := h.Jobs.Get(r.Context(), jobID); err == nil {
				writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("job already %s", rec.State), JobID: jobID})
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

var errMissingUpload = fmt.Errorf("multipart field %q is required", uploadField)

// stageUpload streams the first "video" part to the staging directory.
func (h *Handler) stageUpload(w http.ResponseWriter, r *http.Request, jobID string) (string, int64, error) {
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	reader, err := r.MultipartReader()
	if err != nil {
		return "", 0, err
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return "", 0, errMissingUpload
		}
		if err != nil {
			return "", 0, err
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}
		path, size, err := h.writeStaged(part, jobID, part.FileName())
		part.Close()
		return path, size, err
	}
}

func (h *Handler) writeStaged(src io.Reader, jobID, filename string) (string, int64, error) {
	dir := h.UploadDir
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, jobID+"-"+sanitizeFilename(filename))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create staged upload: %w", err)
	}
	size, copyErr := io.Copy(file, src)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return "", 0, copyErr
		}
		return "", 0, fmt.Errorf("close staged upload: %w", closeErr)
	}
	return path, size, nil
}

func writeResult(w http.ResponseWriter, result pipeline.Result) {
	if result.Succeeded() {
		writeJSON(w, http.StatusOK, resultResponse{
			Message:        result.Message,
			MasterPlaylist: result.MasterPlaylist,
			JobID:          result.JobID,
		})
		return
	}
	writeJSON(w, statusForCategory(result.Category), errorResponse{
		Error:    result.Message,
		Category: string(result.Category),
		JobID:    result.JobID,
	})
}

func statusForCategory(category pipeline.Category) int {
	switch category {
	case pipeline.CategoryInput:
		return http.StatusBadRequest
	case pipeline.CategoryTranscode:
		return http.StatusUnprocessableEntity
	case pipeline.CategoryPublish:
		return http.StatusBadGateway
	case pipeline.CategoryTimeout:
		return http.StatusGatewayTimeout
	case pipeline.CategoryCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
