package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/voxdub/voxdub-api/internal/automation"
	"github.com/voxdub/voxdub-api/internal/bus"
	"github.com/voxdub/voxdub-api/internal/config"
	"github.com/voxdub/voxdub-api/internal/cost"
	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/source"
)

// defaultListLimit caps a job listing when the client sends no limit.
const defaultListLimit = 20

// Service is the slice of the automation service the handlers use.
type Service interface {
	Start(ctx context.Context, sourceRef string, cfg job.Config) (automation.StartResult, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter job.ListFilter) (automation.ListResult, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, indices []int) ([]int, error)
	Subscribe(ctx context.Context, id string) (*bus.Subscription, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service           Service
	languages         *config.Languages
	validator         *validator.Validate
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithHeartbeatInterval overrides the event stream heartbeat interval.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service Service, languages *config.Languages, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:           service,
		languages:         languages,
		validator:         validator.New(),
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Languages handles GET /languages requests.
func (h *Handlers) Languages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LanguagesResponse{Languages: h.languages.List()})
}

// StartJob handles POST /jobs requests.
func (h *Handlers) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	res, err := h.service.Start(r.Context(), req.SourceRef, req.Config.toDomain())
	if err != nil {
		h.writeServiceError(w, err, "start job")
		return
	}

	h.logger.Info("job submitted",
		slog.String("job_id", res.Job.ID),
		slog.String("target_language", res.Job.Config.TargetLanguage),
	)

	writeJSON(w, http.StatusAccepted, StartJobResponse{
		JobID:            res.Job.ID,
		Status:           string(res.Job.Status),
		EstimatedTimeSec: res.EstimatedTime.TotalTime,
		EstimatedCostUsd: res.EstimatedCost.TotalCost,
		EstimatedCost:    cost.FormatCost(res.EstimatedCost.TotalCost),
		EstimatedTime:    cost.FormatTime(res.EstimatedTime.TotalTime),
	})
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	foundJob, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "get job")
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(foundJob))
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.ListFilter{Limit: defaultListLimit}

	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := job.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s), "VALIDATION_ERROR")
			return
		}
		filter.Status = &status
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "VALIDATION_ERROR")
			return
		}
		filter.Limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer", "VALIDATION_ERROR")
			return
		}
		filter.Offset = n
	}

	res, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err, "list jobs")
		return
	}

	jobs := make([]JobResponse, len(res.Jobs))
	for i, j := range res.Jobs {
		jobs[i] = newJobResponse(j)
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:    jobs,
		Total:   res.Total,
		HasMore: res.HasMore,
	})
}

// CancelJob handles POST /jobs/{id}/cancel requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := h.service.Cancel(r.Context(), jobID); err != nil {
		h.writeServiceError(w, err, "cancel job")
		return
	}
	writeJSON(w, http.StatusOK, CancelJobResponse{OK: true})
}

// RetryJob handles POST /jobs/{id}/retry requests.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var req RetryJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return
		}
	}

	indices, err := h.service.Retry(r.Context(), jobID, req.ChunkIndices)
	if err != nil {
		h.writeServiceError(w, err, "retry job")
		return
	}
	if indices == nil {
		indices = []int{}
	}
	writeJSON(w, http.StatusOK, RetryJobResponse{OK: true, ChunkIndices: indices})
}

// DownloadJob handles GET /jobs/{id}/download requests. The artifact is only
// served once the job is complete.
func (h *Handlers) DownloadJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	foundJob, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "download job")
		return
	}
	if foundJob.Status != job.StatusComplete || foundJob.OutputFile == "" {
		writeError(w, http.StatusConflict, "job output is not available", "CONFLICT")
		return
	}

	filename := fmt.Sprintf("%s.%s", foundJob.ID, foundJob.Config.OutputFormat)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, foundJob.OutputFile)
}

// writeServiceError maps an automation service error to its HTTP response.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, automation.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, automation.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
	case errors.Is(err, source.ErrSourceUnavailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "SOURCE_UNAVAILABLE")
	default:
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
