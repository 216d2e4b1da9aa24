// Package server provides the HTTP surface of the dubbing API. It includes
// handlers, middleware, routes and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/voxdub/voxdub-api/internal/config"
	"github.com/voxdub/voxdub-api/internal/job"
)

// JobConfigRequest is the pipeline configuration part of a job submission.
type JobConfigRequest struct {
	// ChunkDurationSeconds is the target chunk length in seconds.
	ChunkDurationSeconds int `json:"chunk_duration_seconds" validate:"required"`
	// TargetLanguage is the dubbing target language code.
	TargetLanguage string `json:"target_language" validate:"required"`
	// SourceLanguage is an optional source language hint.
	SourceLanguage string `json:"source_language,omitempty"`
	// MaxParallelJobs bounds concurrent chunk dubbing tasks.
	MaxParallelJobs int `json:"max_parallel_jobs" validate:"required,min=1,max=5"`
	// VideoQuality is an opaque quality label.
	VideoQuality string `json:"video_quality,omitempty"`
	// OutputFormat is the final artifact container format.
	OutputFormat string `json:"output_format" validate:"required,oneof=mp4 webm"`
	// UseWatermark requests the provider's watermarked output.
	UseWatermark bool `json:"use_watermark"`
	// KeepIntermediateFiles retains chunk artifacts after completion.
	KeepIntermediateFiles bool `json:"keep_intermediate_files"`
	// ChunkingStrategy selects the slicing strategy.
	ChunkingStrategy string `json:"chunking_strategy" validate:"required,oneof=fixed scene silence"`
}

// toDomain maps the request configuration to the domain type.
func (r JobConfigRequest) toDomain() job.Config {
	return job.Config{
		ChunkDurationSeconds:  r.ChunkDurationSeconds,
		TargetLanguage:        r.TargetLanguage,
		SourceLanguage:        r.SourceLanguage,
		MaxParallelJobs:       r.MaxParallelJobs,
		VideoQuality:          r.VideoQuality,
		OutputFormat:          job.OutputFormat(r.OutputFormat),
		UseWatermark:          r.UseWatermark,
		KeepIntermediateFiles: r.KeepIntermediateFiles,
		ChunkingStrategy:      job.ChunkingStrategy(r.ChunkingStrategy),
	}
}

// StartJobRequest is the HTTP request body for submitting a job.
type StartJobRequest struct {
	// SourceRef is the source media reference, typically a URL.
	SourceRef string           `json:"source_ref" validate:"required"`
	Config    JobConfigRequest `json:"config" validate:"required"`
}

// StartJobResponse is the HTTP response after accepting a job.
type StartJobResponse struct {
	JobID            string  `json:"job_id"`
	Status           string  `json:"status"`
	EstimatedTimeSec float64 `json:"estimated_time_sec"`
	EstimatedCostUsd float64 `json:"estimated_cost_usd"`
	// EstimatedCost is the human-readable cost, e.g. "$2.50".
	EstimatedCost string `json:"estimated_cost"`
	// EstimatedTime is the human-readable duration, e.g. "18m 5s".
	EstimatedTime string `json:"estimated_time"`
}

// JobResponse is the HTTP view of a job.
type JobResponse struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	SourceRef     string            `json:"source_ref"`
	SourceMeta    job.SourceMeta    `json:"source_meta"`
	Config        job.Config        `json:"config"`
	Progress      job.Progress      `json:"progress"`
	ChunkStatuses []job.ChunkStatus `json:"chunk_statuses,omitempty"`
	OutputURL     string            `json:"output_url,omitempty"`
	// OutputAvailable reports whether the artifact can be downloaded.
	OutputAvailable bool       `json:"output_available"`
	Error           *job.Error `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// newJobResponse maps a domain job to its HTTP view.
func newJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		Status:          string(j.Status),
		SourceRef:       j.SourceRef,
		SourceMeta:      j.SourceMeta,
		Config:          j.Config,
		Progress:        j.Progress,
		ChunkStatuses:   j.ChunkStatuses,
		OutputURL:       j.OutputURL,
		OutputAvailable: j.Status == job.StatusComplete && j.OutputFile != "",
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

// ListJobsResponse is the HTTP response for a job listing.
type ListJobsResponse struct {
	Jobs    []JobResponse `json:"jobs"`
	Total   int           `json:"total"`
	HasMore bool          `json:"has_more"`
}

// CancelJobResponse is the HTTP response after cancelling a job.
type CancelJobResponse struct {
	OK bool `json:"ok"`
}

// RetryJobRequest is the HTTP request body for retrying a failed job.
type RetryJobRequest struct {
	// ChunkIndices narrows the retry to specific chunks. Empty retries the
	// recorded failed chunks.
	ChunkIndices []int `json:"chunk_indices,omitempty"`
}

// RetryJobResponse is the HTTP response after scheduling a retry.
type RetryJobResponse struct {
	OK           bool  `json:"ok"`
	ChunkIndices []int `json:"chunk_indices"`
}

// LanguagesResponse lists the supported dubbing target languages.
type LanguagesResponse struct {
	Languages []config.Language `json:"languages"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
