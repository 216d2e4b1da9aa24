// Package provider defines the dubbing provider contract and an HTTP client
// implementation for it.
package provider

import "context"

// State represents the provider-side state of a dubbing job.
type State string

// Provider job states.
const (
	StateDubbing State = "dubbing"
	StateDubbed  State = "dubbed"
	StateFailed  State = "failed"
)

// IsTerminal returns true if the state is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateDubbed || s == StateFailed
}

// CreateRequest describes one chunk submitted for dubbing.
type CreateRequest struct {
	// SourcePath is the local path of the chunk media file.
	SourcePath string
	// TargetLanguage is the BCP-47 dubbing target.
	TargetLanguage string
	// SourceLanguage is an optional source language hint.
	SourceLanguage string
	// UseWatermark requests the watermarked (discounted) output.
	UseWatermark bool
	// NumSpeakers is an optional speaker-count hint; zero lets the provider detect.
	NumSpeakers int
}

// StatusResult is the provider's reported state for a dubbing job.
type StatusResult struct {
	State        State
	ErrorMessage string
	// Percent is the provider's own progress estimate; -1 when not reported.
	Percent float64
}

// Provider is the external dubbing service the scheduler submits chunks to.
type Provider interface {
	// Create submits a chunk for dubbing and returns the provider job ID.
	Create(ctx context.Context, req CreateRequest) (string, error)

	// Status reports the current state of a provider job.
	Status(ctx context.Context, providerJobID string) (StatusResult, error)

	// Download fetches the dubbed audio for a finished provider job.
	Download(ctx context.Context, providerJobID, targetLanguage string) ([]byte, error)
}

// dubbingJobDto is the request body for the provider's create endpoint.
type dubbingJobDto struct {
	SourceBase64   string `json:"source_base64"`
	Filename       string `json:"filename"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
	Watermark      bool   `json:"watermark"`
	NumSpeakers    int    `json:"num_speakers,omitempty"`
}

// createResponseDto is the response from the provider's create endpoint.
type createResponseDto struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// dubbingStatusDto is the response from the provider's status endpoint.
type dubbingStatusDto struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
}
