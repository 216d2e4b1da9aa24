// Package job provides the Job aggregate for the dubbing automation pipeline.
// It includes the Job entity with its stage state machine, chunk tracking,
// the ring-capped progress log, and repository interfaces for persistence.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/voxdub/voxdub-api/internal/job/id"
)

// Status represents the current state of a Job.
// Statuses mirror the pipeline stages plus the terminal outcomes.
type Status string

const (
	// StatusPending indicates the job was accepted but the executor has not started.
	StatusPending Status = "pending"
	// StatusDownloading indicates the source media is being fetched.
	StatusDownloading Status = "downloading"
	// StatusChunking indicates the source is being sliced into time chunks.
	StatusChunking Status = "chunking"
	// StatusDubbing indicates chunks are being dubbed through the provider.
	StatusDubbing Status = "dubbing"
	// StatusMerging indicates dubbed audio is being merged back with the video.
	StatusMerging Status = "merging"
	// StatusFinalizing indicates the output artifact is being written.
	StatusFinalizing Status = "finalizing"
	// StatusComplete indicates the job finished successfully.
	StatusComplete Status = "complete"
	// StatusFailed indicates the job encountered a fatal error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled by the user.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusChunking, StatusDubbing,
		StatusMerging, StatusFinalizing, StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
// Every non-terminal state may move to failed or cancelled; failed may
// re-enter dubbing when a chunk-level retry is requested.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusChunking, StatusFailed, StatusCancelled},
	StatusChunking:    {StatusDubbing, StatusFailed, StatusCancelled},
	StatusDubbing:     {StatusMerging, StatusFailed, StatusCancelled},
	StatusMerging:     {StatusFinalizing, StatusFailed, StatusCancelled},
	StatusFinalizing:  {StatusComplete, StatusFailed, StatusCancelled},
	StatusComplete:    {},
	StatusFailed:      {StatusDubbing},
	StatusCancelled:   {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Stage identifies a pipeline stage for progress and error reporting.
type Stage string

const (
	StageDownload Stage = "download"
	StageChunk    Stage = "chunk"
	StageDub      Stage = "dub"
	StageMerge    Stage = "merge"
	StageFinalize Stage = "finalize"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// MaxLogEntries is the ring cap on a job's progress log. When the cap is
// reached the oldest entries are evicted first.
const MaxLogEntries = 1000

// LogEntry is a single entry in a job's progress log.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Stage     Stage             `json:"stage"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SourceMeta describes the resolved source media.
type SourceMeta struct {
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration_seconds"`
	Resolution      string  `json:"resolution"`
	Codec           string  `json:"codec"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
}

// ChunkingStrategy selects how the source is sliced into chunks.
type ChunkingStrategy string

const (
	// StrategyFixed slices at fixed time intervals.
	StrategyFixed ChunkingStrategy = "fixed"
	// StrategyScene slices at scene changes closest to the target duration.
	StrategyScene ChunkingStrategy = "scene"
	// StrategySilence slices at silence boundaries closest to the target duration.
	StrategySilence ChunkingStrategy = "silence"
)

// OutputFormat is the container format of the final artifact.
type OutputFormat string

const (
	FormatMP4  OutputFormat = "mp4"
	FormatWebM OutputFormat = "webm"
)

// AllowedChunkDurations are the valid chunk durations in seconds.
var AllowedChunkDurations = []int{30, 60, 120, 180, 300}

// ErrInvalidChunkDuration is returned when the chunk duration is not allowed.
var ErrInvalidChunkDuration = errors.New("chunk duration must be one of 30, 60, 120, 180, 300")

// ValidChunkDuration returns true if sec is an allowed chunk duration.
func ValidChunkDuration(sec int) bool {
	for _, d := range AllowedChunkDurations {
		if d == sec {
			return true
		}
	}
	return false
}

// Config holds the per-job pipeline configuration.
type Config struct {
	// ChunkDurationSeconds is the target chunk length. Must be one of
	// AllowedChunkDurations.
	ChunkDurationSeconds int `json:"chunk_duration_seconds" validate:"required"`
	// TargetLanguage is the BCP-47 dubbing target language.
	TargetLanguage string `json:"target_language" validate:"required"`
	// SourceLanguage is the optional source language hint for the provider.
	SourceLanguage string `json:"source_language,omitempty"`
	// MaxParallelJobs bounds concurrent chunk dubbing tasks.
	MaxParallelJobs int `json:"max_parallel_jobs" validate:"required,min=1,max=5"`
	// VideoQuality is an opaque quality label passed through to the toolkit.
	VideoQuality string `json:"video_quality,omitempty"`
	// OutputFormat is the final artifact container format.
	OutputFormat OutputFormat `json:"output_format" validate:"required,oneof=mp4 webm"`
	// UseWatermark requests the provider's watermarked (discounted) output.
	UseWatermark bool `json:"use_watermark"`
	// KeepIntermediateFiles retains the chunk and dubbed-audio directories
	// after the job reaches a terminal state.
	KeepIntermediateFiles bool `json:"keep_intermediate_files"`
	// ChunkingStrategy selects the slicing strategy.
	ChunkingStrategy ChunkingStrategy `json:"chunking_strategy" validate:"required,oneof=fixed scene silence"`
}

// Paths holds the per-job workspace directory layout.
type Paths struct {
	Root   string `json:"root"`
	Source string `json:"source"`
	Chunks string `json:"chunks"`
	Dubbed string `json:"dubbed"`
	Output string `json:"output"`
}

// ChunkInfo describes a single chunk produced by the planner.
type ChunkInfo struct {
	Index     int     `json:"index"`
	Filename  string  `json:"filename"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"`
	Path      string  `json:"path"`
}

// ChunkState is the dubbing state of a single chunk.
type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkUploading  ChunkState = "uploading"
	ChunkProcessing ChunkState = "processing"
	ChunkComplete   ChunkState = "complete"
	ChunkFailed     ChunkState = "failed"
	ChunkRetrying   ChunkState = "retrying"
)

// IsTerminal returns true if the chunk state is final.
func (s ChunkState) IsTerminal() bool {
	return s == ChunkComplete || s == ChunkFailed
}

// ChunkStatus tracks the dubbing progress of one chunk. Exactly one
// ChunkStatus exists per ChunkInfo index.
type ChunkStatus struct {
	Index         int        `json:"index"`
	State         ChunkState `json:"state"`
	ProviderJobID string     `json:"provider_job_id,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	CompletedAt   time.Time  `json:"completed_at,omitzero"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retry_count"`
}

// Manifest is the ordered chunk manifest, the canonical reassembly order.
type Manifest struct {
	JobID                string      `json:"job_id"`
	TotalChunks          int         `json:"total_chunks"`
	ChunkDurationSeconds int         `json:"chunk_duration_seconds"`
	Chunks               []ChunkInfo `json:"chunks"`
}

// DownloadDetail is the stage detail during download.
type DownloadDetail struct {
	BytesReceived int64   `json:"bytes_received"`
	TotalBytes    int64   `json:"total_bytes,omitempty"`
	SpeedBps      float64 `json:"speed_bps"`
	ETASeconds    float64 `json:"eta_seconds,omitempty"`
}

// ChunkDetail is the stage detail during chunking.
type ChunkDetail struct {
	Processed   int    `json:"processed"`
	TotalChunks int    `json:"total_chunks"`
	Current     string `json:"current,omitempty"`
}

// DubDetail is the stage detail during dubbing.
type DubDetail struct {
	Chunks    []ChunkStatus `json:"chunks,omitempty"`
	Active    int           `json:"active"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
}

// MergeDetail is the stage detail during merging.
type MergeDetail struct {
	Merged      int `json:"merged"`
	TotalChunks int `json:"total_chunks"`
}

// StageDetail carries the detail for the currently active stage. Only the
// field matching Progress.Stage is populated.
type StageDetail struct {
	Download *DownloadDetail `json:"download,omitempty"`
	Chunk    *ChunkDetail    `json:"chunk,omitempty"`
	Dub      *DubDetail      `json:"dub,omitempty"`
	Merge    *MergeDetail    `json:"merge,omitempty"`
}

// Progress is the live progress of a job run.
type Progress struct {
	Stage               Stage       `json:"stage"`
	OverallPercent      float64     `json:"overall_percent"`
	StartedAt           time.Time   `json:"started_at,omitzero"`
	EstimatedCompletion time.Time   `json:"estimated_completion,omitzero"`
	Detail              StageDetail `json:"detail"`
	Logs                []LogEntry  `json:"logs,omitempty"`
}

// Job represents a single dubbing pipeline invocation.
// It is created by the automation service and mutated only by its executor
// and by cancel/retry commands.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// SourceRef is the opaque source reference (typically a URL).
	SourceRef string
	// SourceMeta is the resolved source description.
	SourceMeta SourceMeta
	// Config is the pipeline configuration for this job.
	Config Config
	// Progress is the live progress, including the ring-capped log.
	Progress Progress
	// Manifest is the chunk manifest produced by the planner.
	Manifest Manifest
	// ChunkStatuses tracks per-chunk dubbing state, parallel to the manifest.
	ChunkStatuses []ChunkStatus
	// Paths is the workspace directory layout.
	Paths Paths
	// OutputFile is the final artifact path, set iff Status is complete.
	OutputFile string
	// OutputURL is the object storage URL when S3 delivery is configured.
	OutputURL string
	// Error describes the failure, set iff Status is failed or cancelled.
	Error *Error
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time
}

// New creates a new Job in pending state with a generated ID.
func New(sourceRef string, cfg Config) *Job {
	now := time.Now()
	return &Job{
		ID:        id.Generate(),
		Status:    StatusPending,
		SourceRef: sourceRef,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWithID creates a new Job with the specified ID.
// Useful for testing or when the ID is externally generated.
func NewWithID(jobID, sourceRef string, cfg Config) *Job {
	j := New(sourceRef, cfg)
	j.ID = jobID
	return j
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	if status.IsTerminal() {
		j.CompletedAt = j.UpdatedAt
	}
	// Re-entering dubbing on retry clears the previous terminal timestamp
	// and error so the terminal-field invariants hold again.
	if status == StatusDubbing && !j.CompletedAt.IsZero() {
		j.CompletedAt = time.Time{}
		j.Error = nil
	}

	return nil
}

// Fail transitions the job to failed and records the error.
func (j *Job) Fail(e *Error) error {
	j.mu.Lock()
	j.Error = e
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// Cancel transitions the job to cancelled and records a CANCELLED error
// naming the stage that was interrupted.
func (j *Job) Cancel(stage Stage) error {
	j.mu.Lock()
	j.Error = &Error{
		Code:    CodeCancelled,
		Message: "job cancelled by user",
		Stage:   stage,
	}
	j.mu.Unlock()
	return j.TransitionTo(StatusCancelled)
}

// Complete transitions the job to complete and records the output artifact.
func (j *Job) Complete(outputFile, outputURL string) error {
	j.mu.Lock()
	j.OutputFile = outputFile
	j.OutputURL = outputURL
	j.mu.Unlock()
	return j.TransitionTo(StatusComplete)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.GetStatus().IsTerminal()
}

// SetPaths records the workspace layout.
func (j *Job) SetPaths(p Paths) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Paths = p
	j.UpdatedAt = time.Now()
}

// SetSourceMeta records the resolved source description.
func (j *Job) SetSourceMeta(m SourceMeta) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.SourceMeta = m
	j.UpdatedAt = time.Now()
}

// SetManifest records the chunk manifest and initialises one pending
// ChunkStatus per chunk.
func (j *Job) SetManifest(m Manifest) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Manifest = m
	j.ChunkStatuses = make([]ChunkStatus, len(m.Chunks))
	for i, c := range m.Chunks {
		j.ChunkStatuses[i] = ChunkStatus{Index: c.Index, State: ChunkPending}
	}
	j.UpdatedAt = time.Now()
}

// SetChunkStatuses replaces the per-chunk dubbing state.
func (j *Job) SetChunkStatuses(statuses []ChunkStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ChunkStatuses = statuses
	j.UpdatedAt = time.Now()
}

// SetProgress updates the live progress. OverallPercent is clamped so it
// never regresses within a run.
func (j *Job) SetProgress(stage Stage, percent float64, detail StageDetail) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if percent < j.Progress.OverallPercent {
		percent = j.Progress.OverallPercent
	}
	if percent > 100 {
		percent = 100
	}
	if j.Progress.StartedAt.IsZero() {
		j.Progress.StartedAt = time.Now()
	}
	j.Progress.Stage = stage
	j.Progress.OverallPercent = percent
	j.Progress.Detail = detail
	j.UpdatedAt = time.Now()
}

// ResetProgress restarts progress tracking for a new run, keeping the log.
// The monotonic percent clamp applies within a run, so a retry re-entering
// the pipeline starts a fresh window.
func (j *Job) ResetProgress() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.OverallPercent = 0
	j.Progress.StartedAt = time.Now()
	j.Progress.EstimatedCompletion = time.Time{}
	j.UpdatedAt = time.Now()
}

// SetEstimatedCompletion records the predicted completion instant.
func (j *Job) SetEstimatedCompletion(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.EstimatedCompletion = t
	j.UpdatedAt = time.Now()
}

// AppendLog appends an entry to the progress log, evicting the oldest
// entries beyond MaxLogEntries.
func (j *Job) AppendLog(entry LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.Logs = append(j.Progress.Logs, entry)
	if n := len(j.Progress.Logs); n > MaxLogEntries {
		j.Progress.Logs = j.Progress.Logs[n-MaxLogEntries:]
	}
	j.UpdatedAt = time.Now()
}

// FailedChunkIndices returns the indices of chunks whose dubbing failed.
func (j *Job) FailedChunkIndices() []int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var failed []int
	for _, cs := range j.ChunkStatuses {
		if cs.State == ChunkFailed {
			failed = append(failed, cs.Index)
		}
	}
	return failed
}

// Snapshot returns a deep copy of the job for safe reads.
func (j *Job) Snapshot() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	clone := &Job{
		ID:          j.ID,
		Status:      j.Status,
		SourceRef:   j.SourceRef,
		SourceMeta:  j.SourceMeta,
		Config:      j.Config,
		Progress:    j.Progress,
		Manifest:    j.Manifest,
		Paths:       j.Paths,
		OutputFile:  j.OutputFile,
		OutputURL:   j.OutputURL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
	clone.Progress.Logs = append([]LogEntry(nil), j.Progress.Logs...)
	clone.Manifest.Chunks = append([]ChunkInfo(nil), j.Manifest.Chunks...)
	clone.ChunkStatuses = append([]ChunkStatus(nil), j.ChunkStatuses...)
	if j.Error != nil {
		e := *j.Error
		e.FailedChunks = append([]int(nil), j.Error.FailedChunks...)
		clone.Error = &e
	}
	return clone
}
