// Package media provides the media toolkit: fetching sources, slicing them
// into chunks, replacing audio tracks and concatenating the results.
package media

import (
	"context"

	"github.com/voxdub/voxdub-api/internal/job"
)

// FetchProgress reports download progress of a source fetch.
type FetchProgress struct {
	// Bytes is the number of bytes received so far.
	Bytes int64
	// Total is the expected total size; zero when unknown.
	Total int64
	// SpeedBps is the current transfer rate in bytes per second.
	SpeedBps float64
	// ETASeconds is the estimated remaining time; zero when unknown.
	ETASeconds float64
}

// Segment is one chunk file produced by Split, with its time bounds in the
// source media.
type Segment struct {
	Path  string
	Start float64
	End   float64
}

// SplitProgress reports chunk extraction progress.
type SplitProgress struct {
	Processed int
	Total     int
	Current   string
}

// Toolkit is the media-processing abstraction the pipeline drives.
type Toolkit interface {
	// Fetch streams the media at url into destFile, reporting progress.
	Fetch(ctx context.Context, url, destFile string, progressCb func(FetchProgress)) error

	// Probe returns the media duration in seconds.
	Probe(ctx context.Context, path string) (float64, error)

	// Split slices srcFile into chunks of roughly durationSec seconds under
	// destDir using the given strategy. Chunk files are named with
	// zero-padded ordinals so lexical order matches time order. The returned
	// segments are ordered by start time.
	Split(ctx context.Context, srcFile, destDir string, durationSec int, strategy job.ChunkingStrategy, progressCb func(SplitProgress)) ([]Segment, error)

	// ReplaceAudio writes a copy of the video chunk with its audio track
	// replaced by the dubbed audio file.
	ReplaceAudio(ctx context.Context, videoChunk, dubbedAudio, destFile string) error

	// Concat joins the ordered files into a single output file.
	Concat(ctx context.Context, orderedFiles []string, destFile string) error
}
