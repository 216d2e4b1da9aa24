package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/voxdub/voxdub-api/internal/job"
)

// Static errors for media operations.
var (
	// ErrNoFiles is returned when no files are provided for concatenation.
	ErrNoFiles = errors.New("media: no files provided")
	// ErrInvalidDuration is returned when the chunk duration is not positive.
	ErrInvalidDuration = errors.New("media: chunk duration must be positive")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
	// ErrFetchStalled is returned when a download receives no bytes for the
	// stall window.
	ErrFetchStalled = errors.New("media: download stalled")
	// ErrFetchStatus is returned when the source responds with a non-2xx status.
	ErrFetchStatus = errors.New("media: fetch failed")
)

// fetchStallTimeout aborts a download that receives no bytes for this long.
const fetchStallTimeout = 120 * time.Second

// FFmpegToolkit implements Toolkit using the ffmpeg CLI.
type FFmpegToolkit struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	httpClient  *http.Client
}

// FFmpegOption configures an FFmpegToolkit.
type FFmpegOption func(*FFmpegToolkit)

// WithFFmpegPath sets the ffmpeg binary path.
func WithFFmpegPath(path string) FFmpegOption {
	return func(t *FFmpegToolkit) {
		if path != "" {
			t.ffmpegPath = path
		}
	}
}

// WithHTTPClient sets the HTTP client used for source fetches.
func WithHTTPClient(c *http.Client) FFmpegOption {
	return func(t *FFmpegToolkit) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// NewFFmpegToolkit creates a Toolkit backed by the ffmpeg CLI.
func NewFFmpegToolkit(opts ...FFmpegOption) *FFmpegToolkit {
	t := &FFmpegToolkit{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		httpClient:  &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fetch streams the media at url into destFile. The byte pump checks ctx
// after each buffer and aborts when no bytes arrive for the stall window.
func (t *FFmpegToolkit) Fetch(ctx context.Context, url, destFile string, progressCb func(FetchProgress)) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("media: create request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrFetchStalled) {
			return ErrFetchStalled
		}
		return fmt.Errorf("media: fetch source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w with status %d", ErrFetchStatus, resp.StatusCode)
	}

	f, err := os.Create(destFile) // #nosec G304 - path is under the job workspace
	if err != nil {
		return fmt.Errorf("media: create destination: %w", err)
	}

	stall := time.AfterFunc(fetchStallTimeout, func() {
		cancel(ErrFetchStalled)
	})
	defer stall.Stop()

	var received int64
	start := time.Now()
	buf := make([]byte, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			if cause := context.Cause(ctx); errors.Is(cause, ErrFetchStalled) {
				return ErrFetchStalled
			}
			return fmt.Errorf("media: fetch cancelled: %w", err)
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			stall.Reset(fetchStallTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				return fmt.Errorf("media: write destination: %w", werr)
			}
			received += int64(n)
			if progressCb != nil {
				progressCb(fetchSnapshot(received, resp.ContentLength, start))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = f.Close()
			if cause := context.Cause(ctx); errors.Is(cause, ErrFetchStalled) {
				return ErrFetchStalled
			}
			return fmt.Errorf("media: read source: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("media: close destination: %w", err)
	}
	return nil
}

// fetchSnapshot builds a progress report for the byte pump.
func fetchSnapshot(received, total int64, start time.Time) FetchProgress {
	p := FetchProgress{Bytes: received}
	if total > 0 {
		p.Total = total
	}
	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		p.SpeedBps = float64(received) / elapsed
		if p.Total > 0 && p.SpeedBps > 0 {
			p.ETASeconds = float64(p.Total-received) / p.SpeedBps
		}
	}
	return p
}

// Probe returns the media duration in seconds using ffprobe.
func (t *FFmpegToolkit) Probe(ctx context.Context, path string) (float64, error) {
	// #nosec G204 - binary paths are set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("media: ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout.String()), "%f", &duration); err != nil {
		return 0, fmt.Errorf("media: parse duration: %w", err)
	}
	return duration, nil
}

// Split slices srcFile into chunks under destDir. Fixed strategy cuts at
// exact intervals; scene and silence strategies cut at the detected boundary
// closest to each target point.
func (t *FFmpegToolkit) Split(ctx context.Context, srcFile, destDir string, durationSec int, strategy job.ChunkingStrategy, progressCb func(SplitProgress)) ([]Segment, error) {
	if durationSec <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDuration, durationSec)
	}
	if _, err := os.Stat(srcFile); err != nil {
		return nil, fmt.Errorf("media: source file: %w", err)
	}
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return nil, fmt.Errorf("media: create chunk directory: %w", err)
	}

	total, err := t.Probe(ctx, srcFile)
	if err != nil {
		return nil, err
	}

	var cuts []float64
	switch strategy {
	case job.StrategyScene:
		boundaries, err := t.detectSceneChanges(ctx, srcFile)
		if err != nil {
			return nil, err
		}
		cuts = boundaryCuts(boundaries, total, durationSec)
	case job.StrategySilence:
		boundaries, err := t.detectSilenceMidpoints(ctx, srcFile)
		if err != nil {
			return nil, err
		}
		cuts = boundaryCuts(boundaries, total, durationSec)
	default:
		cuts = fixedCuts(total, durationSec)
	}

	bounds := segmentBounds(cuts, total)
	ext := strings.TrimPrefix(filepath.Ext(srcFile), ".")
	if ext == "" {
		ext = "mp4"
	}

	segments := make([]Segment, 0, len(bounds))
	for i, b := range bounds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("media: split cancelled: %w", err)
		}

		name := fmt.Sprintf("%04d.%s", i, ext)
		out := filepath.Join(destDir, name)
		if err := t.extractSegment(ctx, srcFile, out, b[0], b[1]-b[0]); err != nil {
			for _, seg := range segments {
				_ = os.Remove(seg.Path)
			}
			return nil, fmt.Errorf("media: extract segment %d: %w", i, err)
		}

		segments = append(segments, Segment{Path: out, Start: b[0], End: b[1]})
		if progressCb != nil {
			progressCb(SplitProgress{Processed: i + 1, Total: len(bounds), Current: name})
		}
	}

	return segments, nil
}

// ReplaceAudio writes a copy of the video chunk with its audio replaced by
// the dubbed track, trimmed to the shorter of the two streams.
func (t *FFmpegToolkit) ReplaceAudio(ctx context.Context, videoChunk, dubbedAudio, destFile string) error {
	args := []string{
		"-y",
		"-i", videoChunk,
		"-i", dubbedAudio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		destFile,
	}
	return t.runFFmpeg(ctx, args)
}

// Concat joins the ordered files into a single output file. It first
// attempts a fast stream copy and falls back to re-encoding if that fails.
func (t *FFmpegToolkit) Concat(ctx context.Context, orderedFiles []string, destFile string) error {
	if len(orderedFiles) == 0 {
		return ErrNoFiles
	}
	if len(orderedFiles) == 1 {
		return copyFile(orderedFiles[0], destFile)
	}

	listFile, err := createConcatList(orderedFiles)
	if err != nil {
		return fmt.Errorf("media: create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	copyArgs := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		destFile,
	}
	if err := t.runFFmpeg(ctx, copyArgs); err == nil {
		return nil
	}

	reencodeArgs := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "192k",
		destFile,
	}
	return t.runFFmpeg(ctx, reencodeArgs)
}

// extractSegment extracts a portion of the source to a new file.
func (t *FFmpegToolkit) extractSegment(ctx context.Context, src, dst string, start, duration float64) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", duration),
		"-i", src,
		"-c", "copy",
		dst,
	}
	return t.runFFmpeg(ctx, args)
}

// detectSilenceMidpoints finds silence intervals and returns their midpoints
// as candidate cut boundaries.
func (t *FFmpegToolkit) detectSilenceMidpoints(ctx context.Context, src string) ([]float64, error) {
	// #nosec G204 - binary paths are set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-i", src,
		"-af", "silencedetect=noise=-40dB:d=0.5",
		"-f", "null",
		"-hide_banner",
		"-",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// ffmpeg exits non-zero with a null output; the detect lines still land
	// on stderr.
	_ = cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("media: silence detection cancelled: %w", ctx.Err())
	}

	return parseSilenceMidpoints(stderr.String()), nil
}

// silence detect output markers.
var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*([\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([\d.]+)`)
	scenePtsRe     = regexp.MustCompile(`pts_time:([\d.]+)`)
)

// parseSilenceMidpoints extracts the midpoint of each silence interval from
// silencedetect stderr output.
func parseSilenceMidpoints(output string) []float64 {
	var midpoints []float64
	var currentStart float64
	hasStart := false

	for _, line := range strings.Split(output, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); len(m) > 1 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				currentStart = v
				hasStart = true
			}
		}
		if m := silenceEndRe.FindStringSubmatch(line); len(m) > 1 && hasStart {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				midpoints = append(midpoints, (currentStart+v)/2)
				hasStart = false
			}
		}
	}
	return midpoints
}

// detectSceneChanges returns the timestamps of detected scene changes.
func (t *FFmpegToolkit) detectSceneChanges(ctx context.Context, src string) ([]float64, error) {
	// #nosec G204 - binary paths are set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-i", src,
		"-vf", "select='gt(scene,0.3)',showinfo",
		"-f", "null",
		"-hide_banner",
		"-",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	_ = cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("media: scene detection cancelled: %w", ctx.Err())
	}

	return parseSceneTimestamps(stderr.String()), nil
}

// parseSceneTimestamps extracts pts_time values from showinfo output.
func parseSceneTimestamps(output string) []float64 {
	var stamps []float64
	for _, line := range strings.Split(output, "\n") {
		if m := scenePtsRe.FindStringSubmatch(line); len(m) > 1 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				stamps = append(stamps, v)
			}
		}
	}
	return stamps
}

// fixedCuts generates evenly spaced cut points. A sliver shorter than one
// second at the end is absorbed into the preceding chunk.
func fixedCuts(total float64, targetSec int) []float64 {
	var cuts []float64
	target := float64(targetSec)
	for t := target; t < total-1; t += target {
		cuts = append(cuts, t)
	}
	return cuts
}

// boundaryCuts picks, for each target point, the detected boundary closest
// to it within a third of the chunk duration, falling back to the exact
// target point.
func boundaryCuts(boundaries []float64, total float64, targetSec int) []float64 {
	target := float64(targetSec)
	tolerance := target / 3

	var cuts []float64
	last := 0.0
	for last+target < total-1 {
		ideal := last + target
		cut := ideal
		bestDist := tolerance
		for _, b := range boundaries {
			if b <= last {
				continue
			}
			dist := b - ideal
			if dist < 0 {
				dist = -dist
			}
			if dist < bestDist {
				bestDist = dist
				cut = b
			}
		}
		cuts = append(cuts, cut)
		last = cut
	}
	return cuts
}

// segmentBounds converts cut points into [start, end) pairs covering the
// whole source. The final segment may be shorter than the target.
func segmentBounds(cuts []float64, total float64) [][2]float64 {
	var bounds [][2]float64
	start := 0.0
	for _, c := range cuts {
		bounds = append(bounds, [2]float64{start, c})
		start = c
	}
	if start < total || len(bounds) == 0 {
		bounds = append(bounds, [2]float64{start, total})
	}
	return bounds
}

// createConcatList writes the concat demuxer file list.
func createConcatList(files []string) (string, error) {
	f, err := os.CreateTemp("", "ffmpeg-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, path := range files {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("get absolute path for %s: %w", path, err)
		}
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		if _, err := fmt.Fprintf(f, "file '%s'\n", escapedPath); err != nil {
			return "", fmt.Errorf("write to concat list: %w", err)
		}
	}

	return f.Name(), nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	input, err := os.ReadFile(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	if err := os.WriteFile(dst, input, 0600); err != nil {
		return fmt.Errorf("write destination file: %w", err)
	}
	return nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (t *FFmpegToolkit) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - binary paths are set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("media: ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// Verify interface implementation at compile time.
var _ Toolkit = (*FFmpegToolkit)(nil)
