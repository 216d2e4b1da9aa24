// Package cost provides deterministic cost and time estimation for dubbing
// jobs. All functions are pure: they operate on value inputs and return
// value outputs with no side effects.
package cost

import (
	"fmt"
	"math"

	"github.com/voxdub/voxdub-api/internal/job"
)

// Default pricing constants, overridable through configuration.
const (
	// DefaultDubRatePerMinute is the provider dubbing rate in USD per
	// minute of source media.
	DefaultDubRatePerMinute = 0.24
	// DefaultRatePerChunk is the pipeline processing rate in USD per chunk.
	DefaultRatePerChunk = 0.01
	// watermarkDiscount halves the dubbing cost for watermarked output.
	watermarkDiscount = 0.5
)

// Calculator estimates job cost and duration from source metadata and the
// job configuration.
type Calculator struct {
	// DubRatePerMinute is the dubbing rate in USD per source minute.
	DubRatePerMinute float64
	// RatePerChunk is the processing rate in USD per chunk.
	RatePerChunk float64
}

// NewCalculator creates a Calculator with the given rates. Non-positive
// rates fall back to the defaults.
func NewCalculator(dubRatePerMinute, ratePerChunk float64) *Calculator {
	c := &Calculator{
		DubRatePerMinute: dubRatePerMinute,
		RatePerChunk:     ratePerChunk,
	}
	if c.DubRatePerMinute <= 0 {
		c.DubRatePerMinute = DefaultDubRatePerMinute
	}
	if c.RatePerChunk <= 0 {
		c.RatePerChunk = DefaultRatePerChunk
	}
	return c
}

// CostBreakdown splits an estimate into its components.
type CostBreakdown struct {
	DubbingCost    float64 `json:"dubbing_cost"`
	ProcessingCost float64 `json:"processing_cost"`
}

// CostEstimate is the full cost estimate for a job.
type CostEstimate struct {
	TotalCost     float64       `json:"total_cost"`
	CostPerChunk  float64       `json:"cost_per_chunk"`
	TotalChunks   int           `json:"total_chunks"`
	VideoDuration float64       `json:"video_duration"`
	Breakdown     CostBreakdown `json:"breakdown"`
}

// TimeBreakdown splits a time estimate into per-stage seconds.
type TimeBreakdown struct {
	Download     float64 `json:"download"`
	Chunking     float64 `json:"chunking"`
	Dubbing      float64 `json:"dubbing"`
	Merging      float64 `json:"merging"`
	Finalization float64 `json:"finalization"`
}

// TimeEstimate is the full time estimate for a job in seconds.
type TimeEstimate struct {
	TotalTime float64       `json:"total_time"`
	Breakdown TimeBreakdown `json:"breakdown"`
}

// Cost estimates the cost of dubbing a source with the given configuration.
func (c *Calculator) Cost(meta job.SourceMeta, cfg job.Config) CostEstimate {
	totalChunks := ChunkCount(meta.DurationSeconds, cfg.ChunkDurationSeconds)
	minutes := meta.DurationSeconds / 60

	dubbing := minutes * c.DubRatePerMinute
	if cfg.UseWatermark {
		dubbing *= watermarkDiscount
	}
	processing := float64(totalChunks) * c.RatePerChunk
	total := dubbing + processing

	perChunk := 0.0
	if totalChunks > 0 {
		perChunk = total / float64(totalChunks)
	}

	return CostEstimate{
		TotalCost:     total,
		CostPerChunk:  perChunk,
		TotalChunks:   totalChunks,
		VideoDuration: meta.DurationSeconds,
		Breakdown: CostBreakdown{
			DubbingCost:    dubbing,
			ProcessingCost: processing,
		},
	}
}

// Time estimates the wall-clock duration of the pipeline in seconds.
func (c *Calculator) Time(meta job.SourceMeta, cfg job.Config) TimeEstimate {
	totalChunks := ChunkCount(meta.DurationSeconds, cfg.ChunkDurationSeconds)
	minutes := meta.DurationSeconds / 60

	parallel := cfg.MaxParallelJobs
	if parallel < 1 {
		parallel = 1
	}
	waves := math.Ceil(float64(totalChunks) / float64(parallel))

	b := TimeBreakdown{
		Download:     minutes * 45,
		Chunking:     minutes * 1,
		Dubbing:      waves * float64(cfg.ChunkDurationSeconds) * 2.5,
		Merging:      minutes * 2,
		Finalization: 5,
	}
	return TimeEstimate{
		TotalTime: b.Download + b.Chunking + b.Dubbing + b.Merging + b.Finalization,
		Breakdown: b,
	}
}

// OptimalChunkDuration picks a chunk duration suited to the source length.
func OptimalChunkDuration(durationSeconds float64) int {
	switch {
	case durationSeconds < 300:
		return 60
	case durationSeconds < 900:
		return 120
	case durationSeconds < 1800:
		return 180
	default:
		return 300
	}
}

// ChunkCount returns the number of chunks a source splits into.
func ChunkCount(durationSeconds float64, chunkDurationSeconds int) int {
	if durationSeconds <= 0 || chunkDurationSeconds <= 0 {
		return 0
	}
	return int(math.Ceil(durationSeconds / float64(chunkDurationSeconds)))
}

// FormatCost renders a USD value as "$X.XX", rounding half away from zero.
func FormatCost(value float64) string {
	cents := math.Round(math.Abs(value) * 100)
	sign := ""
	if value < 0 && cents > 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s$%d.%02d", sign, int64(cents)/100, int64(cents)%100)
}

// FormatTime renders a duration in seconds as a compact human string:
// "45s", "5m", "5m 30s", "1h", "1h 5m". Zero trailing components are
// omitted.
func FormatTime(seconds float64) string {
	s := int(math.Round(seconds))
	if s < 0 {
		s = 0
	}
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		m, rem := s/60, s%60
		if rem == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, rem)
	default:
		h, rem := s/3600, s%3600
		if rem/60 == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, rem/60)
	}
}

// CostBreakdownPercent returns the integer percentage split between the
// dubbing and processing components. The parts sum to 100 (within the
// rounding of the larger remainder).
func CostBreakdownPercent(est CostEstimate) (dubbing, processing int) {
	return percentSplit(est.Breakdown.DubbingCost, est.Breakdown.ProcessingCost)
}

// TimeBreakdownPercent returns the integer percentage of the total for
// each stage, summing to 100.
func TimeBreakdownPercent(est TimeEstimate) map[string]int {
	parts := []struct {
		name  string
		value float64
	}{
		{"download", est.Breakdown.Download},
		{"chunking", est.Breakdown.Chunking},
		{"dubbing", est.Breakdown.Dubbing},
		{"merging", est.Breakdown.Merging},
		{"finalization", est.Breakdown.Finalization},
	}

	result := make(map[string]int, len(parts))
	if est.TotalTime <= 0 {
		for _, p := range parts {
			result[p.name] = 0
		}
		return result
	}

	// Largest-remainder rounding so the parts always sum to 100.
	type share struct {
		name string
		pct  float64
	}
	shares := make([]share, len(parts))
	sum := 0
	for i, p := range parts {
		pct := p.value / est.TotalTime * 100
		shares[i] = share{p.name, pct}
		result[p.name] = int(pct)
		sum += int(pct)
	}
	for sum < 100 {
		best := -1
		bestRem := -1.0
		for i, sh := range shares {
			rem := sh.pct - float64(result[sh.name])
			if rem > bestRem {
				bestRem = rem
				best = i
			}
		}
		result[shares[best].name]++
		shares[best].pct = float64(result[shares[best].name])
		sum++
	}
	return result
}

// percentSplit divides 100 between two components by largest remainder.
func percentSplit(a, b float64) (int, int) {
	total := a + b
	if total <= 0 {
		return 0, 0
	}
	pa := a / total * 100
	ia := int(pa)
	ib := int(b / total * 100)
	for ia+ib < 100 {
		if pa-float64(ia) >= (b/total*100)-float64(ib) {
			ia++
		} else {
			ib++
		}
	}
	return ia, ib
}
