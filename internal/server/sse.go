package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxdub/voxdub-api/internal/bus"
	"github.com/voxdub/voxdub-api/internal/job"
)

// defaultHeartbeatInterval keeps idle event streams alive through proxies.
const defaultHeartbeatInterval = 15 * time.Second

// StreamJob handles GET /jobs/{id}/stream requests: a server-sent event
// stream of the job's progress. The client first receives a snapshot of the
// current state, then live events until the job reaches a terminal state,
// with a heartbeat while nothing else flows. The stream closes after the
// first complete or error event.
func (h *Handlers) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "STREAMING_UNSUPPORTED")
		return
	}

	// Subscribe before the snapshot read so no event between the two is lost.
	sub, err := h.service.Subscribe(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "stream job")
		return
	}
	defer sub.Cancel()

	snapshot, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err, "stream job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if done := h.writeSnapshot(w, jobID, snapshot); done {
		flusher.Flush()
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			writeSSE(w, bus.HeartbeatEvent())
			flusher.Flush()

		case ev, open := <-sub.C():
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == bus.EventComplete || ev.Type == bus.EventError {
				return
			}
		}
	}
}

// writeSnapshot sends the subscriber's initial view of the job. It reports
// whether the job is already terminal, in which case the matching terminal
// event was sent and the stream is done.
func (h *Handlers) writeSnapshot(w http.ResponseWriter, jobID string, j *job.Job) bool {
	progress := j.Progress
	writeSSE(w, bus.Event{
		Type:      bus.EventProgress,
		JobID:     jobID,
		Timestamp: time.Now(),
		Progress:  &progress,
	})

	switch j.Status {
	case job.StatusComplete:
		elapsed := j.CompletedAt.Sub(j.Progress.StartedAt)
		ev := bus.CompleteEvent(j.OutputFile, j.OutputURL, elapsed)
		ev.JobID = jobID
		ev.Timestamp = time.Now()
		writeSSE(w, ev)
		return true
	case job.StatusFailed, job.StatusCancelled:
		ev := bus.ErrorEvent(j.Error)
		ev.JobID = jobID
		ev.Timestamp = time.Now()
		writeSSE(w, ev)
		return true
	default:
		return false
	}
}

// writeSSE writes one named server-sent event.
func writeSSE(w http.ResponseWriter, ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode stream event", slog.String("error", err.Error()))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
