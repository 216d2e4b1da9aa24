// Package bus provides the in-process progress bus: a typed publish/subscribe
// channel that broadcasts pipeline life-cycle events per job to any number of
// subscribers. Publishers never block; slow subscribers lose their oldest
// progress and log events first, and never lose a terminal event.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxdub/voxdub-api/internal/job"
)

// EventType names a progress bus event variant.
type EventType string

const (
	// EventProgress carries a progress snapshot.
	EventProgress EventType = "progress"
	// EventLog carries a single log entry.
	EventLog EventType = "log"
	// EventComplete signals successful completion; terminal.
	EventComplete EventType = "complete"
	// EventError signals failure or cancellation; terminal.
	EventError EventType = "error"
	// EventHeartbeat keeps push streams alive.
	EventHeartbeat EventType = "heartbeat"
)

// CompleteInfo is the payload of a complete event.
type CompleteInfo struct {
	OutputFile     string `json:"output_file"`
	OutputURL      string `json:"output_url,omitempty"`
	TotalElapsedMs int64  `json:"total_elapsed_ms"`
}

// Event is a single progress bus event. Exactly one payload field matching
// Type is populated.
type Event struct {
	Type      EventType     `json:"type"`
	JobID     string        `json:"job_id"`
	Timestamp time.Time     `json:"timestamp"`
	Progress  *job.Progress `json:"progress,omitempty"`
	Log       *job.LogEntry `json:"log,omitempty"`
	Complete  *CompleteInfo `json:"complete,omitempty"`
	Error     *job.Error    `json:"error,omitempty"`
}

// terminal reports whether the event closes the job's stream.
func (e Event) terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// droppable reports whether the event may be evicted under backpressure.
func (e Event) droppable() bool {
	return e.Type == EventProgress || e.Type == EventLog
}

// DefaultBufferSize is the per-subscriber event buffer length.
const DefaultBufferSize = 64

// Subscription is one subscriber's attachment to a job's event stream.
// Events are received from C until Cancel is called or the job publishes
// a terminal event, after which C is closed.
type Subscription struct {
	id    string
	jobID string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// C returns the subscription's event channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription and releases its resources.
// It is idempotent; a cancelled subscription yields no further events.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.jobID, s.id)
	})
}

// Bus is the in-process progress bus. One publisher per job (the executor),
// any number of subscribers across jobs.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscription // jobID -> subID -> sub
	bufSize int
}

// New creates a progress bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a progress bus with the given per-subscriber buffer
// length. Sizes below 1 use 1.
func NewWithBuffer(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		subs:    make(map[string]map[string]*Subscription),
		bufSize: size,
	}
}

// Subscribe attaches a new subscriber to the given job's event stream.
// Subscribers joining mid-run receive live events only; callers wanting the
// current state issue a repository read before consuming the channel.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		id:    uuid.NewString(),
		jobID: jobID,
		ch:    make(chan Event, b.bufSize),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[string]*Subscription)
	}
	b.subs[jobID][sub.id] = sub
	return sub
}

// Publish delivers an event to every subscriber of the job without blocking.
// When a subscriber's buffer is full, its oldest droppable event is evicted
// to make room; terminal events are never dropped. Publishing a terminal
// event closes every subscription for the job.
func (b *Bus) Publish(jobID string, ev Event) {
	ev.JobID = jobID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[jobID] {
		b.offer(sub, ev)
	}

	if ev.terminal() {
		for id, sub := range b.subs[jobID] {
			close(sub.ch)
			delete(b.subs[jobID], id)
		}
		delete(b.subs, jobID)
	}
}

// offer enqueues without blocking, evicting the oldest droppable event on a
// full buffer. Terminal events only ever occur as the last event for a job,
// so the head of a full buffer is always droppable in practice; if it is
// not, the new event is discarded instead when itself droppable.
func (b *Bus) offer(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}

		select {
		case old := <-sub.ch:
			if !old.droppable() {
				// Head was terminal: keep it and discard the newcomer.
				sub.ch <- old
				if ev.droppable() {
					return
				}
			}
		default:
			// Buffer drained by the consumer between the two selects.
		}
	}
}

// SubscriberCount returns the number of active subscribers for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// remove detaches one subscriber and closes its channel.
func (b *Bus) remove(jobID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[jobID]; ok {
		if sub, ok := m[subID]; ok {
			delete(m, subID)
			close(sub.ch)
		}
		if len(m) == 0 {
			delete(b.subs, jobID)
		}
	}
}

// ProgressEvent builds a progress event for a job.
func ProgressEvent(p job.Progress) Event {
	// Logs ride on dedicated log events; the snapshot stays lean.
	p.Logs = nil
	return Event{Type: EventProgress, Progress: &p}
}

// LogEvent builds a log event for a job.
func LogEvent(entry job.LogEntry) Event {
	return Event{Type: EventLog, Log: &entry}
}

// CompleteEvent builds a terminal completion event.
func CompleteEvent(outputFile, outputURL string, elapsed time.Duration) Event {
	return Event{Type: EventComplete, Complete: &CompleteInfo{
		OutputFile:     outputFile,
		OutputURL:      outputURL,
		TotalElapsedMs: elapsed.Milliseconds(),
	}}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(e *job.Error) Event {
	return Event{Type: EventError, Error: e}
}

// HeartbeatEvent builds a heartbeat event.
func HeartbeatEvent() Event {
	return Event{Type: EventHeartbeat}
}
