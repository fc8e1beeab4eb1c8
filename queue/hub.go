package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/proethica/proethica/pipeline"
)

// Event types published while runs execute.
const (
	EventRunStarted       = "run_started"
	EventStepStarted      = "step_started"
	EventSessionCompleted = "session_completed"
	EventStepCompleted    = "step_completed"
	EventRunCompleted     = "run_completed"
	EventRunFailed        = "run_failed"
	EventRunCancelled     = "run_cancelled"
)

// Event is one progress update of a run.
type Event struct {
	Type      string                  `json:"type"`
	RunID     string                  `json:"run_id"`
	CaseID    int64                   `json:"case_id"`
	Step      string                  `json:"step,omitempty"`
	Completed int                     `json:"steps_completed"`
	Total     int                     `json:"steps_total"`
	Session   *pipeline.SessionResult `json:"session,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Time      time.Time               `json:"time"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// subscriberBuffer is the per-subscriber channel capacity. Events to a full
// subscriber are dropped.
const subscriberBuffer = 64

type subscriber struct {
	runID string
	ch    chan Event
}

// Hub fans run events out to subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of the events of runID, or of every run when
// runID is empty, and a function that ends the subscription and closes the
// channel.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	s := &subscriber{runID: runID, ch: make(chan Event, subscriberBuffer)}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.runID != "" && s.runID != e.RunID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			slog.Warn("queue: subscriber full, dropping event", "run_id", e.RunID, "type", e.Type)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
