// Package events is the in-process event stream of pipeline runs. The
// scheduler publishes, the SSE endpoint and the watch view follow.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBacklog   = 256
	subscriberBuffer = 512
)

// Event is one published record. IDs increase by one per Publish.
type Event struct {
	ID    int64     `json:"id"`
	Type  string    `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	At    time.Time `json:"at"`
	Data  []byte    `json:"data"` // JSON payload
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// runScoped payloads tag their event with a run id.
type runScoped interface {
	runID() string
}

// Hub fans events out to followers and keeps the most recent ones so late
// followers can catch up.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Uint64

	mu      sync.Mutex
	backlog []Event
	head    int
	count   int
	subs    map[*Subscription]struct{}
}

// Subscription is a follower. Backlog holds the buffered events newer than
// the requested id; C carries everything published afterwards, with no gap
// and no overlap between the two.
type Subscription struct {
	Backlog []Event
	C       <-chan Event

	hub   *Hub
	runID string
	ch    chan Event
	once  sync.Once
}

// NewHub creates a hub keeping the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultBacklog
	}
	return &Hub{
		backlog: make([]Event, capacity),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish records an event. A nil hub discards it.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	ev := Event{Type: eventType, At: time.Now().UTC(), Data: []byte("{}")}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}
	if rs, ok := data.(runScoped); ok {
		ev.RunID = rs.runID()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ev.ID = h.nextID.Add(1)
	h.append(ev)
	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		// A slow follower loses events rather than stall the scheduler.
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Follow subscribes to events newer than lastID. A non-empty runID limits
// both the backlog and the live channel to that run. Close the
// subscription when done.
func (h *Hub) Follow(lastID int64, runID string) *Subscription {
	sub := &Subscription{hub: h, runID: runID, ch: make(chan Event, subscriberBuffer)}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.snapshotLocked(lastID) {
		if sub.wants(ev) {
			sub.Backlog = append(sub.Backlog, ev)
		}
	}
	h.subs[sub] = struct{}{}
	return sub
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(lastID)
}

// Dropped counts events lost to full follower buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

func (s *Subscription) wants(ev Event) bool {
	return s.runID == "" || ev.RunID == s.runID
}

func (h *Hub) snapshotLocked(lastID int64) []Event {
	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.backlog[(h.head+i)%len(h.backlog)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) append(ev Event) {
	if h.count < len(h.backlog) {
		h.backlog[(h.head+h.count)%len(h.backlog)] = ev
		h.count++
		return
	}
	h.backlog[h.head] = ev
	h.head = (h.head + 1) % len(h.backlog)
}
