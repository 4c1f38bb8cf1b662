// Package events fans out project snapshot events to subscribers.
//
// The hub keeps a bounded per-project stream so late readers can catch up,
// and forgets a project's stream when the project is purged.
package events

import (
	"context"
	"encoding/json"
	"sync"
)

// ProjectSnapshot is the only event kind emitted today.
const ProjectSnapshot = "project_snapshot"

// DefaultStreamSize bounds how many events are retained per project.
const DefaultStreamSize = 64

// Event is one delivery. Seq is the project revision the event describes.
type Event struct {
	Event     string          `json:"event"`
	ProjectID string          `json:"projectId"`
	Seq       int64           `json:"seq"`
	Data      json.RawMessage `json:"data"`
}

// Subscriber receives events synchronously on the publishing goroutine and
// must not block.
type Subscriber func(Event)

// Hub is safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	streamSize int
	streams    map[string][]Event
	subs       map[int]Subscriber
	nextSub    int
}

// NewHub creates a hub retaining streamSize events per project
// (DefaultStreamSize when <= 0).
func NewHub(streamSize int) *Hub {
	if streamSize <= 0 {
		streamSize = DefaultStreamSize
	}
	return &Hub{
		streamSize: streamSize,
		streams:    make(map[string][]Event),
		subs:       make(map[int]Subscriber),
	}
}

// Publish records a snapshot event for projectID and notifies subscribers.
func (h *Hub) Publish(projectID string, seq int64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ev := Event{Event: ProjectSnapshot, ProjectID: projectID, Seq: seq, Data: raw}

	h.mu.Lock()
	stream := append(h.streams[projectID], ev)
	if len(stream) > h.streamSize {
		stream = stream[len(stream)-h.streamSize:]
	}
	h.streams[projectID] = stream
	subs := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s(ev)
	}
	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Since returns retained events for projectID with Seq > after.
func (h *Hub) Since(projectID string, after int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, ev := range h.streams[projectID] {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// PurgeProject drops the project's event stream.
func (h *Hub) PurgeProject(_ context.Context, projectID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, projectID)
	return nil
}
