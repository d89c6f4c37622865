// Package events provides the runtime's lifecycle event log. Emissions are
// fire-and-forget: an external analytics or observability collector subscribes
// and the runtime never blocks on delivery.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a lifecycle event.
type Type string

const (
	// Instance lifecycle
	EventInstanceLoaded     Type = "instance_loaded"
	EventInstanceRunning    Type = "instance_running"
	EventInstanceSuspended  Type = "instance_suspended"
	EventInstanceResumed    Type = "instance_resumed"
	EventInstanceTerminated Type = "instance_terminated"
	EventInstanceCrashed    Type = "instance_crashed"

	// Permissions
	EventPermissionGranted Type = "permission_granted"
	EventPermissionDenied  Type = "permission_denied"
	EventPermissionRevoked Type = "permission_revoked"

	// Rollout
	EventRolloutConfigured Type = "rollout_configured"
	EventKillSwitch        Type = "kill_switch"
	EventKillSwitchCleared Type = "kill_switch_cleared"

	// Updates
	EventUpdateAvailable  Type = "update_available"
	EventUpdateDownloaded Type = "update_downloaded"
	EventUpdateApplied    Type = "update_applied"
	EventUpdateFailed     Type = "update_failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a structured lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	AppID   string `json:"app_id,omitempty"`
	Version string `json:"version,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be delivered to a handler.
type Filter func(Event) bool

// Logger is the interface the runtime emits through.
type Logger interface {
	// Log records an event.
	Log(event Event)

	// Subscribe registers a handler for all events. The returned function
	// unsubscribes.
	Subscribe(handler Handler) func()

	// SubscribeFiltered registers a handler with a filter.
	SubscribeFiltered(filter Filter, handler Handler) func()

	// Recent returns the most recent n events, newest first.
	Recent(n int) []Event

	// RecentByApp returns recent events for one app.
	RecentByApp(appID string, n int) []Event
}

// Ring is a thread-safe circular event buffer.
type Ring struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRing creates an event ring buffer.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1024
	}
	return &Ring{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies subscribers.
func (r *Ring) Log(event Event) {
	r.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	r.events[r.head] = event
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}

	handlers := make([]handlerEntry, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	// Deliver outside the lock.
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (r *Ring) Subscribe(handler Handler) func() {
	return r.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (r *Ring) SubscribeFiltered(filter Filter, handler Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers = append(r.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, h := range r.handlers {
			if h.id == id {
				r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events in reverse chronological order.
func (r *Ring) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		result[i] = r.events[idx]
	}
	return result
}

// RecentByApp returns recent events for a specific app.
func (r *Ring) RecentByApp(appID string, n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < r.count && len(result) < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		if r.events[idx].AppID == appID {
			result = append(result, r.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// NopLogger discards all events.
type NopLogger struct{}

func (NopLogger) Log(Event)                                {}
func (NopLogger) Subscribe(Handler) func()                 { return func() {} }
func (NopLogger) SubscribeFiltered(Filter, Handler) func() { return func() {} }
func (NopLogger) Recent(int) []Event                       { return nil }
func (NopLogger) RecentByApp(string, int) []Event          { return nil }
