// Package synchub fans out conversation activity to subscribed watchers:
// HTTP/WebSocket streams that want to observe a conversation's messages,
// agent output, and session lifecycle as they happen.
package synchub

import (
	"log/slog"
	"sync"

	"github.com/gmhub/gm/internal/metrics"
)

// EventType discriminates the payloads fanned out by the Manager.
type EventType string

const (
	// EventMessageCreated announces a newly durable message.
	EventMessageCreated EventType = "message_created"
	// EventStream carries one incremental chunk of agent output.
	EventStream EventType = "stream"
	// EventSessionUpdated announces a session FSM state transition.
	EventSessionUpdated EventType = "session_updated"
	// EventConversationUpdated announces conversation-level metadata changes
	// (e.g. title, last-activity) used for sidebar-style summaries.
	EventConversationUpdated EventType = "conversation_updated"
)

// Event is the discriminated union fanned out to watchers of a conversation.
// Only the fields relevant to Type are populated.
type Event struct {
	Type           EventType
	ConversationID string
	SessionID      string
	MessageID      string
	Chunk          []byte
	SessionState   string
	Data           any
}

// isLifecycle reports whether an event must never be dropped for a slow
// watcher. Stream chunks are the one event class that's safe to drop,
// since a client that missed a chunk can still read the full message
// once it lands.
func (e Event) isLifecycle() bool {
	return e.Type != EventStream
}

const (
	streamBufferSize    = 64
	lifecycleBufferSize = 256
)

// Watcher represents a single subscriber (HTTP/WS stream) observing a
// conversation. Stream and lifecycle events arrive on separate channels so
// a backlogged stream buffer can be drained and dropped independently of
// guaranteed lifecycle delivery.
type Watcher struct {
	stream    chan *Event
	lifecycle chan *Event

	overflowMu sync.Mutex
	overflow   []*Event
	draining   bool
}

func newWatcher() *Watcher {
	return &Watcher{
		stream:    make(chan *Event, streamBufferSize),
		lifecycle: make(chan *Event, lifecycleBufferSize),
	}
}

// Stream returns the channel carrying incremental agent-output chunks.
// Full buffers drop the oldest pending chunk rather than blocking the
// publisher.
func (w *Watcher) Stream() <-chan *Event {
	return w.stream
}

// Lifecycle returns the channel carrying message/session/conversation
// events. Never drops: once the buffered channel fills, further events
// queue in an unbounded overflow that a background drain feeds back into
// the channel in order, so a slow watcher backs up in memory instead of
// ever losing an event.
func (w *Watcher) Lifecycle() <-chan *Event {
	return w.lifecycle
}

// deliverLifecycle enqueues a lifecycle event for this watcher. The
// common case (channel has room) is a direct, synchronous, non-blocking
// send. Only once the channel is full does delivery fall back to the
// unbounded overflow queue, drained into the channel by a dedicated
// goroutine that exits once it catches up.
func (w *Watcher) deliverLifecycle(conversationID string, event *Event) {
	w.overflowMu.Lock()
	if w.draining {
		w.overflow = append(w.overflow, event)
		w.overflowMu.Unlock()
		return
	}

	select {
	case w.lifecycle <- event:
		w.overflowMu.Unlock()
		return
	default:
	}

	slog.Warn("lifecycle watcher buffer full, queuing to unbounded overflow",
		"conversation_id", conversationID, "event_type", event.Type)
	w.overflow = append(w.overflow, event)
	w.draining = true
	w.overflowMu.Unlock()
	go w.drainOverflow()
}

func (w *Watcher) drainOverflow() {
	for {
		w.overflowMu.Lock()
		if len(w.overflow) == 0 {
			w.draining = false
			w.overflowMu.Unlock()
			return
		}
		e := w.overflow[0]
		w.overflow = w.overflow[1:]
		w.overflowMu.Unlock()
		w.lifecycle <- e
	}
}

// Manager tracks active conversation watchers and fans out events.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]map[*Watcher]struct{} // conversationID -> set of watchers
	global   map[*Watcher]struct{}            // lifecycle-only, sidebar-style fan-out
}

// New creates a new Manager.
func New() *Manager {
	return &Manager{
		watchers: make(map[string]map[*Watcher]struct{}),
		global:   make(map[*Watcher]struct{}),
	}
}

// WatchGlobal registers a watcher that receives lifecycle events (never
// stream chunks) across every conversation, for sidebar-style summaries.
func (m *Manager) WatchGlobal() *Watcher {
	w := newWatcher()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global[w] = struct{}{}
	return w
}

// UnwatchGlobal removes a global watcher. Safe to call multiple times.
func (m *Manager) UnwatchGlobal(w *Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.global, w)
}

// Watch registers a new watcher for the given conversation.
// The returned Watcher should be removed with Unwatch when done.
func (m *Manager) Watch(conversationID string) *Watcher {
	w := newWatcher()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watchers[conversationID] == nil {
		m.watchers[conversationID] = make(map[*Watcher]struct{})
	}
	m.watchers[conversationID][w] = struct{}{}
	if len(m.watchers[conversationID]) == 1 {
		metrics.WatchedConversations.Inc()
	}

	return w
}

// Unwatch removes a watcher. Safe to call multiple times.
func (m *Manager) Unwatch(conversationID string, w *Watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.watchers[conversationID]; ok {
		delete(ws, w)
		if len(ws) == 0 {
			delete(m.watchers, conversationID)
			metrics.WatchedConversations.Dec()
		}
	}
}

// Broadcast sends an event to all watchers of the given conversation.
// Stream events are dropped (oldest first) on a full buffer; lifecycle
// events are never dropped.
func (m *Manager) Broadcast(conversationID string, event *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for w := range m.watchers[conversationID] {
		w.deliver(conversationID, event)
	}
	if event.isLifecycle() {
		for w := range m.global {
			w.deliver(conversationID, event)
		}
	}
}

func (w *Watcher) deliver(conversationID string, event *Event) {
	if !event.isLifecycle() {
		for {
			select {
			case w.stream <- event:
				return
			default:
			}
			select {
			case <-w.stream:
				slog.Warn("dropping oldest stream event: watcher buffer full",
					"conversation_id", conversationID, "event_type", event.Type)
			default:
				return
			}
		}
	}

	w.deliverLifecycle(conversationID, event)
}

// ConversationBroadcast pairs a conversation ID with the event to broadcast.
type ConversationBroadcast struct {
	ConversationID string
	Event          *Event
}

// BroadcastMany sends events to watchers of multiple conversations in a
// single lock acquisition.
func (m *Manager) BroadcastMany(events []ConversationBroadcast) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range events {
		for w := range m.watchers[e.ConversationID] {
			w.deliver(e.ConversationID, e.Event)
		}
		if e.Event.isLifecycle() {
			for w := range m.global {
				w.deliver(e.ConversationID, e.Event)
			}
		}
	}
}
