package synchub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_WatchAndBroadcastLifecycle(t *testing.T) {
	m := New()
	w := m.Watch("c1")
	defer m.Unwatch("c1", w)

	event := &Event{
		Type:           EventSessionUpdated,
		ConversationID: "c1",
		SessionID:      "s1",
		SessionState:   "active",
	}
	m.Broadcast("c1", event)

	select {
	case got := <-w.Lifecycle():
		assert.Equal(t, EventSessionUpdated, got.Type)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, "active", got.SessionState)
	default:
		require.Fail(t, "expected event on channel")
	}
}

func TestManager_WatchAndBroadcastStream(t *testing.T) {
	m := New()
	w := m.Watch("c1")
	defer m.Unwatch("c1", w)

	m.Broadcast("c1", &Event{
		Type:           EventStream,
		ConversationID: "c1",
		SessionID:      "s1",
		Chunk:          []byte("hello"),
	})

	select {
	case got := <-w.Stream():
		assert.Equal(t, []byte("hello"), got.Chunk)
	default:
		require.Fail(t, "expected event on channel")
	}
}

func TestManager_Unwatch(t *testing.T) {
	m := New()
	w := m.Watch("c1")
	m.Unwatch("c1", w)

	// After unwatch, broadcast should not deliver.
	m.Broadcast("c1", &Event{Type: EventSessionUpdated, ConversationID: "c1"})

	select {
	case <-w.Lifecycle():
		require.Fail(t, "did not expect event after unwatch")
	default:
	}
}

func TestManager_BroadcastNoWatchers(t *testing.T) {
	m := New()
	// Should not panic.
	m.Broadcast("nonexistent", &Event{Type: EventSessionUpdated, ConversationID: "nonexistent"})
}

func TestManager_StreamBufferOverflowDropsOldest(t *testing.T) {
	m := New()
	w := m.Watch("c1")
	defer m.Unwatch("c1", w)

	// Fill the buffer (64 capacity) then push one more.
	for i := 0; i < streamBufferSize+1; i++ {
		m.Broadcast("c1", &Event{Type: EventStream, ConversationID: "c1", Chunk: []byte{byte(i)}})
	}

	// The buffer should be full but not have dropped the newest event.
	var last *Event
	for {
		select {
		case e := <-w.Stream():
			last = e
			continue
		default:
		}
		break
	}
	require.NotNil(t, last)
	assert.Equal(t, byte(streamBufferSize), last.Chunk[0])
}

func TestManager_LifecycleBufferOverflowDoesNotPanic(t *testing.T) {
	m := New()
	w := m.Watch("c1")
	defer m.Unwatch("c1", w)

	event := &Event{Type: EventSessionUpdated, ConversationID: "c1"}
	for i := 0; i < lifecycleBufferSize+1; i++ {
		m.Broadcast("c1", event)
	}
}

func TestManager_BroadcastMany(t *testing.T) {
	m := New()
	w1 := m.Watch("c1")
	w2 := m.Watch("c2")
	defer m.Unwatch("c1", w1)
	defer m.Unwatch("c2", w2)

	events := []ConversationBroadcast{
		{ConversationID: "c1", Event: &Event{Type: EventSessionUpdated, ConversationID: "c1", SessionState: "active"}},
		{ConversationID: "c2", Event: &Event{Type: EventSessionUpdated, ConversationID: "c2", SessionState: "completed"}},
	}
	m.BroadcastMany(events)

	select {
	case got := <-w1.Lifecycle():
		assert.Equal(t, "active", got.SessionState)
	default:
		require.Fail(t, "expected event on w1 channel")
	}

	select {
	case got := <-w2.Lifecycle():
		assert.Equal(t, "completed", got.SessionState)
	default:
		require.Fail(t, "expected event on w2 channel")
	}
}

func TestManager_MultipleWatchers(t *testing.T) {
	m := New()
	w1 := m.Watch("c1")
	w2 := m.Watch("c1")
	defer m.Unwatch("c1", w1)
	defer m.Unwatch("c1", w2)

	event := &Event{Type: EventSessionUpdated, ConversationID: "c1", SessionState: "active"}
	m.Broadcast("c1", event)

	for _, w := range []*Watcher{w1, w2} {
		select {
		case got := <-w.Lifecycle():
			assert.Equal(t, "active", got.SessionState)
		default:
			require.Fail(t, "expected event on channel")
		}
	}
}

func TestManager_GlobalWatcherReceivesLifecycleAcrossConversations(t *testing.T) {
	m := New()
	g := m.WatchGlobal()
	defer m.UnwatchGlobal(g)

	m.Broadcast("c1", &Event{Type: EventSessionUpdated, ConversationID: "c1", SessionState: "completed"})
	m.Broadcast("c2", &Event{Type: EventSessionUpdated, ConversationID: "c2", SessionState: "error"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-g.Lifecycle():
			seen[got.ConversationID] = true
		default:
			require.Fail(t, "expected event on global channel")
		}
	}
	assert.True(t, seen["c1"])
	assert.True(t, seen["c2"])
}

func TestManager_GlobalWatcherDoesNotReceiveStreamChunks(t *testing.T) {
	m := New()
	g := m.WatchGlobal()
	defer m.UnwatchGlobal(g)

	m.Broadcast("c1", &Event{Type: EventStream, ConversationID: "c1", Chunk: []byte("x")})

	select {
	case <-g.Stream():
		require.Fail(t, "global watcher should not receive stream chunks")
	default:
	}
}
