package session

import (
	"sync"
	"time"
)

const (
	// DefaultRetention is how long a terminal FSM is kept around after its
	// last transition before the sweep removes it.
	DefaultRetention = time.Hour
	// DefaultSweepInterval is how often the sweep goroutine runs.
	DefaultSweepInterval = 10 * time.Minute
)

// Registry is the process-wide index of live FSM instances, keyed by
// sessionId.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*FSM

	retention     time.Duration
	sweepInterval time.Duration
	sweepTicker   *time.Ticker
	closeOnce     sync.Once
	stop          chan struct{}
}

// NewRegistry starts a Registry and its background sweep goroutine.
func NewRegistry() *Registry {
	return NewRegistryWithRetention(DefaultRetention, DefaultSweepInterval)
}

// NewRegistryWithRetention starts a Registry with explicit retention and
// sweep-interval overrides, mainly for tests.
func NewRegistryWithRetention(retention, sweepInterval time.Duration) *Registry {
	r := &Registry{
		sessions:      make(map[string]*FSM),
		retention:     retention,
		sweepInterval: sweepInterval,
		sweepTicker:   time.NewTicker(sweepInterval),
		stop:          make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.sweepTicker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, fsm := range r.sessions {
		if IsTerminal(fsm.State()) && fsm.LastTransitionAt().Before(cutoff) {
			delete(r.sessions, id)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.sweepTicker.Stop()
		close(r.stop)
	})
}

// Create constructs a new FSM and registers it under sessionID.
func (r *Registry) Create(sessionID, conversationID, userMessageID string, timeoutMs int) *FSM {
	fsm := New(sessionID, conversationID, userMessageID, timeoutMs)
	r.mu.Lock()
	r.sessions[sessionID] = fsm
	r.mu.Unlock()
	return fsm
}

// Get returns the FSM for sessionID, or nil if absent.
func (r *Registry) Get(sessionID string) *FSM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Remove unregisters a session immediately, bypassing the sweep's
// retention window.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// ActiveSummary is one entry of Diagnostics().Active.
type ActiveSummary struct {
	SessionID string
	State     State
	UptimeMs  int64
}

// Diagnostics is the snapshot returned by Registry.Diagnostics.
type Diagnostics struct {
	ActiveCount    int
	TerminalCount  int
	Total          int
	Active         []ActiveSummary
	RecentTerminal []Summary
}

// Diagnostics returns a deep-copied snapshot of the registry's state --
// never a pointer into live FSMs -- for the diagnostics endpoint.
func (r *Registry) Diagnostics() Diagnostics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := Diagnostics{Total: len(r.sessions)}
	now := time.Now()

	for _, fsm := range r.sessions {
		st := fsm.State()
		if IsTerminal(st) {
			d.TerminalCount++
			d.RecentTerminal = append(d.RecentTerminal, fsm.Snapshot())
		} else {
			d.ActiveCount++
			d.Active = append(d.Active, ActiveSummary{
				SessionID: fsm.SessionID,
				State:     st,
				UptimeMs:  now.Sub(fsm.StartedAt()).Milliseconds(),
			})
		}
	}
	return d
}
