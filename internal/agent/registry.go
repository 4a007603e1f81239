package agent

import (
	"context"
	"fmt"
	"sync"
)

// Factory builds a fresh Runner for one Run call.
type Factory func() Runner

// Registry resolves an agentId to a Runner factory and tracks the Runner
// currently executing each session, so the Dispatcher's cancellation path
// can reach it by sessionId rather than agentId -- sessions, not agents,
// are the unit of concurrency here.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	live      map[string]Runner // sessionID -> Runner
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		live:      make(map[string]Runner),
	}
}

// Register binds an agentId to a Runner factory.
func (r *Registry) Register(agentID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentID] = factory
}

// Acquire resolves agentId to a Runner and registers it under sessionID.
// Fails if ctx is cancelled/expired before a factory is found, or if no
// factory is registered for agentID.
func (r *Registry) Acquire(ctx context.Context, agentID, sessionID string) (Runner, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[agentID]
	if !ok {
		return nil, fmt.Errorf("no agent registered for agentId %q", agentID)
	}

	runner := factory()
	r.live[sessionID] = runner
	return runner, nil
}

// Release removes the bookkeeping entry for a session once its Run call
// has resolved (terminal transition reached).
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sessionID)
}

// Cancel aborts the Runner bound to sessionID, if any is still live.
// Returns true if a live Runner was found and cancelled.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.RLock()
	runner, ok := r.live[sessionID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	runner.Cancel()
	return true
}
