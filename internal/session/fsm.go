// Package session implements the per-session state machine: an explicit,
// mutex-guarded FSM with a watchdog timeout and a single-shot completion
// future, plus a process-wide registry of live FSMs.
package session

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the session lifecycle states.
type State string

const (
	StatePending         State = "pending"
	StateAcquiringAgent  State = "acquiring_agent"
	StateAgentAcquired   State = "agent_acquired"
	StateSendingPrompt   State = "sending_prompt"
	StateProcessing      State = "processing"
	StateCompleted       State = "completed"
	StateError           State = "error"
	StateTimeout         State = "timeout"
	StateCancelled       State = "cancelled"
)

// legalTransitions enumerates the only legal next states for each state.
// cancelled and timeout are reachable from every non-terminal state --
// timeout so the watchdog can always force convergence, even from pending
// before any other transition has happened.
var legalTransitions = map[State][]State{
	StatePending:        {StateAcquiringAgent, StateCancelled},
	StateAcquiringAgent: {StateAgentAcquired, StateError, StateTimeout, StateCancelled},
	StateAgentAcquired:  {StateSendingPrompt, StateError, StateTimeout, StateCancelled},
	StateSendingPrompt:  {StateProcessing, StateError, StateTimeout, StateCancelled},
	StateProcessing:     {StateCompleted, StateError, StateTimeout, StateCancelled},
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateError, StateTimeout, StateCancelled:
		return true
	default:
		return false
	}
}

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	State       State
	TimestampMs int64
	Reason      string
	Details     map[string]any
}

// Data is the free-form per-session bag accumulated across transitions.
type Data struct {
	AgentConnectionTime  time.Time
	PromptSentTime       time.Time
	ResponseReceivedTime time.Time
	FullText             string
	Blocks               []map[string]any
	Error                string
	StackTrace           string
}

// Completion is the resolved outcome of a terminal transition.
type Completion struct {
	State State
	Data  Data
	Err   error
}

// InvalidTransitionError is returned by Transition when newState is not in
// the legal set for the FSM's current state.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: cannot go from %q to %q", e.From, e.To)
}

// TerminalError is the error carried in Completion.Err (as returned by
// Result) for any terminal state other than completed.
type TerminalError struct {
	State State
	Msg   string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("session ended in %q: %s", e.State, e.Msg)
}

// FSM is one session's explicit state machine: a struct guarded by a
// single internal mutex, not an actor, matching the mutex-guarded-struct
// shape used throughout this codebase's other in-memory registries.
type FSM struct {
	SessionID      string
	ConversationID string
	UserMessageID  string

	mu      sync.Mutex
	state   State
	history []HistoryEntry
	data    Data

	watchdog   *time.Timer
	done       chan struct{}
	completion Completion
	resolved   bool
}

// New constructs an FSM in state pending, arms the watchdog for
// timeoutMs (0 uses the default of 120s), and starts the completion
// future.
func New(sessionID, conversationID, userMessageID string, timeoutMs int) *FSM {
	if timeoutMs <= 0 {
		timeoutMs = 120_000
	}
	f := &FSM{
		SessionID:      sessionID,
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		state:          StatePending,
		done:           make(chan struct{}),
	}
	f.history = append(f.history, HistoryEntry{
		State:       StatePending,
		TimestampMs: time.Now().UnixMilli(),
	})
	f.watchdog = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, f.fireWatchdog)
	return f
}

func (f *FSM) fireWatchdog() {
	// Watchdog fires are idempotent: transition() is a no-op once terminal.
	_ = f.Transition(StateTimeout, "watchdog expired", nil)
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// History returns a copy of the recorded transition history.
func (f *FSM) History() []HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]HistoryEntry, len(f.history))
	copy(out, f.history)
	return out
}

// Data returns a copy of the per-session data bag.
func (f *FSM) Data() Data {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.data
	d.Blocks = append([]map[string]any(nil), f.data.Blocks...)
	return d
}

// Transition validates and applies a state change. newState must be in
// the legal set for the FSM's current state, or cancelled or timeout (both
// allowed from any non-terminal state), or the call fails with an *InvalidTransitionError and leaves the FSM unchanged.
// Once terminal, every further call (including the watchdog) is a no-op
// returning nil -- this is what keeps the completion future single-shot
// even if the watchdog and a normal completion race.
func (f *FSM) Transition(newState State, reason string, data map[string]any) error {
	f.mu.Lock()

	if IsTerminal(f.state) {
		f.mu.Unlock()
		return nil
	}

	if !f.legalFrom(f.state, newState) {
		f.mu.Unlock()
		return &InvalidTransitionError{From: f.state, To: newState}
	}

	f.state = newState
	f.history = append(f.history, HistoryEntry{
		State:       newState,
		TimestampMs: time.Now().UnixMilli(),
		Reason:      reason,
		Details:     data,
	})
	f.mergeData(data)

	terminal := IsTerminal(newState)
	if terminal {
		f.watchdog.Stop()
	}
	f.mu.Unlock()

	if terminal {
		f.resolve(newState)
	}
	return nil
}

// MergeData merges data into the session's data bag without attempting a
// state transition. Used for every chunk after the first, where only the
// first chunk drives the sending_prompt->processing transition and the rest just
// accumulate text/blocks.
func (f *FSM) MergeData(data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if IsTerminal(f.state) {
		return
	}
	f.mergeData(data)
}

func (f *FSM) legalFrom(from, to State) bool {
	if to == StateCancelled || to == StateTimeout {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (f *FSM) mergeData(data map[string]any) {
	if data == nil {
		return
	}
	if v, ok := data["agentConnectionTime"].(time.Time); ok {
		f.data.AgentConnectionTime = v
	}
	if v, ok := data["promptSentTime"].(time.Time); ok {
		f.data.PromptSentTime = v
	}
	if v, ok := data["responseReceivedTime"].(time.Time); ok {
		f.data.ResponseReceivedTime = v
	}
	if v, ok := data["appendText"].(string); ok {
		f.data.FullText += v
	}
	if v, ok := data["block"].(map[string]any); ok {
		f.data.Blocks = append(f.data.Blocks, v)
	}
	if v, ok := data["error"].(string); ok {
		f.data.Error = v
	}
	if v, ok := data["stackTrace"].(string); ok {
		f.data.StackTrace = v
	}
}

// resolve closes the completion future exactly once, on the first
// terminal transition.
func (f *FSM) resolve(state State) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.resolved = true
	c := Completion{State: state, Data: f.data}
	if state != StateCompleted {
		c.Err = &TerminalError{State: state, Msg: f.data.Error}
	}
	f.completion = c
	f.mu.Unlock()
	close(f.done)
}

// Completion returns a channel that is closed when the FSM reaches its
// first terminal state; it never closes if that does not happen, so
// callers race it against their own context where needed. The resolved
// outcome is read afterwards through Result.
func (f *FSM) Completion() <-chan struct{} {
	return f.done
}

// Result returns the resolved Completion. Only meaningful after a
// receive from Completion() has unblocked.
func (f *FSM) Result() Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completion
}

// Summary is the shape returned for diagnostics snapshots.
type Summary struct {
	SessionID      string
	ConversationID string
	State          State
	History        []HistoryEntry
}

// Snapshot returns a deep-copied summary -- never a pointer into live
// state -- so diagnostics consumers can't observe a torn read.
func (f *FSM) Snapshot() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	hist := make([]HistoryEntry, len(f.history))
	copy(hist, f.history)
	return Summary{
		SessionID:      f.SessionID,
		ConversationID: f.ConversationID,
		State:          f.state,
		History:        hist,
	}
}

// LastTransitionAt returns the timestamp of the most recent history entry.
func (f *FSM) LastTransitionAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.history[len(f.history)-1].TimestampMs)
}

// StartedAt returns the timestamp of the FSM's construction.
func (f *FSM) StartedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.UnixMilli(f.history[0].TimestampMs)
}
