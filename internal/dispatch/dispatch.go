// Package dispatch orchestrates the path from an inbound user message to a
// persisted assistant reply: durable intake, session-FSM driving, and
// SyncHub fan-out, with at most one in-flight session per conversation.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gmhub/gm/internal/agent"
	"github.com/gmhub/gm/internal/errs"
	"github.com/gmhub/gm/internal/metrics"
	"github.com/gmhub/gm/internal/session"
	db "github.com/gmhub/gm/internal/store"
	"github.com/gmhub/gm/internal/synchub"
	"github.com/gmhub/gm/internal/timeout"
)

// Handle is returned synchronously from Dispatch: the caller gets the
// created message/session plus the FSM to read state from, while the rest
// of the work continues on a background goroutine.
type Handle struct {
	Message *db.Message
	Session *db.Session
	FSM     *session.FSM
}

// Dispatcher wires together the Store, the session registry, the agent
// registry, and the SyncHub to drive one user message through to a
// persisted assistant reply.
type Dispatcher struct {
	store    *db.Store
	sessions *session.Registry
	agents   *agent.Registry
	hub      *synchub.Manager
	timeouts *timeout.Config

	inflightMu sync.Mutex
	inflight   map[string]*sync.Mutex // conversationID -> exclusion lock
}

// New builds a Dispatcher over its collaborators.
func New(store *db.Store, sessions *session.Registry, agents *agent.Registry, hub *synchub.Manager, timeouts *timeout.Config) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sessions: sessions,
		agents:   agents,
		hub:      hub,
		timeouts: timeouts,
		inflight: make(map[string]*sync.Mutex),
	}
}

func (d *Dispatcher) conversationLock(conversationID string) *sync.Mutex {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	lock, ok := d.inflight[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		d.inflight[conversationID] = lock
	}
	return lock
}

// Dispatch performs the synchronous intake (appendMessage, createSession,
// FSM registration, message_created publish) and returns immediately; the
// rest of the pipeline (agent acquisition through the terminal
// transition) runs on a background goroutine owned by the Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID, content, agentID, idempotencyKey, folderContext string) (*Handle, error) {
	msg, err := d.store.AppendMessage(ctx, conversationID, db.RoleUser, []byte(content), idempotencyKey)
	if err != nil {
		return nil, err
	}

	sess, err := d.store.CreateSession(ctx, conversationID, msg.ID)
	if err != nil {
		return nil, err
	}

	timeoutMs := int(d.timeouts.SessionWatchdogTimeout() / time.Millisecond)
	fsm := d.sessions.Create(sess.ID, conversationID, msg.ID, timeoutMs)

	d.hub.Broadcast(conversationID, &synchub.Event{
		Type:           synchub.EventMessageCreated,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Data:           msg,
	})

	go d.run(conversationID, agentID, folderContext, content, sess, fsm)

	return &Handle{Message: msg, Session: sess, FSM: fsm}, nil
}

// Cancel aborts an in-flight session: transitions its FSM to cancelled
// and stops the underlying agent Runner through its cancellation handle.
func (d *Dispatcher) Cancel(sessionID string) bool {
	fsm := d.sessions.Get(sessionID)
	if fsm == nil {
		return false
	}
	_ = fsm.Transition(session.StateCancelled, "cancelled by request", nil)
	d.agents.Cancel(sessionID)
	return true
}

// run is the Dispatcher's background task: it drives the FSM from
// acquiring_agent through to a terminal state, publishing stream chunks
// and lifecycle events as it goes.
func (d *Dispatcher) run(conversationID, agentID, folderContext, prompt string, sess *db.Session, fsm *session.FSM) {
	logger := slog.With("session_id", fsm.SessionID, "conversation_id", conversationID)

	lock := d.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()

	if err := fsm.Transition(session.StateAcquiringAgent, "", nil); err != nil {
		logger.Error("invalid transition", "error", err)
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, d.timeouts.AgentAcquisitionTimeout())
	runner, err := d.agents.Acquire(acquireCtx, agentID, fsm.SessionID)
	cancel()
	if err != nil {
		logger.Warn("agent acquisition failed", "error", err)
		d.fail(ctx, fsm, sess.ID, conversationID, errs.Wrap(errs.Agent, true, "agent acquisition failed", err))
		return
	}
	defer d.agents.Release(fsm.SessionID)

	if err := fsm.Transition(session.StateAgentAcquired, "", nil); err != nil {
		logger.Error("invalid transition", "error", err)
		return
	}
	if err := fsm.Transition(session.StateSendingPrompt, "", map[string]any{"promptSentTime": time.Now()}); err != nil {
		logger.Error("invalid transition", "error", err)
		return
	}

	logger.Info("dispatching to agent", "agent_id", agentID)

	firstChunk := true
	metrics.ActiveAgents.Inc()
	result, runErr := runner.Run(ctx, prompt, folderContext, func(c agent.Chunk) {
		if firstChunk {
			firstChunk = false
			_ = fsm.Transition(session.StateProcessing, "", map[string]any{
				"responseReceivedTime": time.Now(),
				"appendText":           string(c.Raw),
				"block":                map[string]any{"type": string(c.Type)},
			})
			_, _ = d.store.UpdateSession(ctx, sess.ID, db.SessionPatch{Status: strPtr(db.SessionStatusProcessing)})
		} else {
			fsm.MergeData(map[string]any{
				"appendText": string(c.Raw),
				"block":      map[string]any{"type": string(c.Type)},
			})
		}
		d.hub.Broadcast(conversationID, &synchub.Event{
			Type:           synchub.EventStream,
			ConversationID: conversationID,
			SessionID:      fsm.SessionID,
			Chunk:          c.Raw,
		})
	})
	metrics.ActiveAgents.Dec()

	if runErr != nil {
		d.fail(ctx, fsm, sess.ID, conversationID, errs.Wrap(errs.Agent, false, "agent run failed", runErr))
		return
	}

	assistantMsg, err := d.store.AppendMessage(ctx, conversationID, db.RoleAssistant, []byte(result.FinalText), "")
	if err != nil {
		d.fail(ctx, fsm, sess.ID, conversationID, err)
		return
	}

	completedAt := time.Now().UnixMicro()
	response := &db.SessionResponse{Text: result.FinalText, AssistantMessageID: assistantMsg.ID}
	updated, err := d.store.UpdateSession(ctx, sess.ID, db.SessionPatch{
		Status:      strPtr(db.SessionStatusCompleted),
		CompletedAt: &completedAt,
		Response:    response,
	})
	if err != nil {
		d.fail(ctx, fsm, sess.ID, conversationID, err)
		return
	}

	_ = fsm.Transition(session.StateCompleted, "", map[string]any{"responseReceivedTime": time.Now()})

	d.hub.Broadcast(conversationID, &synchub.Event{
		Type:           synchub.EventSessionUpdated,
		ConversationID: conversationID,
		SessionID:      fsm.SessionID,
		MessageID:      assistantMsg.ID,
		SessionState:   db.SessionStatusCompleted,
		Data:           updated,
	})
	logger.Info("session completed")
}

func (d *Dispatcher) fail(ctx context.Context, fsm *session.FSM, sessionID, conversationID string, err error) {
	kind := errs.KindOf(err)
	newState := session.StateError
	if kind == errs.Timeout {
		newState = session.StateTimeout
	}

	msg := err.Error()
	_ = fsm.Transition(newState, msg, map[string]any{"error": msg})

	_, _ = d.store.UpdateSession(ctx, sessionID, db.SessionPatch{
		Status: strPtr(string(newState)),
		Error:  &msg,
	})

	d.hub.Broadcast(conversationID, &synchub.Event{
		Type:           synchub.EventSessionUpdated,
		ConversationID: conversationID,
		SessionID:      sessionID,
		SessionState:   string(newState),
		Data:           map[string]any{"error": msg},
	})
}

func strPtr(s string) *string { return &s }
