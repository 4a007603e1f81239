package synchub

import (
	"context"

	db "github.com/gmhub/gm/internal/store"
)

// ResumeMode discriminates the outcome of Resume.
type ResumeMode string

const (
	// ResumeIdle means no session exists yet for the conversation.
	ResumeIdle ResumeMode = "idle"
	// ResumeAttach means a session is pending/processing; the caller should
	// attach to the live fan-out via Watch.
	ResumeAttach ResumeMode = "attach"
	// ResumeReplay means the session completed; the full response text is
	// available without re-attaching to a stream.
	ResumeReplay ResumeMode = "replay"
	// ResumeTerminal means the session ended in error/timeout/cancelled.
	ResumeTerminal ResumeMode = "terminal"
)

// Resumption is the result of Resume: what a newly-attaching subscriber
// should do with the conversation's most recent session.
type Resumption struct {
	Mode    ResumeMode
	Session *db.Session
}

// Resume looks up the latest session for a conversation and classifies it
// so a reconnecting client knows whether to attach to a live stream,
// replay a completed response, or render a terminal error -- it reads
// directly from Store.LatestSession rather than keeping a separate cache.
func Resume(ctx context.Context, store *db.Store, conversationID string) (Resumption, error) {
	sess, err := store.LatestSession(ctx, conversationID)
	if err != nil {
		return Resumption{}, err
	}
	if sess == nil {
		return Resumption{Mode: ResumeIdle}, nil
	}

	switch sess.Status {
	case db.SessionStatusPending, db.SessionStatusProcessing:
		return Resumption{Mode: ResumeAttach, Session: sess}, nil
	case db.SessionStatusCompleted:
		return Resumption{Mode: ResumeReplay, Session: sess}, nil
	default:
		return Resumption{Mode: ResumeTerminal, Session: sess}, nil
	}
}
