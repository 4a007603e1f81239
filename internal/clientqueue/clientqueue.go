// Package clientqueue is a reference client for the HTTP surface exposed by
// internal/httpapi: a FIFO queue of pending message dispatches that survives
// disconnects and retries each one with exponential backoff before giving up.
//
// It is not part of the server; it exists to drive the server through
// realistic disconnect/reconnect sequences in end-to-end tests.
package clientqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gmhub/gm/internal/id"
)

const maxAttempts = 5

// newQueueBackoff builds the retry policy for one dispatch: 1s initial,
// doubling, capped at 16s.
func newQueueBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 16 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Dispatch is one outbound message dispatch awaiting delivery.
type Dispatch struct {
	ConversationID string
	Content        string
	AgentID        string
	FolderContext  string
	IdempotencyKey string
}

// pending pairs a Dispatch with its own backoff state, so retries of one
// operation never perturb another's interval.
type pending struct {
	dispatch Dispatch
	backoff  *backoff.ExponentialBackOff
	attempts int
}

// Queue is a FIFO of pending dispatches flushed against a server's HTTP
// surface. While offline it just accumulates; Flush drains it in order,
// retrying each dispatch up to maxAttempts before leaving it queued at the
// front for a later manual retry.
type Queue struct {
	httpClient *http.Client
	baseURL    string
	newBackoff func() *backoff.ExponentialBackOff

	mu      sync.Mutex
	pending []*pending
}

// New builds a Queue that posts dispatches to baseURL (e.g.
// "http://localhost:3000/gm") using httpClient. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Queue {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Queue{httpClient: httpClient, baseURL: baseURL, newBackoff: newQueueBackoff}
}

// Enqueue tags d with a client-generated idempotency key (if it doesn't
// already carry one) and appends it to the queue. Safe to call while
// offline; the dispatch is only sent on the next Flush.
func (q *Queue) Enqueue(d Dispatch) Dispatch {
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = id.Generate()
	}
	q.mu.Lock()
	q.pending = append(q.pending, &pending{dispatch: d, backoff: q.newBackoff()})
	q.mu.Unlock()
	return d
}

// Len reports the number of dispatches still awaiting successful delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush attempts to deliver every queued dispatch in order. A dispatch that
// fails is retried in place (same idempotency key) with its backoff
// interval honoured before the next attempt; after maxAttempts failures it
// is left at the front of the queue and Flush returns, since later
// dispatches must not overtake it.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		p := q.pending[0]
		q.mu.Unlock()

		err := q.send(ctx, p.dispatch)
		if err == nil {
			q.mu.Lock()
			q.pending = q.pending[1:]
			q.mu.Unlock()
			continue
		}

		p.attempts++
		if p.attempts >= maxAttempts {
			slog.Warn("clientqueue: dispatch exhausted retries, leaving queued",
				"conversationId", p.dispatch.ConversationID, "idempotencyKey", p.dispatch.IdempotencyKey, "attempts", p.attempts)
			return fmt.Errorf("dispatch %s: %w after %d attempts", p.dispatch.IdempotencyKey, err, p.attempts)
		}

		interval := p.backoff.NextBackOff()
		slog.Warn("clientqueue: dispatch failed, retrying",
			"conversationId", p.dispatch.ConversationID, "error", err, "backoff", interval, "attempt", p.attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

type dispatchRequest struct {
	Content        string `json:"content"`
	AgentID        string `json:"agentId"`
	FolderContext  string `json:"folderContext,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (q *Queue) send(ctx context.Context, d Dispatch) error {
	body, err := json.Marshal(dispatchRequest{
		Content:        d.Content,
		AgentID:        d.AgentID,
		FolderContext:  d.FolderContext,
		IdempotencyKey: d.IdempotencyKey,
	})
	if err != nil {
		return err
	}

	url := q.baseURL + "/api/conversations/" + d.ConversationID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("dispatch rejected: %d %s", resp.StatusCode, string(msg))
	}
	return nil
}
