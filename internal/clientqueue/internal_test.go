package clientqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastBackoff shrinks the retry intervals used by tests that need to
// exhaust maxAttempts without waiting out the real 1s/2s/4s/8s schedule.
func fastBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func TestQueue_RetryIdempotencyKeyIsStableAcrossAttempts(t *testing.T) {
	var attempt atomic.Int32
	var lastKey atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body dispatchRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		lastKey.Store(body.IdempotencyKey)
		if attempt.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	q := New(srv.URL, srv.Client())
	q.newBackoff = fastBackoff
	q.Enqueue(Dispatch{ConversationID: "c1", Content: "hi", AgentID: "claude-code", IdempotencyKey: "stable-key"})

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, int32(3), attempt.Load())
	assert.Equal(t, "stable-key", lastKey.Load())
}

func TestQueue_ExhaustsRetriesAndLeavesDispatchQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := New(srv.URL, srv.Client())
	q.newBackoff = fastBackoff
	q.Enqueue(Dispatch{ConversationID: "c1", Content: "hi", AgentID: "claude-code"})

	err := q.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, q.Len())
}
