package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmhub/gm/internal/agent"
)

type fakeRunner struct {
	cancelled bool
}

func (f *fakeRunner) Run(ctx context.Context, prompt, folderContext string, onChunk agent.ChunkFunc) (agent.Result, error) {
	return agent.Result{FinalText: prompt}, nil
}

func (f *fakeRunner) Cancel() {
	f.cancelled = true
}

func TestRegistry_AcquireUnknownAgentFails(t *testing.T) {
	r := agent.NewRegistry()
	_, err := r.Acquire(context.Background(), "nonexistent", "s1")
	require.Error(t, err)
}

func TestRegistry_AcquireReturnsRegisteredFactory(t *testing.T) {
	r := agent.NewRegistry()
	fr := &fakeRunner{}
	r.Register("claude-code", func() agent.Runner { return fr })

	got, err := r.Acquire(context.Background(), "claude-code", "s1")
	require.NoError(t, err)
	assert.Same(t, fr, got)
}

func TestRegistry_CancelReachesLiveRunner(t *testing.T) {
	r := agent.NewRegistry()
	fr := &fakeRunner{}
	r.Register("claude-code", func() agent.Runner { return fr })

	_, err := r.Acquire(context.Background(), "claude-code", "s1")
	require.NoError(t, err)

	assert.True(t, r.Cancel("s1"))
	assert.True(t, fr.cancelled)
}

func TestRegistry_CancelUnknownSessionReturnsFalse(t *testing.T) {
	r := agent.NewRegistry()
	assert.False(t, r.Cancel("nonexistent"))
}

func TestRegistry_ReleaseRemovesBookkeeping(t *testing.T) {
	r := agent.NewRegistry()
	fr := &fakeRunner{}
	r.Register("claude-code", func() agent.Runner { return fr })

	_, err := r.Acquire(context.Background(), "claude-code", "s1")
	require.NoError(t, err)

	r.Release("s1")
	assert.False(t, r.Cancel("s1"))
}

func TestRegistry_AcquireWithCancelledContextFails(t *testing.T) {
	r := agent.NewRegistry()
	r.Register("claude-code", func() agent.Runner { return &fakeRunner{} })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Acquire(ctx, "claude-code", "s1")
	require.Error(t, err)
}
