package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmhub/gm/internal/session"
	"github.com/gmhub/gm/internal/testutil"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := session.NewRegistry()
	defer r.Close()

	fsm := r.Create("s1", "c1", "m1", 0)
	require.NotNil(t, fsm)
	assert.Same(t, fsm, r.Get("s1"))
}

func TestRegistry_GetUnknownReturnsNil(t *testing.T) {
	r := session.NewRegistry()
	defer r.Close()
	assert.Nil(t, r.Get("nonexistent"))
}

func TestRegistry_DiagnosticsCountsActiveAndTerminal(t *testing.T) {
	r := session.NewRegistry()
	defer r.Close()

	active := r.Create("s1", "c1", "m1", 0)
	_ = active
	terminal := r.Create("s2", "c1", "m2", 0)
	require.NoError(t, terminal.Transition(session.StateCancelled, "", nil))

	diag := r.Diagnostics()
	assert.Equal(t, 2, diag.Total)
	assert.Equal(t, 1, diag.ActiveCount)
	assert.Equal(t, 1, diag.TerminalCount)
	require.Len(t, diag.RecentTerminal, 1)
	assert.Equal(t, "s2", diag.RecentTerminal[0].SessionID)
}

func TestRegistry_SweepRemovesOldTerminalSessions(t *testing.T) {
	r := session.NewRegistryWithRetention(50*time.Millisecond, 20*time.Millisecond)
	defer r.Close()

	fsm := r.Create("s1", "c1", "m1", 0)
	require.NoError(t, fsm.Transition(session.StateCancelled, "", nil))

	testutil.RequireEventually(t, func() bool {
		return r.Get("s1") == nil
	})
}

func TestRegistry_SweepKeepsActiveSessions(t *testing.T) {
	r := session.NewRegistryWithRetention(10*time.Millisecond, 5*time.Millisecond)
	defer r.Close()

	r.Create("s1", "c1", "m1", 0)
	time.Sleep(50 * time.Millisecond)
	assert.NotNil(t, r.Get("s1"), "sweep must never remove a non-terminal FSM")
}

func TestRegistry_Remove(t *testing.T) {
	r := session.NewRegistry()
	defer r.Close()

	r.Create("s1", "c1", "m1", 0)
	r.Remove("s1")
	assert.Nil(t, r.Get("s1"))
}
