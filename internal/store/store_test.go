package db_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmhub/gm/internal/errs"
	db "github.com/gmhub/gm/internal/store"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sqlDB))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db.NewStore(sqlDB)
}

func TestCreateConversation_RequiresAgentID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateConversation(context.Background(), "", nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Validation, e.Kind)
}

func TestCreateAndGetConversation_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	title := "first chat"
	c, err := s.CreateConversation(context.Background(), "claude-code", &title)
	require.NoError(t, err)

	got, err := s.GetConversation(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation(context.Background(), "nonexistent")
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotFound, e.Kind)
}

func TestListConversations_OrderedByUpdatedAtDesc(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c1, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)
	c2, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	title := "renamed"
	_, err = s.UpdateConversation(ctx, c1.ID, db.ConversationPatch{Title: &title})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c1.ID, list[0].ID)
	assert.Equal(t, c2.ID, list[1].ID)
}

func TestDeleteConversation_ExcludesFromListAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	ok, err := s.DeleteConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetConversation(ctx, c.ID)
	require.Error(t, err)

	list, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAppendMessage_IdempotentRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("hi"), "k-1")
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])

	msgs, err := s.ListMessages(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessage_ConcurrentIdenticalKeyCollapses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	const n = 5
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("hi"), "same-key")
			require.NoError(t, err)
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()

	for _, got := range ids {
		assert.Equal(t, ids[0], got)
	}
	msgs, err := s.ListMessages(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessage_ConcurrentDistinctKeysAllPersist(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	keys := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte(k), k)
			require.NoError(t, err)
		}(k)
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, c.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	seen := map[int64]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.CreatedAt], "createdAt must be distinct")
		seen[m.CreatedAt] = true
	}
}

func TestAppendMessage_NotFoundForMissingConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(context.Background(), "nonexistent", db.RoleUser, []byte("hi"), "")
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotFound, e.Kind)
}

func TestAppendMessage_DistinctIdempotencyKeysCreateDistinctMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("hi"), "k-1")
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("hi again"), "k-2")
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestAppendMessage_EmptyAndLargeContentAccepted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	m, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte(""), "")
	require.NoError(t, err)
	assert.Equal(t, []byte(""), m.Content)

	large := make([]byte, 10000)
	for i := range large {
		large[i] = byte('a' + i%26)
	}
	m2, err := s.AppendMessage(ctx, c.ID, db.RoleUser, large, "")
	require.NoError(t, err)
	assert.Equal(t, large, m2.Content)
}

func TestSessionLifecycle_CreateUpdateGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)
	m, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("hi"), "")
	require.NoError(t, err)

	sess, err := s.CreateSession(ctx, c.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStatusPending, sess.Status)

	status := db.SessionStatusProcessing
	updated, err := s.UpdateSession(ctx, sess.ID, db.SessionPatch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, db.SessionStatusProcessing, updated.Status)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Status, got.Status)
}

func TestLatestSession_NoneReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	latest, err := s.LatestSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestLatestSession_ReturnsMostRecentlyStarted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)
	m1, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("hi"), "")
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, c.ID, db.RoleUser, []byte("again"), "")
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, c.ID, m1.ID)
	require.NoError(t, err)
	sess2, err := s.CreateSession(ctx, c.ID, m2.ID)
	require.NoError(t, err)

	latest, err := s.LatestSession(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, sess2.ID, latest.ID)
}

func TestUpdateConversation_IdempotentApplication(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	title := "same title"
	patch := db.ConversationPatch{Title: &title}
	first, err := s.UpdateConversation(ctx, c.ID, patch)
	require.NoError(t, err)
	second, err := s.UpdateConversation(ctx, c.ID, patch)
	require.NoError(t, err)

	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.Status, second.Status)
}

func TestValidateIntegrity_CleanStoreReportsOK(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateConversation(ctx, "claude-code", nil)
	require.NoError(t, err)

	report, err := s.ValidateIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, report.Violations)
}
