package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db/dbtest"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

func newTestSessionStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(dbtest.NewPool(t))
	require.NoError(t, err)
	return store
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, v1.Session{UserID: "u1", Workspace: "repo"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, v1.SessionInitializing, created.Status)
	assert.Equal(t, v1.PurposeInteractive, created.Purpose)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "repo", got.Workspace)
}

func TestGetMissingSessionIsNotFound(t *testing.T) {
	store := newTestSessionStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestOrchestratorSessionHiddenFromOthers(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, v1.Session{UserID: "owner", Purpose: v1.PurposeOrchestrator})
	require.NoError(t, err)

	_, err = store.GetVisible(ctx, sess.ID, "someone-else")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	got, err := store.GetVisible(ctx, sess.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestFindOrchestratorCreatesOnce(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	first, err := store.FindOrchestrator(ctx, "u1")
	require.NoError(t, err)
	second, err := store.FindOrchestrator(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, v1.PurposeOrchestrator, first.Purpose)
}

func TestRotateRunnerTokenInvalidatesPrior(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, v1.Session{UserID: "u1"})
	require.NoError(t, err)

	first, err := store.RotateRunnerToken(ctx, sess.ID)
	require.NoError(t, err)
	second, err := store.RotateRunnerToken(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, HashRunnerToken(second), got.RunnerTokenHash)
	assert.NotEqual(t, HashRunnerToken(first), got.RunnerTokenHash)
}

func TestLastActiveFrozenAfterTerminal(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, v1.Session{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, v1.SessionTerminated))

	before, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, store.Touch(ctx, sess.ID))
	after, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.LastActiveAt, after.LastActiveAt)
}

func TestQueuePersistenceRoundTrip(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	p := QueuedPrompt{
		ID:          "p1",
		Content:     "hello",
		QueueMode:   ws.QueueCollect,
		ScopeKey:    "user:u:telegram:1",
		ChannelType: "telegram",
		ChannelID:   "1",
		Author:      &v1.Author{ID: "u1", Name: "Alice"},
		Attachments: []ws.Attachment{{Type: "image", URL: "data:image/png;base64,xx", MimeType: "image/png"}},
		EnqueuedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.EnqueuePrompt(ctx, "s1", p))

	restored, err := store.LoadQueue(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "hello", restored[0].Content)
	assert.Equal(t, ws.QueueCollect, restored[0].QueueMode)
	assert.Equal(t, "user:u:telegram:1", restored[0].ScopeKey)
	require.NotNil(t, restored[0].Author)
	assert.Equal(t, "Alice", restored[0].Author.Name)
	require.Len(t, restored[0].Attachments, 1)

	require.NoError(t, store.DeletePrompt(ctx, "p1"))
	restored, err = store.LoadQueue(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestAuditLogBoundedOnLoad(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 510; i++ {
		require.NoError(t, store.AppendAudit(ctx, "s1", ws.AuditEntry{
			Actor:     "u1",
			Action:    "test",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	entries, err := store.LoadAudit(ctx, "s1", maxAuditEntries)
	require.NoError(t, err)
	assert.Len(t, entries, maxAuditEntries)
	// Oldest first after bounding to the most recent 500.
	assert.True(t, entries[0].CreatedAt.Before(entries[len(entries)-1].CreatedAt))
}

func TestShareLinkLifecycle(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	token, err := store.CreateShareLink(ctx, "s1", "u1", "editor", time.Hour)
	require.NoError(t, err)

	sessionID, role, err := store.ResolveShareLink(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "s1", sessionID)
	assert.Equal(t, "editor", role)

	expired, err := store.CreateShareLink(ctx, "s1", "u1", "viewer", -time.Minute)
	require.NoError(t, err)
	_, _, err = store.ResolveShareLink(ctx, expired)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestMailboxDrain(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	_, err := store.MailboxSend(ctx, "sender", ws.MailboxSendRequest{ToSessionID: "receiver", Body: "one"})
	require.NoError(t, err)
	_, err = store.MailboxSend(ctx, "sender", ws.MailboxSendRequest{ToSessionID: "receiver", Body: "two"})
	require.NoError(t, err)

	msgs, err := store.MailboxDrain(ctx, "receiver")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Body)

	msgs, err = store.MailboxDrain(ctx, "receiver")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryReadWrite(t *testing.T) {
	store := newTestSessionStore(t)
	ctx := context.Background()

	_, found, err := store.MemoryRead(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.MemoryWrite(ctx, "u1", "pref", "dark"))
	value, found, err := store.MemoryRead(ctx, "u1", "pref")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dark", value)

	// Scoped per user.
	_, found, err = store.MemoryRead(ctx, "u2", "pref")
	require.NoError(t, err)
	assert.False(t, found)
}
