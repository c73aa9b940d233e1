package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/db/dbtest"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(dbtest.NewPool(t))
	require.NoError(t, err)
	return store
}

func TestAppendAndListPreservesOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.Append(ctx, Message{
			ID:        id,
			SessionID: "s1",
			Role:      v1.RoleUser,
			Content:   "content " + id,
		}))
	}

	msgs, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}

func TestAppendRoundTripsPartsAndAuthor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := Message{
		ID:        "m1",
		SessionID: "s1",
		Role:      v1.RoleAssistant,
		Content:   "Hello",
		Parts: []Part{
			{Type: v1.PartText, Text: "Hello"},
			{Type: v1.PartToolCall, CallID: "c1", ToolName: "bash", Status: "completed"},
			{Type: v1.PartFinish, Reason: "stop"},
		},
		Author:      &v1.Author{ID: "u1", Name: "Alice"},
		ChannelType: "telegram",
		ChannelID:   "999",
		Format:      v1.FormatV2,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Append(ctx, in))

	out, err := store.Get(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, in.Content, out.Content)
	require.Len(t, out.Parts, 3)
	assert.Equal(t, "bash", out.Parts[1].ToolName)
	require.NotNil(t, out.Author)
	assert.Equal(t, "Alice", out.Author.Name)
	assert.Equal(t, "telegram", out.ChannelType)
	assert.Equal(t, "999", out.ChannelID)
}

func TestUpdateRewritesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Message{ID: "m1", SessionID: "s1", Role: v1.RoleAssistant, Content: "Hel", Format: v1.FormatV2}))
	require.NoError(t, store.Append(ctx, Message{ID: "m2", SessionID: "s1", Role: v1.RoleUser, Content: "next"}))

	require.NoError(t, store.Update(ctx, Message{ID: "m1", SessionID: "s1", Content: "Hello", Format: v1.FormatV2}))

	msgs, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Order is unchanged by updates.
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestUpdateMissingMessage(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(context.Background(), Message{ID: "nope", SessionID: "s1"})
	assert.Error(t, err)
}

func TestRemoveFromDeletesTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, store.Append(ctx, Message{ID: id, SessionID: "s1", Role: v1.RoleUser}))
	}

	removed, err := store.RemoveFrom(ctx, "s1", "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, removed)

	msgs, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestRemoveScopedToSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Message{ID: "m1", SessionID: "s1", Role: v1.RoleUser}))
	require.NoError(t, store.Append(ctx, Message{ID: "m1", SessionID: "s2", Role: v1.RoleUser}))

	require.NoError(t, store.Remove(ctx, "s1", []string{"m1"}))

	s1, err := store.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, s1)

	s2, err := store.List(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, s2, 1)
}
