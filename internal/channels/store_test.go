package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db/dbtest"
	"github.com/kitehq/kite/internal/scope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(dbtest.NewPool(t))
	require.NoError(t, err)
	return store
}

func TestBindingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := Binding{
		ScopeKey:        "user:u:telegram:12345",
		SessionID:       "s1",
		UserID:          "u",
		ChannelType:     "telegram",
		ChannelID:       "12345",
		CollectDebounce: 1500,
		Routing:         Routing{Token: "tok", Secret: "sec"},
	}
	require.NoError(t, store.SaveBinding(ctx, b))

	got, err := store.GetBinding(ctx, scope.Key("user:u:telegram:12345"))
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 1500, got.CollectDebounce)
	assert.Equal(t, "tok", got.Routing.Token)
}

func TestGetBindingMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBinding(context.Background(), scope.Key("user:u:web:nope"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListBindingsForSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBinding(ctx, Binding{ScopeKey: "user:u:web:a", SessionID: "s1", UserID: "u", ChannelType: "web", ChannelID: "a"}))
	require.NoError(t, store.SaveBinding(ctx, Binding{ScopeKey: "user:u:web:b", SessionID: "s1", UserID: "u", ChannelType: "web", ChannelID: "b"}))
	require.NoError(t, store.SaveBinding(ctx, Binding{ScopeKey: "user:u:web:c", SessionID: "s2", UserID: "u", ChannelType: "web", ChannelID: "c"}))

	bindings, err := store.ListBindingsForSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestDeleteBinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveBinding(ctx, Binding{ScopeKey: "user:u:web:a", SessionID: "s1", UserID: "u", ChannelType: "web", ChannelID: "a"}))
	require.NoError(t, store.DeleteBinding(ctx, scope.Key("user:u:web:a")))
	_, err := store.GetBinding(ctx, scope.Key("user:u:web:a"))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestIdentityLinkResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LinkIdentity(ctx, IdentityLink{
		UserID: "u1", Provider: "telegram", ExternalID: "100", ExternalName: "Alice",
	}))

	userID, err := store.ResolveIdentity(ctx, "telegram", "100", "")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	_, err = store.ResolveIdentity(ctx, "telegram", "999", "")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestIdentityLinkScopedByTeam(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LinkIdentity(ctx, IdentityLink{UserID: "u1", Provider: "slack", ExternalID: "U1", TeamID: "T1"}))
	require.NoError(t, store.LinkIdentity(ctx, IdentityLink{UserID: "u2", Provider: "slack", ExternalID: "U1", TeamID: "T2"}))

	userID, err := store.ResolveIdentity(ctx, "slack", "U1", "T1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	userID, err = store.ResolveIdentity(ctx, "slack", "U1", "T2")
	require.NoError(t, err)
	assert.Equal(t, "u2", userID)
}
