package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/db/dbtest"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	"github.com/kitehq/kite/internal/scope"
	"github.com/kitehq/kite/internal/session"
)

// fakeAdapter is a minimal in-memory adapter for dispatcher tests.
type fakeAdapter struct {
	parsed *InboundMessage
	typing int
}

func (f *fakeAdapter) ChannelType() string { return "fake" }

func (f *fakeAdapter) VerifySignature(headers http.Header, _ []byte, secret string) bool {
	return secret == "" || headers.Get("X-Fake-Secret") == secret
}

func (f *fakeAdapter) ParseInbound(_ http.Header, rawBody []byte, _ Routing) (*InboundMessage, error) {
	if strings.Contains(string(rawBody), "unsupported") {
		return nil, nil
	}
	return f.parsed, nil
}

func (f *fakeAdapter) ScopeKeyParts(msg *InboundMessage, userID string) scope.Key {
	return scope.Compose(userID, "fake", msg.ChannelID)
}

func (f *fakeAdapter) FormatMarkdown(markdown string) string { return markdown }

func (f *fakeAdapter) SendMessage(_ context.Context, _ Routing, _, _ string) (string, error) {
	return "ext-1", nil
}
func (f *fakeAdapter) EditMessage(_ context.Context, _ Routing, _, _, _ string) error   { return nil }
func (f *fakeAdapter) DeleteMessage(_ context.Context, _ Routing, _, _ string) error    { return nil }
func (f *fakeAdapter) SendTypingIndicator(_ context.Context, _ Routing, _ string) error {
	f.typing++
	return nil
}
func (f *fakeAdapter) RegisterWebhook(_ context.Context, _ Routing, _ string) error { return nil }
func (f *fakeAdapter) UnregisterWebhook(_ context.Context, _ Routing) error         { return nil }

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *Store
	sessions   *session.Registry
	adapter    *fakeAdapter
	router     *gin.Engine
}

func newDispatcherFixture(t *testing.T, routing map[string]Routing) *dispatcherFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	pool := dbtest.NewPool(t)

	sessStore, err := session.NewStore(pool)
	require.NoError(t, err)
	jStore, err := journal.NewStore(pool)
	require.NoError(t, err)
	chStore, err := NewStore(pool)
	require.NoError(t, err)

	sessions := session.NewRegistry(sessStore, jStore, bus.NewMemoryEventBus(log), log, session.HolderOptions{})
	t.Cleanup(sessions.Close)

	registry := NewRegistry()
	adapter := &fakeAdapter{}
	registry.Register(adapter)

	dispatcher := NewDispatcher(registry, chStore, sessions, routing, log)
	router := gin.New()
	dispatcher.RegisterRoutes(router.Group("/webhooks"))

	return &dispatcherFixture{
		dispatcher: dispatcher,
		store:      chStore,
		sessions:   sessions,
		adapter:    adapter,
		router:     router,
	}
}

func (f *dispatcherFixture) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/channels/fake", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestDispatchCreatesBindingAndQueuesPrompt(t *testing.T) {
	fixture := newDispatcherFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fixture.store.LinkIdentity(ctx, IdentityLink{
		UserID: "u1", Provider: "fake", ExternalID: "ext-alice", ExternalName: "Alice",
	}))
	fixture.adapter.parsed = &InboundMessage{
		ChannelType: "fake", ChannelID: "c1", SenderID: "ext-alice", SenderName: "Alice", Text: "hi",
	}

	rec := fixture.post(`{"text":"hi"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	binding, err := fixture.store.GetBinding(ctx, scope.Key("user:u1:fake:c1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", binding.UserID)

	// The prompt lands in the session's persisted queue once the holder
	// processes it.
	require.Eventually(t, func() bool {
		queue, err := fixture.sessions.Store().LoadQueue(ctx, binding.SessionID)
		return err == nil && len(queue) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second message reuses the binding instead of minting a session.
	rec = fixture.post(`{"text":"again"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	again, err := fixture.store.GetBinding(ctx, scope.Key("user:u1:fake:c1"))
	require.NoError(t, err)
	assert.Equal(t, binding.SessionID, again.SessionID)
}

func TestDispatchHonorsBindingCollectDebounce(t *testing.T) {
	fixture := newDispatcherFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fixture.store.LinkIdentity(ctx, IdentityLink{
		UserID: "u1", Provider: "fake", ExternalID: "ext-alice", ExternalName: "Alice",
	}))
	fixture.adapter.parsed = &InboundMessage{
		ChannelType: "fake", ChannelID: "c1", SenderID: "ext-alice", SenderName: "Alice", Text: "first",
	}

	rec := fixture.post(`{"text":"first"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	binding, err := fixture.store.GetBinding(ctx, scope.Key("user:u1:fake:c1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		queue, err := fixture.sessions.Store().LoadQueue(ctx, binding.SessionID)
		return err == nil && len(queue) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Widen this binding's debounce. The next message must fuse into the
	// queued prompt even though the holder's default window (zero in this
	// fixture) has long passed.
	binding.CollectDebounce = 60_000
	require.NoError(t, fixture.store.SaveBinding(ctx, binding))

	fixture.adapter.parsed = &InboundMessage{
		ChannelType: "fake", ChannelID: "c1", SenderID: "ext-alice", SenderName: "Alice", Text: "second",
	}
	rec = fixture.post(`{"text":"second"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		queue, err := fixture.sessions.Store().LoadQueue(ctx, binding.SessionID)
		return err == nil && len(queue) == 1 && queue[0].Content == "first\nsecond"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchUnlinkedIdentityIsAcknowledged(t *testing.T) {
	fixture := newDispatcherFixture(t, nil)
	fixture.adapter.parsed = &InboundMessage{ChannelType: "fake", ChannelID: "c1", SenderID: "stranger", Text: "hi"}

	rec := fixture.post(`{"text":"hi"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unlinked identity")
}

func TestDispatchRejectsBadSignature(t *testing.T) {
	fixture := newDispatcherFixture(t, map[string]Routing{"fake": {Secret: "s3cret"}})
	fixture.adapter.parsed = &InboundMessage{ChannelType: "fake", ChannelID: "c1", SenderID: "x", Text: "hi"}

	rec := fixture.post(`{"text":"hi"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fixture.post(`{"text":"hi"}`, map[string]string{"X-Fake-Secret": "s3cret"})
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestDispatchIgnoresUnsupportedUpdates(t *testing.T) {
	fixture := newDispatcherFixture(t, nil)

	rec := fixture.post(`{"kind":"unsupported"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
}

func TestDispatchUnknownChannelTypeIs404(t *testing.T) {
	fixture := newDispatcherFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/channels/nope", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
