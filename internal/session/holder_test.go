package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/db/dbtest"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	wsproto "github.com/kitehq/kite/pkg/ws"
)

type holderFixture struct {
	server   *httptest.Server
	registry *Registry
	session  v1.Session
	token    string
}

func newHolderFixture(t *testing.T) *holderFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	pool := dbtest.NewPool(t)

	store, err := NewStore(pool)
	require.NoError(t, err)
	jstore, err := journal.NewStore(pool)
	require.NoError(t, err)

	registry := NewRegistry(store, jstore, bus.NewMemoryEventBus(log), log, HolderOptions{
		CollectDebounce: 2 * time.Second,
	})
	t.Cleanup(registry.Close)

	sess, token, err := registry.CreateSession(context.Background(), v1.Session{UserID: "u1", Workspace: "repo"})
	require.NoError(t, err)

	router := gin.New()
	handler := NewHandler(registry, log)
	api := router.Group("/api/v1")
	handler.RegisterRoutes(api)
	handler.RegisterSocketRoutes(api)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &holderFixture{server: server, registry: registry, session: sess, token: token}
}

func (f *holderFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func (f *holderFixture) dialClient(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{"X-User-ID": []string{userID}}
	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/api/v1/sessions/"+f.session.ID+"/ws"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *holderFixture) dialRunner(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/api/v1/sessions/"+f.session.ID+"/runner?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// waitFor skims frames until one of the given type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestClientReceivesInitSnapshot(t *testing.T) {
	f := newHolderFixture(t)
	client := f.dialClient(t, "u1")

	init := waitFor(t, client, wsproto.TypeInit)
	sess := init["session"].(map[string]any)
	assert.Equal(t, f.session.ID, sess["id"])
	assert.Equal(t, string(v1.AgentIdle), init["agentStatus"])
}

func TestRunnerRejectedWithBadToken(t *testing.T) {
	f := newHolderFixture(t)
	runner := f.dialRunner(t, "wrong-token")

	require.NoError(t, runner.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := runner.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, wsproto.CloseUpgradeRejected, closeErr.Code)
}

func TestStreamingPromptRoundTrip(t *testing.T) {
	f := newHolderFixture(t)
	runner := f.dialRunner(t, f.token)
	client := f.dialClient(t, "u1")
	waitFor(t, client, wsproto.TypeInit)

	sendFrame(t, client, wsproto.PromptFrame{Type: wsproto.TypePrompt, Content: "hi", QueueMode: wsproto.QueueFollowup})

	// Runner receives the dispatched prompt.
	require.NoError(t, runner.SetReadDeadline(time.Now().Add(5*time.Second)))
	var prompt wsproto.PromptFrame
	for {
		_, raw, err := runner.ReadMessage()
		require.NoError(t, err)
		var env wsproto.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wsproto.TypePrompt {
			require.NoError(t, json.Unmarshal(raw, &prompt))
			break
		}
	}
	assert.Equal(t, "hi", prompt.Content)

	sendFrame(t, runner, wsproto.StreamFrame{Type: wsproto.TypeStream, MessageID: "am1", Delta: "Hel"})
	sendFrame(t, runner, wsproto.StreamFrame{Type: wsproto.TypeStream, MessageID: "am1", Delta: "lo"})

	first := waitFor(t, client, wsproto.TypeChunk)
	assert.Equal(t, "Hel", first["delta"])
	second := waitFor(t, client, wsproto.TypeChunk)
	assert.Equal(t, "lo", second["delta"])

	sendFrame(t, runner, wsproto.ResultFrame{
		Type:    wsproto.TypeResult,
		Message: v1.Message{ID: "am1", Role: v1.RoleAssistant, Content: "Hello"},
	})

	var final map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := waitFor(t, client, wsproto.TypeMessage)
		msg := frame["message"].(map[string]any)
		if msg["content"] == "Hello" {
			final = msg
			break
		}
	}
	require.NotNil(t, final, "final assistant message never arrived")
	assert.Equal(t, "assistant", final["role"])

	idle := waitFor(t, client, wsproto.TypeAgentStatus)
	assert.Equal(t, string(v1.AgentIdle), idle["status"])
}

func TestRunnerSupersession(t *testing.T) {
	f := newHolderFixture(t)
	client := f.dialClient(t, "u1")
	waitFor(t, client, wsproto.TypeInit)

	runnerA := f.dialRunner(t, f.token)
	waitFor(t, client, wsproto.TypeStatus) // session goes running once A attaches

	runnerB := f.dialRunner(t, f.token)

	// A is closed with a normal close carrying the supersession reason.
	require.NoError(t, runnerA.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := runnerA.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, wsproto.CloseNormal, closeErr.Code)
	assert.Equal(t, wsproto.ReasonSuperseded, closeErr.Text)

	// B is the active runner: prompts flow to it.
	sendFrame(t, client, wsproto.PromptFrame{Type: wsproto.TypePrompt, Content: "after-supersession"})
	require.NoError(t, runnerB.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := runnerB.ReadMessage()
		require.NoError(t, err)
		var env wsproto.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wsproto.TypePrompt {
			var prompt wsproto.PromptFrame
			require.NoError(t, json.Unmarshal(raw, &prompt))
			assert.Equal(t, "after-supersession", prompt.Content)
			return
		}
	}
}

func TestRunnerReattachRecoversErroredSession(t *testing.T) {
	f := newHolderFixture(t)
	client := f.dialClient(t, "u1")
	waitFor(t, client, wsproto.TypeInit)

	runner := f.dialRunner(t, f.token)
	running := waitFor(t, client, wsproto.TypeStatus)
	assert.Equal(t, string(v1.SessionRunning), running["status"])

	// Drop the runner socket without a close handshake; the session goes
	// into error.
	require.NoError(t, runner.Close())
	errored := waitFor(t, client, wsproto.TypeStatus)
	assert.Equal(t, string(v1.SessionError), errored["status"])

	// The bridge reconnecting brings the session back to running.
	f.dialRunner(t, f.token)
	recovered := waitFor(t, client, wsproto.TypeStatus)
	assert.Equal(t, string(v1.SessionRunning), recovered["status"])
	assert.False(t, v1.SessionError.IsTerminal())
}

func TestPromptQueuedUntilRunnerAttaches(t *testing.T) {
	f := newHolderFixture(t)
	client := f.dialClient(t, "u1")
	waitFor(t, client, wsproto.TypeInit)

	sendFrame(t, client, wsproto.PromptFrame{Type: wsproto.TypePrompt, Content: "queued-early"})

	// With no runner the agent goes queued.
	status := waitFor(t, client, wsproto.TypeAgentStatus)
	assert.Equal(t, string(v1.AgentQueued), status["status"])

	runner := f.dialRunner(t, f.token)
	require.NoError(t, runner.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := runner.ReadMessage()
		require.NoError(t, err)
		var env wsproto.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wsproto.TypePrompt {
			var prompt wsproto.PromptFrame
			require.NoError(t, json.Unmarshal(raw, &prompt))
			assert.Equal(t, "queued-early", prompt.Content)
			return
		}
	}
}

func TestQuestionLifecycle(t *testing.T) {
	f := newHolderFixture(t)
	runner := f.dialRunner(t, f.token)
	client := f.dialClient(t, "u1")
	waitFor(t, client, wsproto.TypeInit)

	sendFrame(t, runner, wsproto.QuestionFrame{
		Type:     wsproto.TypeQuestion,
		Question: v1.Question{QuestionID: "q1", Text: "Deploy to prod?", Options: []string{"yes", "no"}},
	})
	q := waitFor(t, client, wsproto.TypeQuestion)
	question := q["question"].(map[string]any)
	assert.Equal(t, "q1", question["questionId"])

	sendFrame(t, client, wsproto.AnswerFrame{Type: wsproto.TypeAnswer, QuestionID: "q1", Answer: "yes"})

	// The runner receives the routed answer.
	require.NoError(t, runner.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := runner.ReadMessage()
		require.NoError(t, err)
		var env wsproto.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wsproto.TypeAnswer {
			var answer wsproto.AnswerFrame
			require.NoError(t, json.Unmarshal(raw, &answer))
			assert.Equal(t, "yes", answer.Answer)
			return
		}
	}
}

func TestRunnerRequestMemoryRoundTrip(t *testing.T) {
	f := newHolderFixture(t)
	runner := f.dialRunner(t, f.token)

	payload, _ := json.Marshal(wsproto.MemoryWriteRequest{Key: "k", Value: "v"})
	sendFrame(t, runner, wsproto.RunnerRequestFrame{
		Type: wsproto.TypeRunnerRequest, RequestID: "req1", Op: wsproto.OpMemoryWrite, Payload: payload,
	})

	require.NoError(t, runner.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := runner.ReadMessage()
		require.NoError(t, err)
		var env wsproto.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wsproto.TypeRunnerResponse {
			var resp wsproto.RunnerResponseFrame
			require.NoError(t, json.Unmarshal(raw, &resp))
			assert.Equal(t, "req1", resp.RequestID)
			assert.True(t, resp.OK)
			break
		}
	}

	// And the value is readable back.
	payload, _ = json.Marshal(wsproto.MemoryReadRequest{Key: "k"})
	sendFrame(t, runner, wsproto.RunnerRequestFrame{
		Type: wsproto.TypeRunnerRequest, RequestID: "req2", Op: wsproto.OpMemoryRead, Payload: payload,
	})
	for {
		_, raw, err := runner.ReadMessage()
		require.NoError(t, err)
		var env wsproto.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wsproto.TypeRunnerResponse {
			var resp wsproto.RunnerResponseFrame
			require.NoError(t, json.Unmarshal(raw, &resp))
			var read wsproto.MemoryReadResponse
			require.NoError(t, json.Unmarshal(resp.Payload, &read))
			assert.True(t, read.Found)
			assert.Equal(t, "v", read.Value)
			return
		}
	}
}
