package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/pkg/ws"
)

// fakeBridge records internal-API traffic.
type fakeBridge struct {
	requests []string
	sent     []any
	respond  func(op string, payload any) (ws.RunnerResponseFrame, error)
}

func (f *fakeBridge) Request(_ context.Context, op string, payload any) (ws.RunnerResponseFrame, error) {
	f.requests = append(f.requests, op)
	if f.respond != nil {
		return f.respond(op, payload)
	}
	return ws.NewRunnerResponse("r", map[string]string{"ok": "true"})
}

func (f *fakeBridge) Send(frame any) error {
	f.sent = append(f.sent, frame)
	return nil
}

func newTestProxy(t *testing.T, upstreams Upstreams) (*Proxy, *fakeBridge) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bridge := &fakeBridge{}
	proxy := NewProxy(Config{JWTSecret: testSecret, Upstreams: upstreams}, bridge, logger.Default())
	return proxy, bridge
}

func validBearer(t *testing.T) string {
	return "Bearer " + mintJWT(t, testSecret, jwt.MapClaims{
		"sub": "u1", "sid": "s1", "exp": time.Now().Add(time.Minute).Unix(),
	})
}

func TestHealthNeedsNoAuth(t *testing.T) {
	proxy, _ := newTestProxy(t, Upstreams{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	proxy.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthedPrefixRejectsAnonymous(t *testing.T) {
	proxy, _ := newTestProxy(t, Upstreams{Vscode: "127.0.0.1:1"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/vscode/index.html", nil)
	proxy.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTMintsSessionCookie(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("editor"))
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, Upstreams{Vscode: strings.TrimPrefix(upstream.URL, "http://")})
	router := proxy.Router()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/vscode/", nil)
	req.Header.Set("Authorization", validBearer(t))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookie := rec.Header().Get("Set-Cookie")
	require.Contains(t, cookie, "gateway_session=")
	assert.Contains(t, cookie, "Max-Age=900")
	assert.Contains(t, cookie, "SameSite=None")
	assert.Contains(t, cookie, "Secure")

	// The cookie alone authenticates the next request.
	token := strings.TrimPrefix(strings.Split(cookie, ";")[0], "gateway_session=")
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/vscode/asset.js", nil)
	req.AddCookie(&http.Cookie{Name: "gateway_session", Value: token})
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Set-Cookie"), "no re-mint on cookie auth")
}

func TestProxyStripsPrefixAndEncodingHeaders(t *testing.T) {
	var gotPath, gotAcceptEncoding string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, Upstreams{Opencode: strings.TrimPrefix(upstream.URL, "http://")})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/opencode/v1/models", nil)
	proxy.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/v1/models", gotPath)
	assert.Equal(t, "identity", gotAcceptEncoding)
	assert.Empty(t, rec.Header().Get("Content-Encoding"), "content-encoding stripped")
}

func TestInternalAPILocalhostOnly(t *testing.T) {
	proxy, _ := newTestProxy(t, Upstreams{})
	router := proxy.Router()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketTunnel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		// Echo frames back.
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, Upstreams{Ttyd: strings.TrimPrefix(upstream.URL, "http://")})
	front := httptest.NewServer(proxy.Router())
	defer front.Close()

	url := "ws" + strings.TrimPrefix(front.URL, "http") + "/ttyd/ws?token=" +
		mintJWT(t, testSecret, jwt.MapClaims{"sub": "u1", "sid": "s1", "exp": time.Now().Add(time.Minute).Unix()})
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, []byte{0x01, 0x02}, data)
}

func TestWebSocketTunnelUpstreamDownCloses1011(t *testing.T) {
	proxy, _ := newTestProxy(t, Upstreams{Ttyd: "127.0.0.1:1"})
	front := httptest.NewServer(proxy.Router())
	defer front.Close()

	url := "ws" + strings.TrimPrefix(front.URL, "http") + "/ttyd/ws?token=" +
		mintJWT(t, testSecret, jwt.MapClaims{"sub": "u1", "sid": "s1", "exp": time.Now().Add(time.Minute).Unix()})
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, ws.CloseUpstreamError, closeErr.Code)
}

func TestInternalAPISpawnChild(t *testing.T) {
	proxy, bridge := newTestProxy(t, Upstreams{})
	bridge.respond = func(op string, _ any) (ws.RunnerResponseFrame, error) {
		return ws.NewRunnerResponse("r", ws.SpawnChildResponse{SessionID: "child-1", GatewayURL: "https://gw"})
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/spawn-child",
		strings.NewReader(`{"task":"do the thing"}`))
	req.RemoteAddr = "127.0.0.1:1"
	proxy.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "child-1", body["session_id"])
	assert.Equal(t, "https://gw", body["gateway_url"])
	require.Equal(t, []string{ws.OpSpawnChild}, bridge.requests)
}

func TestInternalAPIGitStateSendsFrame(t *testing.T) {
	proxy, bridge := newTestProxy(t, Upstreams{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/git-state",
		strings.NewReader(`{"branch":"main","dirty":true,"changed_files":3}`))
	req.RemoteAddr = "127.0.0.1:1"
	proxy.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, bridge.sent, 1)
	frame, ok := bridge.sent[0].(ws.GitStateFrame)
	require.True(t, ok)
	assert.Equal(t, "main", frame.State.Branch)
	assert.True(t, frame.State.Dirty)
	assert.Equal(t, 3, frame.State.ChangedFiles)
}

func TestInternalAPIImageValidation(t *testing.T) {
	proxy, _ := newTestProxy(t, Upstreams{})
	router := proxy.Router()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/image",
		strings.NewReader(`{"data":"aGVsbG8=","mimeType":"image/jpeg"}`))
	req.RemoteAddr = "127.0.0.1:1"
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data:image/jpeg;base64,aGVsbG8=")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/image",
		strings.NewReader(`{"data":"not!!base64"}`))
	req.RemoteAddr = "127.0.0.1:1"
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
