// Package gateway implements the in-sandbox reverse proxy: authenticated
// HTTP and WebSocket tunnels to the dev tools running next to the runner
// (editor, desktop, terminal), plus the localhost-only internal API that
// marshals requests over the runner bridge.
package gateway

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/pkg/ws"
)

// Upstreams names the in-sandbox targets, as host:port.
type Upstreams struct {
	Opencode string // local model server
	Vscode   string // code editor
	VNC      string // remote desktop
	Ttyd     string // terminal
}

// Config configures the proxy.
type Config struct {
	JWTSecret []byte
	Upstreams Upstreams
}

// hopHeaders are stripped in both directions so tunneled bodies stay
// byte-exact.
var hopHeaders = []string{"Content-Encoding", "Transfer-Encoding", "Connection", "Keep-Alive", "Host"}

// Proxy is the gateway reverse proxy.
type Proxy struct {
	cfg      Config
	bridge   Requester
	sessions *sessionTable
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

// NewProxy creates the gateway proxy. The bridge serves the internal API.
func NewProxy(cfg Config, bridge Requester, log *logger.Logger) *Proxy {
	return &Proxy{
		cfg:      cfg,
		bridge:   bridge,
		sessions: newSessionTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
			Subprotocols:    []string{"tty"},
		},
		log:     log.WithFields(zap.String("component", "gateway_proxy")),
		proxies: make(map[string]*httputil.ReverseProxy),
	}
}

// Router builds the gin engine with every gateway route mounted.
func (p *Proxy) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.Any("/opencode/*path", p.forward("opencode", p.cfg.Upstreams.Opencode, false))
	router.Any("/vscode/*path", p.forward("vscode", p.cfg.Upstreams.Vscode, true))
	router.Any("/vnc/*path", p.forward("vnc", p.cfg.Upstreams.VNC, true))
	router.Any("/ttyd/*path", p.forward("ttyd", p.cfg.Upstreams.Ttyd, true))

	api := router.Group("/api", p.localhostOnly)
	p.registerAPIRoutes(api)

	return router
}

// forward builds the handler for one prefix: auth (when required), then
// HTTP reverse proxy or WebSocket tunnel depending on the request.
func (p *Proxy) forward(prefix, target string, authed bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authed && !p.authenticate(c) {
			return
		}
		if target == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": prefix + " upstream not configured"})
			return
		}

		// Strip the route prefix before forwarding.
		path := strings.TrimPrefix(c.Request.URL.Path, "/"+prefix)
		if path == "" {
			path = "/"
		}
		c.Request.URL.Path = path
		c.Request.URL.RawPath = ""

		if isWebSocketUpgrade(c.Request) {
			p.tunnelWebSocket(c, target)
			return
		}
		p.httpProxy(prefix, target).ServeHTTP(c.Writer, c.Request)
	}
}

// authenticate accepts either the minted session cookie or a bearer JWT.
// A fresh JWT mints a cookie so later asset loads need no Authorization
// header.
func (p *Proxy) authenticate(c *gin.Context) bool {
	if cookie, err := c.Cookie(cookieName); err == nil {
		if _, ok := p.sessions.Lookup(cookie); ok {
			return true
		}
	}

	auth := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		// WebSocket clients cannot set headers; allow ?token= on upgrades.
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return false
	}

	claims, err := VerifyJWT(token, p.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}

	minted, err := p.sessions.Mint(claims)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to establish session"})
		return false
	}
	setSessionCookie(c.Writer, minted)
	return true
}

// localhostOnly gates the internal API to loopback callers.
func (p *Proxy) localhostOnly(c *gin.Context) {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal API is localhost only"})
		return
	}
	c.Next()
}

// httpProxy returns the cached reverse proxy for a target, requesting
// identity encoding upstream and stripping hop headers on the way back.
func (p *Proxy) httpProxy(prefix, target string) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if proxy, ok := p.proxies[target]; ok {
		return proxy
	}

	upstream := &url.URL{Scheme: "http", Host: target}
	proxy := httputil.NewSingleHostReverseProxy(upstream)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("Accept-Encoding", "identity")
		req.Host = upstream.Host
		for _, h := range hopHeaders {
			if h != "Host" && h != "Connection" {
				req.Header.Del(h)
			}
		}
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		for _, h := range hopHeaders {
			resp.Header.Del(h)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Error("Upstream proxy error",
			zap.String("prefix", prefix), zap.String("target", target), zap.Error(err))
		http.Error(w, "upstream error", http.StatusBadGateway)
	}

	p.proxies[target] = proxy
	return proxy
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// tunnelWebSocket upgrades the client and opens a matching upstream socket.
// Client frames that arrive before the upstream handshake completes are
// buffered and flushed in order; an upstream failure closes the client with
// 1011.
func (p *Proxy) tunnelWebSocket(c *gin.Context, target string) {
	var responseHeader http.Header
	if proto := c.GetHeader("Sec-WebSocket-Protocol"); proto != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}
	client, err := p.upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		p.log.Warn("Client upgrade failed", zap.Error(err))
		return
	}
	defer client.Close()

	// Start buffering client frames while the upstream handshake runs.
	type frame struct {
		messageType int
		data        []byte
	}
	buffered := make(chan frame, 64)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		defer close(buffered)
		for {
			messageType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			select {
			case buffered <- frame{messageType, data}:
			case <-quit:
				return
			}
		}
	}()

	upstreamURL := url.URL{Scheme: "ws", Host: target, Path: c.Request.URL.Path, RawQuery: c.Request.URL.RawQuery}
	dialer := websocket.Dialer{
		Subprotocols:     websocket.Subprotocols(c.Request),
		HandshakeTimeout: 10 * time.Second,
	}
	upstream, resp, err := dialer.Dial(upstreamURL.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		p.log.Error("Upstream dial failed",
			zap.String("target", target), zap.Int("status", status), zap.Error(err))
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseUpstreamError, "upstream unavailable"),
			time.Now().Add(5*time.Second))
		return
	}
	defer upstream.Close()

	// Client → upstream, starting with anything buffered during the dial.
	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		for f := range buffered {
			if err := upstream.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		}
		// Client closed; pass the close on to the upstream.
		_ = upstream.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(5*time.Second))
	}()

	// Upstream → client.
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			messageType, data, err := upstream.ReadMessage()
			if err != nil {
				code := websocket.CloseNormalClosure
				reason := ""
				if closeErr, ok := err.(*websocket.CloseError); ok {
					code, reason = closeErr.Code, closeErr.Text
				}
				_ = client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
				return
			}
			if err := client.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}()

	// First direction to fail tears the tunnel down; the deferred closes
	// unblock the other side.
	<-done
}
