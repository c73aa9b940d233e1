package session

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/pkg/ws"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

// connRole tags the three socket classes a holder multiplexes.
type connRole string

const (
	roleClient  connRole = "client"
	roleRunner  connRole = "runner"
	roleChannel connRole = "channel"
)

// ConnectedUser identifies the authenticated user behind a client socket.
type ConnectedUser struct {
	UserID string
	Name   string
	Avatar string
	Role   string // owner, editor, viewer
}

// conn wraps one WebSocket with a buffered outbound pump. Raw frames from
// the read pump are forwarded to the holder's inbox so all per-session
// mutations stay on a single goroutine.
type conn struct {
	id     string
	role   connRole
	user   ConnectedUser // client role
	scope  string        // channel role: the binding scope key
	chType string
	chID   string

	sock   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	log    *logger.Logger
}

func newConn(id string, role connRole, sock *websocket.Conn, log *logger.Logger) *conn {
	return &conn{
		id:     id,
		role:   role,
		sock:   sock,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
		log:    log.WithFields(zap.String("conn_id", id), zap.String("role", string(role))),
	}
}

// enqueue hands a pre-marshalled frame to the write pump. Frames to a slow
// client are dropped rather than blocking the holder (lossy fan-out; clients
// recover from periodic snapshots).
func (c *conn) enqueue(data []byte) {
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		c.log.Warn("Dropping frame for slow connection")
	}
}

// enqueueFrame marshals and enqueues a typed frame.
func (c *conn) enqueueFrame(frame any) {
	data, err := ws.Marshal(frame)
	if err != nil {
		c.log.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// closeWith writes a close control frame and tears the socket down.
func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.sock.Close()
}

// readPump delivers inbound frames to the handler until the socket closes.
// onFrame runs on this goroutine; handlers must post to the holder inbox.
func (c *conn) readPump(onFrame func(raw []byte), onClose func(err error)) {
	defer func() {
		close(c.closed)
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error", zap.Error(err))
			}
			onClose(err)
			return
		}
		onFrame(raw)
	}
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
