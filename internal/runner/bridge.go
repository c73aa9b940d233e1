// Package runner implements the sandbox-side bridge: a persistent WebSocket
// to the session holder with reconnection, outbound buffering, request
// correlation, and the exit discipline for orphaned or superseded runners.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/pkg/ws"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 30 * time.Second
	pingInterval       = 30 * time.Second
	pongWait           = 75 * time.Second
	writeWait          = 10 * time.Second

	// maxUpgradeFailures is how many consecutive 1002 closes the bridge
	// tolerates before concluding the runner token was rotated and the
	// sandbox is orphaned.
	maxUpgradeFailures = 5
)

// Exit codes returned by Run. The process wrapper passes them to os.Exit.
const (
	ExitSuperseded = 0
	ExitOrphaned   = 1
)

// Config configures the bridge connection.
type Config struct {
	// URL is the holder's runner endpoint, e.g.
	// wss://host/api/v1/sessions/{id}/runner.
	URL   string
	Token string

	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// FrameHandler receives every non-response frame the holder sends (prompt,
// answer, stop, abort, diff, review, tunnel-delete, workflow-execute).
type FrameHandler func(frameType string, raw []byte)

// Bridge maintains the runner's connection to its session holder.
type Bridge struct {
	cfg     Config
	handler FrameHandler
	log     *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	outbox  [][]byte // FIFO, flushed on reconnect
	pending map[string]chan ws.RunnerResponseFrame
	done    chan struct{}
}

// New creates a bridge. The handler may be nil when the caller only issues
// requests.
func New(cfg Config, handler FrameHandler, log *logger.Logger) *Bridge {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if handler == nil {
		handler = func(string, []byte) {}
	}
	return &Bridge{
		cfg:     cfg,
		handler: handler,
		log:     log.WithFields(zap.String("component", "runner_bridge")),
		pending: make(map[string]chan ws.RunnerResponseFrame),
		done:    make(chan struct{}),
	}
}

// Run connects and reconnects until the context is cancelled or a terminal
// close arrives. The returned code is the process exit code: 0 for
// supersession, 1 for an orphaned sandbox (five 1002 closes in a row).
func (b *Bridge) Run(ctx context.Context) (int, error) {
	defer close(b.done)

	backoff := b.cfg.BackoffBase
	upgradeFailures := 0

	for {
		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ExitSuperseded, ctx.Err()
			}
			b.log.Warn("Failed to connect to holder", zap.Error(err))
			if !sleep(ctx, backoff) {
				return ExitSuperseded, ctx.Err()
			}
			backoff = nextBackoff(backoff, b.cfg.BackoffCap)
			continue
		}

		// Successful open resets the backoff schedule.
		backoff = b.cfg.BackoffBase
		b.attach(conn)
		b.flushOutbox()

		closeErr := b.readLoop(ctx, conn)
		b.detach(conn)

		code, reason := closeDetails(closeErr)
		decision := Classify(code, reason, &upgradeFailures)
		switch decision {
		case DecisionExitSuperseded:
			b.log.Info("Runner superseded, exiting", zap.String("reason", reason))
			return ExitSuperseded, nil
		case DecisionExitOrphaned:
			b.log.Error("Runner token rejected repeatedly, sandbox is orphaned")
			return ExitOrphaned, nil
		}

		if ctx.Err() != nil {
			return ExitSuperseded, ctx.Err()
		}
		b.log.Info("Connection lost, reconnecting",
			zap.Int("close_code", code), zap.String("reason", reason))
		if !sleep(ctx, backoff) {
			return ExitSuperseded, ctx.Err()
		}
		backoff = nextBackoff(backoff, b.cfg.BackoffCap)
	}
}

// Decision is the reconnect-or-exit outcome after a connection drop.
type Decision int

const (
	DecisionReconnect Decision = iota
	DecisionExitSuperseded
	DecisionExitOrphaned
)

// Classify maps a close code and reason to the bridge's next move,
// maintaining the consecutive-1002 counter across calls.
func Classify(code int, reason string, upgradeFailures *int) Decision {
	if code == ws.CloseNormal && strings.Contains(reason, ws.ReasonSuperseded) {
		return DecisionExitSuperseded
	}
	if code == ws.CloseUpgradeRejected {
		*upgradeFailures++
		if *upgradeFailures >= maxUpgradeFailures {
			return DecisionExitOrphaned
		}
		return DecisionReconnect
	}
	*upgradeFailures = 0
	return DecisionReconnect
}

func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return 0, ""
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Runner-Token", b.cfg.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial holder (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial holder: %w", err)
	}
	return conn, nil
}

func (b *Bridge) attach(conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	_ = conn.Close()
}

// readLoop pumps frames until the socket errors. A pong-less connection is
// dropped by the read deadline.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			case <-ticker.C:
				b.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				b.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.failPending(err)
			return err
		}
		b.dispatch(raw)
	}
}

func (b *Bridge) dispatch(raw []byte) {
	env, err := ws.DecodeEnvelope(raw)
	if err != nil {
		b.log.Warn("Dropping malformed frame", zap.Error(err))
		return
	}
	if env.Type == ws.TypeRunnerResponse {
		var resp ws.RunnerResponseFrame
		if err := ws.Decode(raw, &resp); err != nil {
			b.log.Warn("Dropping malformed response", zap.Error(err))
			return
		}
		b.resolve(resp)
		return
	}
	b.handler(env.Type, raw)
}

func (b *Bridge) resolve(resp ws.RunnerResponseFrame) {
	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	if ok {
		delete(b.pending, resp.RequestID)
	}
	b.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (b *Bridge) failPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan ws.RunnerResponseFrame)
	b.mu.Unlock()
	for id, ch := range pending {
		ch <- ws.NewRunnerError(id, fmt.Sprintf("connection lost: %v", err))
	}
}

// Send marshals and transmits a frame, buffering it in FIFO order while
// disconnected.
func (b *Bridge) Send(frame any) error {
	raw, err := ws.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.outbox = append(b.outbox, raw)
		b.mu.Unlock()
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	b.mu.Unlock()

	if err != nil {
		// The read loop will notice the broken socket; keep the frame.
		b.mu.Lock()
		b.outbox = append(b.outbox, raw)
		b.mu.Unlock()
	}
	return nil
}

func (b *Bridge) flushOutbox() {
	b.mu.Lock()
	conn := b.conn
	queued := b.outbox
	b.outbox = nil
	b.mu.Unlock()
	if conn == nil {
		return
	}
	for i, raw := range queued {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			// Requeue the rest in order.
			b.mu.Lock()
			b.outbox = append(queued[i:], b.outbox...)
			b.mu.Unlock()
			return
		}
	}
}

// Request issues a correlated operation to the holder and waits for the
// response, honoring the per-op deadline.
func (b *Bridge) Request(ctx context.Context, op string, payload any) (ws.RunnerResponseFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ws.RunnerResponseFrame{}, apperr.Validation("failed to encode %s payload: %v", op, err)
	}
	requestID := uuid.NewString()
	frame := ws.RunnerRequestFrame{
		Type:      ws.TypeRunnerRequest,
		RequestID: requestID,
		Op:        op,
		Payload:   raw,
	}

	ch := make(chan ws.RunnerResponseFrame, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()

	if err := b.Send(frame); err != nil {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
		return ws.RunnerResponseFrame{}, err
	}

	deadline := time.NewTimer(ws.RequestDeadline(op))
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
		return ws.RunnerResponseFrame{}, ctx.Err()
	case <-deadline.C:
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
		return ws.RunnerResponseFrame{}, apperr.Timeout("no response to %s within %s", op, ws.RequestDeadline(op))
	case resp := <-ch:
		if !resp.OK {
			return resp, apperr.Upstream(0, resp.Error, "holder rejected %s", op)
		}
		return resp, nil
	}
}

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} { return b.done }
