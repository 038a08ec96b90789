// Package transport maintains the single logical WebSocket connection to
// the voice orchestrator.
//
// A [Manager] owns the full socket lifecycle: connect, send, receive,
// heartbeat, reconnect-with-backoff, and manual close. It holds no
// conversation semantics: every state change is reported through the
// registered [Callbacks], and inbound frames are delivered raw to exactly
// one OnMessage callback.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dharsan99/voicelink/pkg/wire"
)

// Default connection parameters.
const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 1 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second
	defaultDialTimeout          = 10 * time.Second
)

// State is the connection lifecycle state. Exactly one is active at any
// time; transitions are driven only by the Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ConnectionError reports a transport open or send failure. Abnormal
// closures trigger the reconnection policy unless the manager was closed
// manually.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Callbacks receive connection lifecycle events. Nil callbacks are
// skipped. All callbacks are invoked from the manager's internal
// goroutines; implementations must not block for long.
type Callbacks struct {
	// OnOpen fires after a successful handshake, including reconnects.
	OnOpen func()

	// OnMessage delivers one raw inbound frame.
	OnMessage func(data []byte)

	// OnClose fires when the transport closes, with the close status code
	// (-1 when the peer vanished without a close frame).
	OnClose func(code websocket.StatusCode, reason string)

	// OnError reports handshake and send failures.
	OnError func(err error)
}

// Config configures a [Manager].
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Header is attached to the handshake request (e.g. a bearer token).
	Header http.Header

	// MaxReconnectAttempts caps automatic reconnection after an abnormal
	// closure. Defaults to 5 if zero.
	MaxReconnectAttempts int

	// ReconnectDelay is the base backoff delay; attempt n waits
	// delay × 2^(n−1). Defaults to 1s if zero.
	ReconnectDelay time.Duration

	// HeartbeatInterval is the ping cadence while connected. Defaults to
	// 30s if zero. The server is not required to answer before the next
	// beat; liveness is inferred from the transport's own close event.
	HeartbeatInterval time.Duration

	// DialTimeout bounds a single handshake attempt. Defaults to 10s.
	DialTimeout time.Duration
}

// Manager maintains exactly one logical socket connection and transparently
// recovers from abnormal closures. All methods are safe for concurrent use.
type Manager struct {
	cfg Config
	cb  Callbacks

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	attempts       int
	manualClose    bool
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
}

// New creates a Manager with the given configuration and callbacks.
func New(cfg Config, cb Callbacks) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Manager{
		cfg:   cfg,
		cb:    cb,
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the transport. It is a no-op when already connecting or
// connected. On handshake failure the error is both returned and reported
// through OnError, and the state becomes [StateError].
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.manualClose = false
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{
		HTTPHeader: m.cfg.Header,
	})
	if err != nil {
		cerr := &ConnectionError{Op: "dial " + m.cfg.URL, Err: err}
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()
		if m.cb.OnError != nil {
			m.cb.OnError(cerr)
		}
		return cerr
	}

	// A sealed voice utterance can run to several megabytes of base64.
	conn.SetReadLimit(16 << 20)

	m.mu.Lock()
	if m.manualClose {
		// Disconnect raced the handshake; discard the fresh connection.
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	slog.Info("socket connected", "url", m.cfg.URL)

	go m.heartbeatLoop(stop)
	go m.receiveLoop(conn)

	if m.cb.OnOpen != nil {
		m.cb.OnOpen()
	}
	return nil
}

// Send encodes msg, attaches a send timestamp, and writes it as a text
// frame. When the manager is not connected the message is dropped with a
// warning: Send never fails and never queues.
func (m *Manager) Send(msg wire.Outbound) {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		slog.Warn("socket not connected, dropping outbound message",
			"event", msg.Event,
			"type", msg.Type,
		)
		return
	}

	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if err := writeJSON(conn, msg); err != nil {
		slog.Warn("socket write failed", "event", msg.Event, "err", err)
		if m.cb.OnError != nil {
			m.cb.OnError(&ConnectionError{Op: "send", Err: err})
		}
	}
}

// Disconnect cancels the heartbeat and any pending reconnect, closes the
// transport with the normal-closure code, and suppresses all future
// reconnect attempts for this manager. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manualClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.state = StateDisconnected
	m.mu.Unlock()

	// The receive loop observes the closure and finishes the teardown,
	// including the OnClose callback.
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// receiveLoop reads frames until the connection dies, then drives the
// close/reconnect path.
func (m *Manager) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		if m.cb.OnMessage != nil {
			m.cb.OnMessage(data)
		}
	}
}

// handleClose records the closure, notifies the callback, and schedules a
// reconnect for abnormal closures unless the manager was closed manually.
func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	code := websocket.CloseStatus(err)
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	m.mu.Lock()
	if m.conn != conn {
		// A newer connection has replaced this one; nothing to do.
		m.mu.Unlock()
		return
	}
	manual := m.manualClose
	m.stopHeartbeatLocked()
	m.conn = nil
	if manual {
		m.state = StateDisconnected
	} else if code == websocket.StatusNormalClosure {
		m.state = StateDisconnected
	} else {
		m.state = StateError
	}
	m.mu.Unlock()

	slog.Info("socket closed", "code", int(code), "reason", reason, "manual", manual)

	if m.cb.OnClose != nil {
		m.cb.OnClose(code, reason)
	}

	if !manual && code != websocket.StatusNormalClosure {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next attempt. Attempt n
// waits ReconnectDelay × 2^(n−1); after MaxReconnectAttempts the manager
// stays in the error state awaiting an explicit Connect.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		slog.Error("reconnection abandoned after max attempts",
			"max_attempts", m.cfg.MaxReconnectAttempts,
		)
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := ReconnectDelay(m.cfg.ReconnectDelay, attempt)

	slog.Info("scheduling reconnection",
		"attempt", attempt,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.Connect(context.Background()); err != nil {
			slog.Warn("reconnection attempt failed", "attempt", attempt, "err", err)
			m.scheduleReconnect()
		}
	})
	m.mu.Unlock()
}

// ReconnectDelay computes the backoff for the given 1-based attempt:
// base × 2^(attempt−1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// heartbeatLoop emits a ping message on a fixed interval while connected.
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Send(wire.Ping())
		}
	}
}

// stopHeartbeatLocked stops the heartbeat goroutine. Caller holds m.mu.
func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// writeJSON marshals v and writes it as a text WebSocket frame.
func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
