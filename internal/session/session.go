// Package session orchestrates one voice conversation: it owns the
// transport connection, the capture chain, and playback, and drives the
// session state machine from the inbound event stream.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dharsan99/voicelink/internal/capture"
	"github.com/dharsan99/voicelink/internal/observe"
	"github.com/dharsan99/voicelink/internal/playback"
	"github.com/dharsan99/voicelink/internal/transport"
	"github.com/dharsan99/voicelink/pkg/audio"
	"github.com/dharsan99/voicelink/pkg/wire"
)

// Phase is the conversation phase as seen by the user of the session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseRecording  Phase = "recording"
	PhaseProcessing Phase = "processing"
	PhaseSpeaking   Phase = "speaking"
	PhaseError      Phase = "error"
)

// Conn is the transport surface the session drives. Satisfied by
// [transport.Manager].
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(msg wire.Outbound)
	State() transport.State
}

// Dialer builds the transport for a session. The default dialer returns a
// [transport.Manager]; tests substitute their own.
type Dialer func(cfg transport.Config, cb transport.Callbacks) Conn

// Handlers receive conversation-level events. All fields are optional.
// Handlers are invoked from the session's transport goroutines.
type Handlers struct {
	// OnPhase fires on every phase transition.
	OnPhase func(p Phase)

	// OnInterimTranscript delivers a provisional transcription of the
	// utterance in progress.
	OnInterimTranscript func(text string)

	// OnFinalTranscript delivers the authoritative transcription.
	OnFinalTranscript func(text string)

	// OnResponse delivers assistant response text, including greetings.
	OnResponse func(text string)

	// OnWordHighlight reports the word index currently being spoken, and
	// -1 when word timing completes.
	OnWordHighlight func(index int)

	// OnError reports server-side and transport errors. The session stays
	// usable after most of them.
	OnError func(err error)
}

// Config configures a Session.
type Config struct {
	// URL is the voice orchestrator WebSocket endpoint.
	URL string

	// Header is attached to the transport handshake (e.g. a bearer token).
	Header http.Header

	// MaxReconnectAttempts, ReconnectDelay, and HeartbeatInterval are
	// forwarded to the transport; zero values take transport defaults.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
}

// ServerError is an error event reported by the orchestrator. The session
// clears the capture finalize guard when one arrives so a retried stop can
// seal the utterance again.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("session: server error: %s", e.Message)
}

// Session is one voice conversation. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg     Config
	conn    Conn
	chain   *capture.Chain
	player  *playback.Player
	metrics *observe.Metrics
	h       Handlers
	dial    Dialer
	source  capture.Source

	mu          sync.Mutex
	id          string // client-generated, regenerated on every Connect
	serverID    string // assigned by connection_established
	phase       Phase
	transcript  string
	response    string
	services    map[string]string
	activeAdded bool
}

// Option configures a Session.
type Option func(*Session)

// WithHandlers registers conversation event handlers.
func WithHandlers(h Handlers) Option {
	return func(s *Session) { s.h = h }
}

// WithMetrics substitutes the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDialer substitutes the transport factory. Used by tests.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithSource substitutes the capture source. Defaults to the system
// microphone.
func WithSource(src capture.Source) Option {
	return func(s *Session) { s.source = src }
}

// New creates a session speaking to cfg.URL, rendering audio behind gate.
func New(cfg Config, gate *playback.Gate, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		player:   playback.NewPlayer(gate),
		phase:    PhaseIdle,
		services: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.source == nil {
		s.source = capture.NewMicSource(audio.CaptureFormat)
	}
	if s.dial == nil {
		s.dial = func(tc transport.Config, cb transport.Callbacks) Conn {
			return transport.New(tc, cb)
		}
	}

	s.conn = s.dial(transport.Config{
		URL:                  cfg.URL,
		Header:               cfg.Header,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		HeartbeatInterval:    cfg.HeartbeatInterval,
	}, transport.Callbacks{
		OnOpen:    s.handleOpen,
		OnMessage: s.handleInbound,
		OnClose:   s.handleClose,
		OnError:   s.handleTransportError,
	})
	s.chain = capture.NewChain(s.source, senderFunc(s.send))
	return s
}

// senderFunc adapts a function to the capture.Sender interface.
type senderFunc func(wire.Outbound)

func (f senderFunc) Send(msg wire.Outbound) { f(msg) }

// ID returns the client-generated session identifier for the current
// connection attempt, or "" before the first Connect.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Phase returns the current conversation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transcript returns the latest transcript, interim or final.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Response returns the latest assistant response text.
func (s *Session) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// ServiceStates returns a snapshot of the per-service pipeline states last
// reported by the orchestrator.
func (s *Session) ServiceStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.services))
	for k, v := range s.services {
		out[k] = v
	}
	return out
}

// Connect opens the session. A fresh session ID is generated per call.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseConnecting || s.connectedLocked() {
		s.mu.Unlock()
		return nil
	}
	s.id = uuid.NewString()
	s.mu.Unlock()
	s.setPhase(PhaseConnecting)

	if err := s.conn.Connect(ctx); err != nil {
		s.setPhase(PhaseError)
		return err
	}
	return nil
}

// StartRecording begins a capture cycle. The session must be connected.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	if !s.connectedLocked() {
		s.mu.Unlock()
		return fmt.Errorf("session: not connected")
	}
	id := s.id
	s.mu.Unlock()

	if err := s.chain.Start(ctx, id); err != nil {
		s.reportError(err, "capture")
		return err
	}
	s.setPhase(PhaseRecording)
	return nil
}

// StopRecording ends the capture cycle and releases the microphone. The
// accumulated utterance stays buffered until [Session.Finalize] seals it.
func (s *Session) StopRecording() {
	s.chain.Stop()
	if s.Phase() == PhaseRecording {
		s.setPhase(PhaseConnected)
	}
}

// Finalize seals the buffered utterance as one final audio_data message.
// Idempotent per recording cycle: a second call before the next
// StartRecording sends nothing.
func (s *Session) Finalize() {
	s.chain.Finalize()
}

// Recording reports whether a capture cycle is in progress.
func (s *Session) Recording() bool { return s.chain.Recording() }

// Disconnect tears the session down: any in-flight recording is aborted
// without sealing, the transport closes normally with reconnection
// suppressed, and all conversation state, the session identifier
// included, is destroyed.
func (s *Session) Disconnect() {
	s.chain.Abort()
	s.conn.Disconnect()
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.setPhase(PhaseIdle)
}

// Close is the hard teardown used when the host application exits: the
// capture chain aborts first, then the transport closes directly. Unlike
// Disconnect it invokes no handlers afterwards, so it is safe to call
// from a context where the handler targets no longer exist.
func (s *Session) Close() {
	s.chain.Abort()
	s.mu.Lock()
	s.resetLocked()
	s.phase = PhaseIdle
	s.mu.Unlock()
	s.conn.Disconnect()
}

// resetLocked destroys the per-connection conversation state. Caller
// holds s.mu.
func (s *Session) resetLocked() {
	s.id = ""
	s.serverID = ""
	s.transcript = ""
	s.response = ""
	s.services = make(map[string]string)
	if s.activeAdded {
		s.activeAdded = false
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// connectedLocked reports whether the transport is usable. Caller holds s.mu.
func (s *Session) connectedLocked() bool {
	switch s.phase {
	case PhaseConnected, PhaseRecording, PhaseProcessing, PhaseSpeaking:
		return true
	}
	return false
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	if s.phase == p {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()
	if s.h.OnPhase != nil {
		s.h.OnPhase(p)
	}
}

// handleOpen runs on every successful handshake, including automatic
// reconnects, and re-announces the session to the orchestrator.
func (s *Session) handleOpen() {
	s.mu.Lock()
	id := s.id
	if !s.activeAdded {
		s.activeAdded = true
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	s.mu.Unlock()

	s.setPhase(PhaseConnected)
	s.send(wire.GreetingRequest(id))
}

// handleClose runs when the transport closes. Abnormal closures are
// recovered by the transport itself; the session only tracks phase.
func (s *Session) handleClose(code websocket.StatusCode, reason string) {
	s.chain.ClearFinalizeGuard()
	if code == websocket.StatusNormalClosure || s.Phase() == PhaseIdle {
		return
	}
	slog.Info("session transport closed", "code", int(code), "reason", reason)
	s.metrics.ReconnectAttempts.Add(context.Background(), 1)
	s.setPhase(PhaseConnecting)
}

func (s *Session) handleTransportError(err error) {
	s.metrics.RecordSessionError(context.Background(), "transport")
	s.reportError(err, "")
}

// send forwards one outbound message through the transport and counts it.
func (s *Session) send(msg wire.Outbound) {
	event := msg.Event
	if event == "" {
		event = msg.Type
	}
	s.metrics.RecordOutboundMessage(context.Background(), event)
	if msg.Event == "audio_data" && msg.AudioData != "" {
		// Base64 expands 3 bytes to 4 characters.
		pcmBytes := len(msg.AudioData) / 4 * 3
		s.metrics.CaptureBytes.Add(context.Background(), int64(pcmBytes))
		if msg.IsFinal {
			seconds := float64(pcmBytes) / float64(audio.CaptureSampleRate*audio.BytesPerSample)
			s.metrics.UtteranceDuration.Record(context.Background(), seconds)
		}
	}
	s.conn.Send(msg)
}

func (s *Session) reportError(err error, metricSource string) {
	if metricSource != "" {
		s.metrics.RecordSessionError(context.Background(), metricSource)
	}
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}
