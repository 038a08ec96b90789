package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dharsan99/voicelink/internal/capture"
	"github.com/dharsan99/voicelink/internal/observe"
	"github.com/dharsan99/voicelink/internal/playback"
	"github.com/dharsan99/voicelink/internal/transport"
	"github.com/dharsan99/voicelink/pkg/audio"
	"github.com/dharsan99/voicelink/pkg/wire"
)

// fakeConn is an in-memory transport. Connect reports success immediately
// and fires OnOpen synchronously, like a loopback dial.
type fakeConn struct {
	cb transport.Callbacks

	mu          sync.Mutex
	sent        []wire.Outbound
	connects    int
	disconnects int
	state       transport.State
}

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	c.state = transport.StateConnected
	c.mu.Unlock()
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.state = transport.StateDisconnected
	c.mu.Unlock()
}

func (c *fakeConn) Send(msg wire.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeConn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) messages() []wire.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Outbound(nil), c.sent...)
}

func (c *fakeConn) byEvent(event string) []wire.Outbound {
	var out []wire.Outbound
	for _, m := range c.messages() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// stubSource mirrors capture_test's source for driving frames by hand.
type stubSource struct {
	sink func(audio.Frame)
}

func (s *stubSource) Format() audio.PCMFormat { return audio.CaptureFormat }
func (s *stubSource) Start(_ context.Context, sink func(audio.Frame)) error {
	s.sink = sink
	return nil
}
func (s *stubSource) Stop() error { return nil }

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newTestSession builds a session wired to a fakeConn and stubSource. The
// playback gate stays locked so no audio device is ever opened.
func newTestSession(t *testing.T, h Handlers) (*Session, *fakeConn, *stubSource) {
	t.Helper()
	conn := &fakeConn{}
	src := &stubSource{}
	s := New(Config{URL: "ws://test.invalid/ws"}, playback.NewGate(),
		WithHandlers(h),
		WithMetrics(testMetrics(t)),
		WithSource(src),
		WithDialer(func(_ transport.Config, cb transport.Callbacks) Conn {
			conn.cb = cb
			return conn
		}),
	)
	return s, conn, src
}

func inbound(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestConnectAnnouncesSession(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if got := s.Phase(); got != PhaseConnected {
		t.Fatalf("phase = %q, want %q", got, PhaseConnected)
	}
	if s.ID() == "" {
		t.Fatal("no session ID generated")
	}
	greets := conn.byEvent("greeting_request")
	if len(greets) != 1 {
		t.Fatalf("greeting_request count = %d, want 1", len(greets))
	}
	if greets[0].SessionID != s.ID() {
		t.Errorf("greeting session = %q, want %q", greets[0].SessionID, s.ID())
	}
}

func TestFinalTranscriptTriggersLLMExactlyOnce(t *testing.T) {
	t.Parallel()

	var finals []string
	s, conn, _ := newTestSession(t, Handlers{
		OnFinalTranscript: func(text string) { finals = append(finals, text) },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{
		"event": "final_transcript",
		"text":  "hello",
	}))

	if len(finals) != 1 || finals[0] != "hello" {
		t.Fatalf("final transcript callbacks = %v, want [hello]", finals)
	}
	triggers := conn.byEvent("trigger_llm")
	if len(triggers) != 1 {
		t.Fatalf("trigger_llm count = %d, want exactly 1", len(triggers))
	}
	if triggers[0].FinalTranscript != "hello" {
		t.Errorf("trigger transcript = %q, want hello", triggers[0].FinalTranscript)
	}
	if got := s.Phase(); got != PhaseProcessing {
		t.Errorf("phase = %q, want %q", got, PhaseProcessing)
	}
	if got := s.Transcript(); got != "hello" {
		t.Errorf("stored transcript = %q, want hello", got)
	}
}

func TestInterimTranscriptUpdatesState(t *testing.T) {
	t.Parallel()

	var interims []string
	s, conn, _ := newTestSession(t, Handlers{
		OnInterimTranscript: func(text string) { interims = append(interims, text) },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "interim_transcript", "text": "hel"}))
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "interim_transcript", "text": "hello"}))

	if len(interims) != 2 {
		t.Fatalf("interim callbacks = %d, want 2", len(interims))
	}
	if got := s.Transcript(); got != "hello" {
		t.Errorf("transcript = %q, want hello", got)
	}
	if len(conn.byEvent("trigger_llm")) != 0 {
		t.Error("interim transcript must not trigger the LLM")
	}
}

func TestUnrecognizedEventIsIgnored(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	before := s.Phase()
	sentBefore := len(conn.messages())

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "foo", "text": "???"}))
	conn.cb.OnMessage([]byte("{not json"))

	if got := s.Phase(); got != before {
		t.Errorf("phase changed to %q on unknown event", got)
	}
	if got := len(conn.messages()); got != sentBefore {
		t.Errorf("unknown event produced %d outbound messages", got-sentBefore)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"type": "ping"}))

	var pongs int
	for _, m := range conn.messages() {
		if m.Type == "pong" {
			pongs++
		}
	}
	if pongs != 1 {
		t.Fatalf("pongs = %d, want 1", pongs)
	}
}

func TestRecordingCycleThroughSession(t *testing.T) {
	t.Parallel()

	s, conn, src := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if got := s.Phase(); got != PhaseRecording {
		t.Fatalf("phase = %q, want %q", got, PhaseRecording)
	}
	src.sink(audio.Frame{Data: []byte{1, 2, 3, 4}})
	s.StopRecording()
	s.Finalize()
	s.Finalize() // second finalize must not re-seal

	var finals int
	for _, m := range conn.byEvent("audio_data") {
		if m.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("final audio_data count = %d, want 1", finals)
	}
}

func TestStopRecordingKeepsBufferUntilFinalize(t *testing.T) {
	t.Parallel()

	s, conn, src := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	src.sink(audio.Frame{Data: []byte{1, 2, 3, 4}})

	s.StopRecording()

	for _, m := range conn.byEvent("audio_data") {
		if m.IsFinal {
			t.Fatal("stop alone sealed the utterance")
		}
	}

	s.Finalize()

	var finals int
	for _, m := range conn.byEvent("audio_data") {
		if m.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("final audio_data count after Finalize = %d, want 1", finals)
	}
}

func TestServerErrorRearmsFinalizeGuard(t *testing.T) {
	t.Parallel()

	var errs []error
	s, conn, src := newTestSession(t, Handlers{
		OnError: func(err error) { errs = append(errs, err) },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	src.sink(audio.Frame{Data: []byte{1, 2}})
	s.StopRecording()
	s.Finalize()

	conn.cb.OnMessage(inbound(t, map[string]any{
		"event":   "error",
		"message": "pipeline exploded",
	}))

	if len(errs) != 1 {
		t.Fatalf("error callbacks = %d, want 1", len(errs))
	}
	if errs[0].Error() != "session: server error: pipeline exploded" {
		t.Errorf("error = %q", errs[0])
	}
	// Guard is re-armed; the session is still usable for a new cycle.
	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("restart after server error: %v", err)
	}
}

func TestRecordingRequiresConnection(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, Handlers{})
	if err := s.StartRecording(context.Background()); err == nil {
		t.Fatal("recording started while idle")
	}
}

func TestDisconnectAbortsWithoutSealing(t *testing.T) {
	t.Parallel()

	s, conn, src := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	src.sink(audio.Frame{Data: []byte{1, 2, 3, 4}})

	s.Disconnect()

	for _, m := range conn.byEvent("audio_data") {
		if m.IsFinal {
			t.Fatal("disconnect sealed the utterance")
		}
	}
	if conn.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnects)
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Errorf("phase = %q, want %q", got, PhaseIdle)
	}
}

func TestProcessingPhaseFollowsEvents(t *testing.T) {
	t.Parallel()

	var phases []Phase
	s, conn, _ := newTestSession(t, Handlers{
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "processing_start"}))
	if got := s.Phase(); got != PhaseProcessing {
		t.Fatalf("phase = %q, want %q", got, PhaseProcessing)
	}
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "processing_complete"}))
	if got := s.Phase(); got != PhaseConnected {
		t.Fatalf("phase = %q, want %q", got, PhaseConnected)
	}

	want := []Phase{PhaseConnecting, PhaseConnected, PhaseProcessing, PhaseConnected}
	if len(phases) != len(want) {
		t.Fatalf("phase transitions = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phase transitions = %v, want %v", phases, want)
		}
	}
}

func TestAIResponseEntersSpeakingPhase(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "final_transcript", "text": "hello"}))
	if got := s.Phase(); got != PhaseProcessing {
		t.Fatalf("phase after final transcript = %q, want %q", got, PhaseProcessing)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "ai_response", "text": "hi there"}))
	if got := s.Phase(); got != PhaseSpeaking {
		t.Fatalf("phase after ai_response = %q, want %q", got, PhaseSpeaking)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "word_timing_complete"}))
	if got := s.Phase(); got != PhaseConnected {
		t.Fatalf("phase after word timing complete = %q, want %q", got, PhaseConnected)
	}
}

func TestTTSAudioEntersSpeakingPhase(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Gate is locked, so the payload queues without touching a device;
	// the phase transition happens regardless.
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "llm_response_text", "response": "hi"}))
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "tts_audio_chunk", "audio_data": "AAAA"}))
	if got := s.Phase(); got != PhaseSpeaking {
		t.Fatalf("phase during TTS playback = %q, want %q", got, PhaseSpeaking)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "processing_complete"}))
	if got := s.Phase(); got != PhaseConnected {
		t.Fatalf("phase after processing complete = %q, want %q", got, PhaseConnected)
	}
}

func TestDisconnectClearsConversationState(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "connection_established", "session_id": "srv-1"}))
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "final_transcript", "text": "hello"}))
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "ai_response", "text": "hi there"}))
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "service_status", "service": "stt", "state": "ready"}))

	s.Disconnect()

	if got := s.ID(); got != "" {
		t.Errorf("session ID after disconnect = %q, want cleared", got)
	}
	if got := s.Transcript(); got != "" {
		t.Errorf("transcript after disconnect = %q, want cleared", got)
	}
	if got := s.Response(); got != "" {
		t.Errorf("response after disconnect = %q, want cleared", got)
	}
	if got := s.ServiceStates(); len(got) != 0 {
		t.Errorf("service states after disconnect = %v, want empty", got)
	}
}

func TestCloseInvokesNoHandlers(t *testing.T) {
	t.Parallel()

	var phases []Phase
	s, conn, src := newTestSession(t, Handlers{
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	src.sink(audio.Frame{Data: []byte{1, 2}})
	callbacks := len(phases)

	s.Close()

	if got := len(phases); got != callbacks {
		t.Fatalf("Close fired %d phase callbacks, want none", got-callbacks)
	}
	if conn.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnects)
	}
	for _, m := range conn.byEvent("audio_data") {
		if m.IsFinal {
			t.Fatal("Close sealed the utterance")
		}
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Errorf("phase = %q, want %q", got, PhaseIdle)
	}
	if got := s.ID(); got != "" {
		t.Errorf("session ID after close = %q, want cleared", got)
	}
}

func TestServiceStatusTracked(t *testing.T) {
	t.Parallel()

	s, conn, _ := newTestSession(t, Handlers{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{
		"event":   "service_status",
		"service": "stt",
		"state":   "ready",
	}))
	conn.cb.OnMessage(inbound(t, map[string]any{
		"event": "pipeline_state_update",
		"state": "listening",
	}))

	states := s.ServiceStates()
	if states["stt"] != "ready" {
		t.Errorf("stt state = %q, want ready", states["stt"])
	}
	if states["pipeline"] != "listening" {
		t.Errorf("pipeline state = %q, want listening", states["pipeline"])
	}
}

func TestResponseTextStored(t *testing.T) {
	t.Parallel()

	var responses []string
	s, conn, _ := newTestSession(t, Handlers{
		OnResponse: func(text string) { responses = append(responses, text) },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.cb.OnMessage(inbound(t, map[string]any{"event": "ai_response", "text": "hi there"}))
	conn.cb.OnMessage(inbound(t, map[string]any{"event": "llm_response_text", "response": "and more"}))

	if len(responses) != 2 {
		t.Fatalf("response callbacks = %d, want 2", len(responses))
	}
	if got := s.Response(); got != "and more" {
		t.Errorf("stored response = %q, want latest", got)
	}
}

// Interface conformance for the real transport.
var _ Conn = (*transport.Manager)(nil)

// The stub source must satisfy the capture contract.
var _ capture.Source = (*stubSource)(nil)
