package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dharsan99/voicelink/pkg/audio"
	"github.com/dharsan99/voicelink/pkg/wire"
)

// handleInbound parses and dispatches one raw inbound frame. Malformed
// frames and unrecognised event kinds are logged and dropped; neither
// disturbs the session state.
func (s *Session) handleInbound(raw []byte) {
	ev, err := wire.ParseInbound(raw)
	if err != nil {
		var perr *wire.ProtocolError
		if errors.As(err, &perr) {
			slog.Warn("dropping malformed inbound frame", "err", err, "bytes", len(raw))
			s.metrics.RecordSessionError(context.Background(), "protocol")
			return
		}
		slog.Warn("inbound parse failed", "err", err)
		return
	}

	s.metrics.RecordInboundEvent(context.Background(), string(ev.Kind))

	switch ev.Kind {
	case wire.KindConnectionEstablished:
		s.mu.Lock()
		s.serverID = ev.SessionID
		s.mu.Unlock()
		slog.Info("session established", "server_session_id", ev.SessionID)

	case wire.KindGreeting:
		if ev.Text != "" {
			s.storeResponse(ev.Text)
		}
		if ev.AudioData != "" {
			s.playPayload(ev.AudioData, ev.Format)
		}

	case wire.KindGreetingAudio:
		s.playPayload(ev.AudioData, ev.Format)

	case wire.KindInterimTranscript:
		s.mu.Lock()
		s.transcript = ev.Text
		s.mu.Unlock()
		if s.h.OnInterimTranscript != nil {
			s.h.OnInterimTranscript(ev.Text)
		}

	case wire.KindFinalTranscript:
		s.mu.Lock()
		s.transcript = ev.Text
		id := s.id
		s.mu.Unlock()
		if s.h.OnFinalTranscript != nil {
			s.h.OnFinalTranscript(ev.Text)
		}
		// The authoritative transcript drives exactly one LLM trigger.
		s.send(wire.TriggerLLM(id, ev.Text))
		s.setPhase(PhaseProcessing)

	case wire.KindAIResponse, wire.KindLLMResponseText:
		text := ev.Text
		if text == "" {
			text = ev.Response
		}
		s.storeResponse(text)
		s.setPhase(PhaseSpeaking)

	case wire.KindTTSAudio, wire.KindTTSAudioChunk:
		s.setPhase(PhaseSpeaking)
		s.playPayload(ev.AudioData, ev.Format)

	case wire.KindProcessingStart:
		s.setPhase(PhaseProcessing)

	case wire.KindProcessingComplete:
		s.setPhase(PhaseConnected)

	case wire.KindError:
		slog.Warn("orchestrator reported error", "message", ev.Message)
		s.metrics.RecordSessionError(context.Background(), "server")
		// A failed pipeline run may want the utterance again; let the next
		// Finalize seal once more.
		s.chain.ClearFinalizeGuard()
		if s.Phase() == PhaseProcessing {
			s.setPhase(PhaseConnected)
		}
		s.reportError(&ServerError{Message: ev.Message}, "")

	case wire.KindWordTimingStart:
		if s.h.OnWordHighlight != nil {
			s.h.OnWordHighlight(0)
		}

	case wire.KindWordHighlight:
		if s.h.OnWordHighlight != nil {
			s.h.OnWordHighlight(ev.WordIndex)
		}

	case wire.KindWordTimingComplete:
		if s.h.OnWordHighlight != nil {
			s.h.OnWordHighlight(-1)
		}
		if s.Phase() == PhaseSpeaking {
			s.setPhase(PhaseConnected)
		}

	case wire.KindPing:
		s.send(wire.Pong())

	case wire.KindPong:
		// Heartbeat answer, nothing to do.

	case wire.KindInfo, wire.KindEcho:
		slog.Debug("orchestrator info", "kind", ev.Kind, "message", ev.Message)

	case wire.KindPipelineStateUpdate:
		s.mu.Lock()
		s.services["pipeline"] = ev.State
		s.mu.Unlock()

	case wire.KindServiceStatus:
		s.mu.Lock()
		if ev.Service != "" {
			s.services[ev.Service] = ev.State
		}
		s.mu.Unlock()

	case wire.KindUnrecognized:
		slog.Debug("ignoring unrecognised event", "bytes", len(ev.Raw))
	}
}

func (s *Session) storeResponse(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.response = text
	s.mu.Unlock()
	if s.h.OnResponse != nil {
		s.h.OnResponse(text)
	}
}

// playPayload decodes and renders one base64 audio payload. Playback
// failures never disturb the session.
func (s *Session) playPayload(b64, format string) {
	if b64 == "" {
		return
	}
	data, err := audio.DecodeBase64(b64)
	if err != nil {
		slog.Warn("dropping undecodable audio payload", "err", err)
		s.metrics.RecordSessionError(context.Background(), "playback")
		return
	}

	start := time.Now()
	if err := s.player.Play(data, audio.Format(format)); err != nil {
		slog.Warn("playback failed", "err", err)
		s.metrics.RecordSessionError(context.Background(), "playback")
		return
	}
	s.metrics.PlaybackDuration.Record(context.Background(), time.Since(start).Seconds())
}
