// Package wire defines the JSON messages exchanged with the voice
// orchestrator over the session WebSocket.
//
// Inbound messages are tagged by an "event" field, with a secondary "type"
// field used by older pipeline components; when both are present "event"
// wins. The set of recognised kinds is closed: anything else parses into
// [KindUnrecognized] with the raw payload preserved so that new server-side
// events never fail the connection.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an inbound message variant.
type Kind string

// Recognised inbound kinds.
const (
	KindConnectionEstablished Kind = "connection_established"
	KindGreeting              Kind = "greeting"
	KindGreetingAudio         Kind = "greeting_audio"
	KindInterimTranscript     Kind = "interim_transcript"
	KindFinalTranscript       Kind = "final_transcript"
	KindAIResponse            Kind = "ai_response"
	KindLLMResponseText       Kind = "llm_response_text"
	KindTTSAudio              Kind = "tts_audio"
	KindTTSAudioChunk         Kind = "tts_audio_chunk"
	KindProcessingStart       Kind = "processing_start"
	KindProcessingComplete    Kind = "processing_complete"
	KindError                 Kind = "error"
	KindWordTimingStart       Kind = "word_timing_start"
	KindWordHighlight         Kind = "word_highlight"
	KindWordTimingComplete    Kind = "word_timing_complete"
	KindInfo                  Kind = "info"
	KindEcho                  Kind = "echo"
	KindPing                  Kind = "ping"
	KindPong                  Kind = "pong"
	KindPipelineStateUpdate   Kind = "pipeline_state_update"
	KindServiceStatus         Kind = "service_status"

	// KindUnrecognized marks an inbound message whose tag is not in the
	// closed set above. The raw payload is retained in [Inbound.Raw].
	KindUnrecognized Kind = "unrecognized"
)

// recognised is the closed set of inbound kinds the client dispatches on.
var recognised = map[Kind]bool{
	KindConnectionEstablished: true,
	KindGreeting:              true,
	KindGreetingAudio:         true,
	KindInterimTranscript:     true,
	KindFinalTranscript:       true,
	KindAIResponse:            true,
	KindLLMResponseText:       true,
	KindTTSAudio:              true,
	KindTTSAudioChunk:         true,
	KindProcessingStart:       true,
	KindProcessingComplete:    true,
	KindError:                 true,
	KindWordTimingStart:       true,
	KindWordHighlight:         true,
	KindWordTimingComplete:    true,
	KindInfo:                  true,
	KindEcho:                  true,
	KindPing:                  true,
	KindPong:                  true,
	KindPipelineStateUpdate:   true,
	KindServiceStatus:         true,
}

// ProtocolError reports an inbound payload that could not be decoded.
// The connection is preserved; the offending message is dropped.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: malformed inbound payload: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Inbound is the decoded form of a server message. Only the fields
// meaningful for the message's kind are populated; the rest are zero.
type Inbound struct {
	Kind Kind

	// Text carries greeting text, transcripts, AI responses, and error
	// descriptions.
	Text string

	// AudioData is a base64-encoded audio payload (tts_audio,
	// tts_audio_chunk, greeting_audio).
	AudioData string

	// Format optionally declares the audio payload format ("wav", "mp3").
	// Empty means the player auto-detects from header bytes.
	Format string

	// SessionID echoes the session the message belongs to.
	SessionID string

	// State carries the pipeline_state_update phase ("listening",
	// "processing", "complete", "error") and the service_status state.
	State string

	// Message carries free-text info notices.
	Message string

	// Service names the backend stage a service_status refers to
	// ("stt", "llm", "tts").
	Service string

	// Response carries the processing_complete response text.
	Response string

	// WordIndex and Timestamp describe word_highlight positions.
	WordIndex int
	Timestamp float64

	// Raw preserves the undecoded payload for unrecognized kinds.
	Raw json.RawMessage
}

// inboundEnvelope mirrors the union of fields the orchestrator emits.
type inboundEnvelope struct {
	Event     Kind    `json:"event,omitempty"`
	Type      Kind    `json:"type,omitempty"`
	Text      string  `json:"text,omitempty"`
	AudioData string  `json:"audio_data,omitempty"`
	Format    string  `json:"format,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	State     string  `json:"state,omitempty"`
	Message   string  `json:"message,omitempty"`
	Service   string  `json:"service,omitempty"`
	Response  string  `json:"response,omitempty"`
	WordIndex int     `json:"word_index,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// ParseInbound decodes a raw server frame. Malformed JSON yields a
// *[ProtocolError]; a well-formed message with an unknown tag yields
// Kind == [KindUnrecognized] and a nil error.
func ParseInbound(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, &ProtocolError{Err: err}
	}

	kind := env.Event
	if kind == "" {
		kind = env.Type
	}
	if !recognised[kind] {
		return Inbound{Kind: KindUnrecognized, Raw: json.RawMessage(raw)}, nil
	}

	return Inbound{
		Kind:      kind,
		Text:      env.Text,
		AudioData: env.AudioData,
		Format:    env.Format,
		SessionID: env.SessionID,
		State:     env.State,
		Message:   env.Message,
		Service:   env.Service,
		Response:  env.Response,
		WordIndex: env.WordIndex,
		Timestamp: env.Timestamp,
	}, nil
}

// IsAudioBearing reports whether the message carries a playable audio
// payload.
func (m Inbound) IsAudioBearing() bool {
	switch m.Kind {
	case KindGreetingAudio, KindTTSAudio, KindTTSAudioChunk:
		return m.AudioData != ""
	}
	return false
}

// Outbound is a client→server message. The zero fields are omitted from
// the JSON encoding, so one struct covers every outbound kind.
type Outbound struct {
	Event           string `json:"event,omitempty"`
	Type            string `json:"type,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	AudioData       string `json:"audio_data,omitempty"`
	IsFinal         bool   `json:"is_final,omitempty"`
	FinalTranscript string `json:"final_transcript,omitempty"`

	// Timestamp is attached by the connection manager at send time.
	Timestamp string `json:"timestamp,omitempty"`
}

// GreetingRequest asks the server to establish the session and speak its
// opening line. Sent immediately after the socket opens.
func GreetingRequest(sessionID string) Outbound {
	return Outbound{Event: "greeting_request", SessionID: sessionID}
}

// AudioChunk wraps one base64-encoded PCM payload. Partial chunks stream
// low-latency audio; the single final chunk carries the whole utterance
// and triggers authoritative transcription.
func AudioChunk(sessionID, audioB64 string, final bool) Outbound {
	return Outbound{
		Event:     "audio_data",
		SessionID: sessionID,
		AudioData: audioB64,
		IsFinal:   final,
	}
}

// TriggerLLM couples transcription completion to LLM-stage initiation,
// carrying the final transcript text.
func TriggerLLM(sessionID, transcript string) Outbound {
	return Outbound{
		Event:           "trigger_llm",
		SessionID:       sessionID,
		FinalTranscript: transcript,
	}
}

// Ping is the heartbeat message. The server is not required to answer
// before the next beat; liveness is inferred from the transport itself.
func Ping() Outbound { return Outbound{Type: "ping"} }

// Pong answers a server-initiated ping.
func Pong() Outbound { return Outbound{Type: "pong"} }
