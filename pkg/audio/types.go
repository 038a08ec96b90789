// Package audio provides the PCM frame model, utterance buffering, and
// encoding helpers for the voice session pipeline.
//
// All capture-side audio is little-endian 16-bit signed PCM at 16 kHz mono,
// the format the orchestrator's transcription stage expects. Playback-side
// payloads arrive as WAV, MP3, or raw PCM and are identified by their header
// bytes when no explicit format is declared.
package audio

import "time"

// Capture format constants. The transcription stage consumes exactly this
// format; device-native formats are normalised before entering the pipeline.
const (
	CaptureSampleRate = 16000
	CaptureChannels   = 1
	BytesPerSample    = 2
)

// Frame is a single quantum of captured audio: an immutable ordered
// sequence of little-endian int16 PCM samples at the capture format.
type Frame struct {
	// Data holds the PCM bytes. Treated as immutable after creation.
	Data []byte

	// Timestamp marks when the frame was captured, relative to the start
	// of the recording.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / BytesPerSample }

// Duration returns the frame's play time at the capture sample rate.
func (f Frame) Duration() time.Duration {
	return time.Duration(f.Samples()) * time.Second / CaptureSampleRate
}
