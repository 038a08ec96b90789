// Package capture turns microphone input into outbound audio_data
// messages.
//
// A [Chain] pulls PCM frames from a [Source], normalizes them to the
// 16 kHz mono capture format, streams each frame as a partial audio_data
// message, and accumulates the whole utterance in a pending buffer. Stop
// only releases the device; Finalize seals the buffer into a single
// final message.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dharsan99/voicelink/pkg/audio"
	"github.com/dharsan99/voicelink/pkg/wire"
)

// PermissionError reports that the microphone exists but access to it was
// denied by the operating system.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("capture: microphone access denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// DeviceError reports a capture device that could not be opened or that
// failed mid-stream.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Source produces raw PCM frames from some audio input. Implementations
// deliver frames to the sink passed to Start until Stop is called; the
// sink is never called after Stop returns.
type Source interface {
	// Format reports the PCM layout of the frames this source produces.
	Format() audio.PCMFormat

	// Start begins capturing, delivering each frame to sink.
	Start(ctx context.Context, sink func(audio.Frame)) error

	// Stop ends the capture. Idempotent.
	Stop() error
}

// Sender transmits one outbound message. Satisfied by transport.Manager.
type Sender interface {
	Send(msg wire.Outbound)
}

// Chain drives one recording cycle at a time: source frames stream out as
// partial audio_data messages while accumulating in a pending buffer, and
// Finalize seals the buffer into exactly one final message.
type Chain struct {
	src  Source
	out  Sender
	norm audio.Normalizer

	mu        sync.Mutex
	sessionID string
	recording bool
	finalized bool
	pending   audio.PendingBuffer
}

// NewChain creates a capture chain reading from src and sending through out.
func NewChain(src Source, out Sender) *Chain {
	return &Chain{
		src:  src,
		out:  out,
		norm: audio.Normalizer{Target: audio.CaptureFormat},
	}
}

// Recording reports whether a capture cycle is in progress.
func (c *Chain) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Start begins a new recording cycle for the given session. The pending
// buffer and the finalize guard from the previous cycle are discarded. It
// is an error to start while already recording.
func (c *Chain) Start(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return &DeviceError{Op: "start", Err: fmt.Errorf("already recording")}
	}
	c.recording = true
	c.finalized = false
	c.sessionID = sessionID
	c.pending.Clear()
	c.mu.Unlock()

	if err := c.src.Start(ctx, c.onFrame); err != nil {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		return err
	}
	slog.Info("recording started", "session_id", sessionID, "format", c.src.Format())
	return nil
}

// onFrame normalizes one source frame, accumulates it, and streams it as
// a partial message. Invoked from the source's capture goroutine.
func (c *Chain) onFrame(f audio.Frame) {
	pcm := c.norm.Normalize(f.Data, c.src.Format())
	if len(pcm) == 0 {
		return
	}

	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	c.pending.Append(audio.Frame{Data: pcm, Timestamp: f.Timestamp})
	c.mu.Unlock()

	c.out.Send(wire.AudioChunk(sessionID, audio.EncodeBase64(pcm), false))
}

// Stop ends the current cycle and releases the capture device. The
// pending buffer is kept intact so the caller can inspect or seal it;
// sealing is [Chain.Finalize]'s job. No-op when not recording.
func (c *Chain) Stop() {
	c.mu.Lock()
	wasRecording := c.recording
	c.recording = false
	c.mu.Unlock()

	if !wasRecording {
		return
	}
	if err := c.src.Stop(); err != nil {
		slog.Warn("capture source stop failed", "err", err)
	}
}

// Finalize seals the utterance: the pending frames are concatenated,
// sent as one final audio_data message, and the buffer is cleared. The
// finalize guard ensures at most one final message per cycle, so calling
// Finalize twice sends nothing the second time.
func (c *Chain) Finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	sessionID := c.sessionID
	pcm := c.pending.Concat()
	frames := c.pending.Len()
	c.pending.Clear()
	c.mu.Unlock()

	if len(pcm) == 0 {
		slog.Info("recording stopped with empty buffer, skipping final message",
			"session_id", sessionID)
		return
	}

	slog.Info("sealing utterance",
		"session_id", sessionID,
		"frames", frames,
		"bytes", len(pcm),
		"duration", audio.Frame{Data: pcm}.Duration(),
	)
	c.out.Send(wire.AudioChunk(sessionID, audio.EncodeBase64(pcm), true))
}

// Abort ends the current cycle without sealing: the source stops, the
// pending buffer is discarded, and no final message is sent. Used on
// session teardown.
func (c *Chain) Abort() {
	c.mu.Lock()
	wasRecording := c.recording
	c.recording = false
	c.finalized = true
	c.pending.Clear()
	c.mu.Unlock()

	if wasRecording {
		if err := c.src.Stop(); err != nil {
			slog.Warn("capture source stop failed", "err", err)
		}
	}
}

// ClearFinalizeGuard re-arms the finalize guard without starting a new
// cycle. The session layer calls this when the server reports an error, so
// a retried Finalize can seal again.
func (c *Chain) ClearFinalizeGuard() {
	c.mu.Lock()
	c.finalized = false
	c.mu.Unlock()
}

// PendingBytes reports the size of the accumulated utterance so far.
func (c *Chain) PendingBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Bytes()
}
