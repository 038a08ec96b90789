package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/dharsan99/voicelink/pkg/audio"
)

// OutputFormat is the fixed speaker format; every payload is converted to
// it before rendering. 24 kHz mono covers speech without wasting the
// device on ultrasonics.
var OutputFormat = audio.PCMFormat{SampleRate: 24000, Channels: 1}

// PlaybackError reports a payload that could not be decoded or rendered.
// Playback failures never tear down the session; callers log and move on.
type PlaybackError struct {
	Stage string
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Stage, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// engine renders normalized PCM. Split out so tests can observe playback
// without opening a real audio device.
type engine interface {
	play(pcm []byte) error
}

// Player decodes WAV and MP3 payloads, converts them to [OutputFormat],
// and renders them through the speaker once the gate is open. Payloads
// arriving while the gate is still locked are queued and rendered in
// arrival order as soon as it unlocks.
type Player struct {
	gate *Gate
	out  engine
	norm audio.Normalizer

	mu        sync.Mutex
	queue     []queuedPayload
	flushOnce sync.Once

	// renderMu serializes rendering so queued payloads cannot interleave
	// with payloads played directly after unlock.
	renderMu sync.Mutex
}

type queuedPayload struct {
	data   []byte
	format audio.Format
}

// Option configures a Player.
type Option func(*Player)

// withEngine substitutes the render backend. Used by tests.
func withEngine(e engine) Option {
	return func(p *Player) { p.out = e }
}

// NewPlayer creates a player gated by gate. The speaker device is opened
// lazily on first render.
func NewPlayer(gate *Gate, opts ...Option) *Player {
	p := &Player{
		gate: gate,
		norm: audio.Normalizer{Target: OutputFormat},
	}
	for _, o := range opts {
		o(p)
	}
	if p.out == nil {
		p.out = &otoEngine{}
	}
	return p
}

// Play decodes data according to format (audio.FormatAuto sniffs the
// container) and renders it. While the gate is locked the payload is
// queued, not rendered; the queue drains in order once the gate unlocks,
// so a locked gate never returns an error. Queued payloads report decode
// and render failures through the log only.
func (p *Player) Play(data []byte, format audio.Format) error {
	if len(data) == 0 {
		return nil
	}
	if !p.gate.Ready() {
		p.mu.Lock()
		p.queue = append(p.queue, queuedPayload{data: data, format: format})
		queued := len(p.queue)
		p.mu.Unlock()
		slog.Info("playback gate locked, deferring audio", "bytes", len(data), "queued", queued)

		p.flushOnce.Do(func() { go p.flush() })
		// The gate may have opened between the Ready check and the append,
		// after the flusher already drained; catch that payload here.
		if p.gate.Ready() {
			p.renderMu.Lock()
			p.drainLocked()
			p.renderMu.Unlock()
		}
		return nil
	}

	p.renderMu.Lock()
	defer p.renderMu.Unlock()

	// Anything still queued from before the unlock plays first.
	p.drainLocked()
	return p.renderLocked(data, format)
}

// flush waits for the gate to open, then drains the deferred queue. One
// flusher per player; the gate never re-locks, so it runs at most once.
func (p *Player) flush() {
	if err := p.gate.WaitForUnlock(context.Background()); err != nil {
		return
	}
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	p.drainLocked()
}

// drainLocked renders every queued payload in arrival order. Caller holds
// renderMu.
func (p *Player) drainLocked() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		q := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := p.renderLocked(q.data, q.format); err != nil {
			slog.Warn("deferred playback failed", "err", err)
		}
	}
}

// renderLocked decodes, normalizes, and plays one payload. Caller holds
// renderMu.
func (p *Player) renderLocked(data []byte, format audio.Format) error {
	pcm, src, err := decode(data, format)
	if err != nil {
		return err
	}
	pcm = p.norm.Normalize(pcm, src)
	if len(pcm) == 0 {
		return nil
	}
	if err := p.out.play(pcm); err != nil {
		return &PlaybackError{Stage: "render", Err: err}
	}
	return nil
}

// decode turns a container payload into PCM plus its source format.
func decode(data []byte, format audio.Format) ([]byte, audio.PCMFormat, error) {
	if format == audio.FormatAuto || format == "" {
		format = audio.DetectFormat(data)
	}
	switch format {
	case audio.FormatWAV:
		if len(data) < 4 || string(data[:4]) != "RIFF" {
			// Headerless payload: raw capture-format PCM.
			return data, audio.CaptureFormat, nil
		}
		pcm, spec, err := audio.ParseWAV(data)
		if err != nil {
			return nil, audio.PCMFormat{}, &PlaybackError{Stage: "parse wav", Err: err}
		}
		return pcm, audio.PCMFormat{SampleRate: spec.SampleRate, Channels: spec.Channels}, nil
	case audio.FormatMP3:
		return decodeMP3(data)
	default:
		return nil, audio.PCMFormat{}, &PlaybackError{
			Stage: "decode",
			Err:   fmt.Errorf("unsupported format %q", format),
		}
	}
}

// decodeMP3 decompresses an MP3 payload. go-mp3 always emits 16-bit
// stereo at the stream's sample rate.
func decodeMP3(data []byte) ([]byte, audio.PCMFormat, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, audio.PCMFormat{}, &PlaybackError{Stage: "parse mp3", Err: err}
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, audio.PCMFormat{}, &PlaybackError{Stage: "decode mp3", Err: err}
	}
	return pcm, audio.PCMFormat{SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// otoEngine renders PCM through the default output device, blocking until
// the clip finishes.
type otoEngine struct {
	ctx *oto.Context
}

var _ engine = (*otoEngine)(nil)

func (e *otoEngine) play(pcm []byte) error {
	if e.ctx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   OutputFormat.SampleRate,
			ChannelCount: OutputFormat.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			return fmt.Errorf("open output device: %w", err)
		}
		<-ready
		e.ctx = ctx
	}

	player := e.ctx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()
	for player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
