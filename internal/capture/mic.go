package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/dharsan99/voicelink/pkg/audio"
)

var errAlreadyStarted = errors.New("already started")

// micPeriodMs is the malgo period size; at 16 kHz mono it yields
// 640-byte frames, small enough to stream as they arrive.
const micPeriodMs = 20

// MicSource captures from the default system microphone via miniaudio.
// Frames are delivered in the requested format directly; miniaudio
// performs the device-side conversion.
type MicSource struct {
	format audio.PCMFormat

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started time.Time
}

var _ Source = (*MicSource)(nil)

// NewMicSource creates a microphone source producing frames in the given
// PCM format. Pass [audio.CaptureFormat] for the wire capture format.
func NewMicSource(format audio.PCMFormat) *MicSource {
	return &MicSource{format: format}
}

func (s *MicSource) Format() audio.PCMFormat { return s.format }

// Start opens the default capture device and begins delivering frames to
// sink from the audio thread.
func (s *MicSource) Start(_ context.Context, sink func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return &DeviceError{Op: "start", Err: errAlreadyStarted}
	}

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return classifyDeviceErr("init audio context", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(s.format.Channels)
	devCfg.SampleRate = uint32(s.format.SampleRate)
	devCfg.PeriodSizeInMilliseconds = micPeriodMs

	s.started = time.Now()
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			frame := audio.Frame{
				Data:      append([]byte(nil), in...),
				Timestamp: time.Since(s.started),
			}
			sink(frame)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		mctx.Uninit()
		return classifyDeviceErr("open capture device", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return classifyDeviceErr("start capture device", err)
	}

	s.ctx = mctx
	s.device = device
	return nil
}

// Stop halts capture and releases the device. Idempotent.
func (s *MicSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	err := s.device.Stop()
	s.device.Uninit()
	s.ctx.Uninit()
	s.device = nil
	s.ctx = nil
	if err != nil {
		return &DeviceError{Op: "stop capture device", Err: err}
	}
	return nil
}

// classifyDeviceErr distinguishes OS-level access denial from other
// device failures. miniaudio surfaces denial as a generic error, so the
// check is by message.
func classifyDeviceErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return &PermissionError{Err: err}
	}
	return &DeviceError{Op: op, Err: err}
}
