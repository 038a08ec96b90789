package audio

import (
	"encoding/binary"
	"testing"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samples16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestStereoToMonoAverages(t *testing.T) {
	t.Parallel()

	// Interleaved L,R pairs.
	in := pcm16(100, 200, -100, 100, 32767, 32767)
	got := samples16(StereoToMono(in))

	want := []int16{150, 0, 32767}
	if len(got) != len(want) {
		t.Fatalf("samples = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16Lengths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		srcRate, dstRate, srcSamples, wantSamples int
	}{
		{16000, 24000, 16000, 24000},
		{48000, 16000, 48000, 16000},
		{44100, 16000, 44100, 16000},
		{16000, 16000, 100, 100},
	}
	for _, tc := range cases {
		in := make([]byte, tc.srcSamples*2)
		out := ResampleMono16(in, tc.srcRate, tc.dstRate)
		if got := len(out) / 2; got != tc.wantSamples {
			t.Errorf("%d->%d: samples = %d, want %d", tc.srcRate, tc.dstRate, got, tc.wantSamples)
		}
	}
}

func TestResampleMono16Interpolates(t *testing.T) {
	t.Parallel()

	// Doubling the rate of a two-sample ramp must pass through the
	// midpoint.
	in := pcm16(0, 100)
	got := samples16(ResampleMono16(in, 8000, 16000))
	if len(got) != 4 {
		t.Fatalf("samples = %d, want 4", len(got))
	}
	if got[0] != 0 {
		t.Errorf("sample 0 = %d, want 0", got[0])
	}
	if got[1] != 50 {
		t.Errorf("sample 1 = %d, want interpolated 50", got[1])
	}
}

func TestNormalizerFastPath(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Target: CaptureFormat}
	in := pcm16(1, 2, 3)
	out := n.Normalize(in, CaptureFormat)
	if &out[0] != &in[0] {
		t.Error("matching format must return the input unchanged")
	}
}

func TestNormalizerDropsOddBytes(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Target: CaptureFormat}
	if out := n.Normalize([]byte{1, 2, 3}, CaptureFormat); out != nil {
		t.Errorf("odd-length PCM = %v, want dropped", out)
	}
}

func TestNormalizerDownmixThenResample(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Target: CaptureFormat}
	src := PCMFormat{SampleRate: 48000, Channels: 2}

	// One second of stereo 48 kHz silence: 48000 frames * 4 bytes.
	in := make([]byte, 48000*4)
	out := n.Normalize(in, src)

	// Mono 16 kHz out: 16000 samples * 2 bytes.
	if got := len(out); got != CaptureSampleRate*2 {
		t.Fatalf("normalized length = %d, want %d", got, CaptureSampleRate*2)
	}
}

func TestPCMFormatString(t *testing.T) {
	t.Parallel()

	if got := CaptureFormat.String(); got != "16000Hz mono" {
		t.Errorf("String = %q", got)
	}
	if got := (PCMFormat{SampleRate: 44100, Channels: 2}).String(); got != "44100Hz stereo" {
		t.Errorf("String = %q", got)
	}
}
