package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format identifies a playback payload encoding.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"

	// FormatAuto requests header-byte detection.
	FormatAuto Format = "auto"
)

// DetectFormat inspects the leading bytes of a payload. A RIFF header
// selects WAV, an ID3 tag or MPEG sync word selects MP3, and anything else
// falls back to WAV: raw PCM payloads are handled by the WAV fallback
// path, which treats headerless data as capture-format samples.
func DetectFormat(data []byte) Format {
	if len(data) >= 4 {
		if data[0] == 'R' && data[1] == 'I' && data[2] == 'F' && data[3] == 'F' {
			return FormatWAV
		}
		if (data[0] == 'I' && data[1] == 'D' && data[2] == '3') ||
			(data[0] == 0xFF && data[1]&0xE0 == 0xE0) {
			return FormatMP3
		}
	}
	return FormatWAV
}

// WAVSpec describes the sample layout of a WAV payload.
type WAVSpec struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// wavHeaderLen is the size of the canonical 44-byte PCM WAV header.
const wavHeaderLen = 44

// BuildWAV prepends a canonical RIFF/WAVE header to raw int16 PCM so that
// headerless server payloads can be handed to a WAV decoder.
func BuildWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * BytesPerSample
	out := make([]byte, wavHeaderLen+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*BytesPerSample))
	binary.LittleEndian.PutUint16(out[34:36], 16)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderLen:], pcm)
	return out
}

// ParseWAV extracts the PCM data and sample spec from a RIFF/WAVE payload.
// Only uncompressed PCM is supported; chunks other than "fmt " and "data"
// are skipped.
func ParseWAV(data []byte) ([]byte, WAVSpec, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, WAVSpec{}, fmt.Errorf("audio: not a RIFF/WAVE payload")
	}

	var spec WAVSpec
	var pcm []byte
	sawFmt := false

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Truncated chunk; take what is there for "data", reject otherwise.
			if id == "data" && body < len(data) {
				size = len(data) - body
			} else {
				return nil, WAVSpec{}, fmt.Errorf("audio: truncated %q chunk", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, WAVSpec{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, WAVSpec{}, fmt.Errorf("audio: unsupported WAV format code %d (want PCM)", format)
			}
			spec.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			spec.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			spec.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			sawFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !sawFmt {
		return nil, WAVSpec{}, fmt.Errorf("audio: missing fmt chunk")
	}
	if pcm == nil {
		return nil, WAVSpec{}, fmt.Errorf("audio: missing data chunk")
	}
	if spec.BitsPerSample != 16 {
		return nil, WAVSpec{}, fmt.Errorf("audio: unsupported bit depth %d (want 16)", spec.BitsPerSample)
	}
	return pcm, spec, nil
}
