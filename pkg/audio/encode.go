package audio

import (
	"encoding/base64"
	"strings"
)

// defaultEncodeChunk is the write granularity for EncodeBase64. A multiple
// of 3 so no chunk boundary ever forces intermediate padding.
const defaultEncodeChunk = 48 * 1024

// EncodeBase64 encodes pcm to standard base64, streaming through the
// encoder in fixed-size chunks so that a multi-megabyte utterance never
// requires one giant intermediate buffer. The output is byte-identical to
// a single-shot encode.
func EncodeBase64(pcm []byte) string {
	return encodeBase64Chunked(pcm, defaultEncodeChunk)
}

func encodeBase64Chunked(pcm []byte, chunkSize int) string {
	if chunkSize <= 0 {
		chunkSize = defaultEncodeChunk
	}
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(pcm)))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	for off := 0; off < len(pcm); off += chunkSize {
		end := off + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		// strings.Builder writes never fail.
		enc.Write(pcm[off:end])
	}
	enc.Close()
	return sb.String()
}

// DecodeBase64 decodes a transport-encoded audio payload.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
