package audio

import "sync"

// PendingBuffer accumulates captured Frames between the start of a
// recording cycle and the finalize-or-clear event that seals them into one
// utterance. Safe for concurrent use: the capture goroutine appends while
// the session goroutine concatenates or clears.
type PendingBuffer struct {
	mu     sync.Mutex
	frames []Frame
	bytes  int
}

// Append adds a frame to the buffer in capture order.
func (b *PendingBuffer) Append(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	b.bytes += len(f.Data)
}

// Concat returns all buffered PCM as one contiguous sample sequence in
// capture order. The returned slice is freshly allocated; its length equals
// the sum of the per-frame byte lengths.
func (b *PendingBuffer) Concat() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.bytes)
	for _, f := range b.frames {
		out = append(out, f.Data...)
	}
	return out
}

// Clear discards all buffered frames.
func (b *PendingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.bytes = 0
}

// Len returns the number of buffered frames.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Bytes returns the total byte count across all buffered frames.
func (b *PendingBuffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}
