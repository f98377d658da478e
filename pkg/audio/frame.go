// Package audio handles admission of raw PCM frames into the pipeline:
// fixed-size validation and a bounded, oldest-drop buffer that protects the
// ASR session from unbounded memory growth when the recognizer falls behind.
package audio

import "fmt"

// FrameBytes is the size of one admissible audio frame: 20ms at 16kHz,
// 16-bit mono PCM (16000 * 0.02 * 2 bytes).
const FrameBytes = 640

// HighWaterMark is the maximum number of unsent bytes Buffer will retain
// before dropping the oldest bytes (spec.md §5).
const HighWaterMark = 2 * 1024 * 1024

// ValidateFrame returns an error if chunk is not exactly FrameBytes long.
func ValidateFrame(chunk []byte) error {
	if len(chunk) != FrameBytes {
		return fmt.Errorf("audio: invalid frame size %d, want %d", len(chunk), FrameBytes)
	}
	return nil
}

// Buffer is a byte-oriented FIFO with a high-water mark. Writes past the
// mark drop the oldest bytes first and report how many were dropped so the
// caller can surface AUDIO_BACKPRESSURE_DROP.
type Buffer struct {
	data []byte
	max  int
}

// NewBuffer creates a Buffer bounded at max bytes. A max <= 0 uses
// HighWaterMark.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = HighWaterMark
	}
	return &Buffer{max: max}
}

// Write appends chunk, dropping the oldest bytes if the result would exceed
// the high-water mark. It returns the number of bytes dropped (0 if none).
func (b *Buffer) Write(chunk []byte) (dropped int) {
	b.data = append(b.data, chunk...)
	if len(b.data) > b.max {
		dropped = len(b.data) - b.max
		b.data = b.data[dropped:]
	}
	return dropped
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the buffered bytes without copying. Callers must treat the
// result as read-only; it is invalidated by the next Write or Reset.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Take returns a copy of the buffered bytes and clears the buffer.
func (b *Buffer) Take() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	return out
}

// TakeFrame removes and returns the first n bytes of the buffer, or nil if
// fewer than n bytes are currently buffered. Used to carve fixed-size frames
// out of an accumulator fed by arbitrarily-sized capture callbacks.
func (b *Buffer) TakeFrame(n int) []byte {
	if len(b.data) < n {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	return out
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
