package audio

import "time"

// RollingBuffer keeps the most recent frames within a bounded time window.
// It is used as pre-roll so audio just before a detected speech onset is not
// clipped. The total duration of buffered frames never exceeds Window; the
// oldest frames are evicted first.
//
// RollingBuffer is not safe for concurrent use.
type RollingBuffer struct {
	window time.Duration
	frames []AudioFrame
	total  time.Duration
}

// NewRollingBuffer returns an empty buffer spanning window.
func NewRollingBuffer(window time.Duration) *RollingBuffer {
	return &RollingBuffer{window: window}
}

// Window returns the configured window length.
func (b *RollingBuffer) Window() time.Duration { return b.window }

// SetWindow changes the window and evicts frames that no longer fit.
func (b *RollingBuffer) SetWindow(window time.Duration) {
	b.window = window
	b.evict()
}

// Push appends frame and evicts the oldest frames until the buffer fits its
// window. A frame longer than the whole window is not retained.
func (b *RollingBuffer) Push(frame AudioFrame) {
	b.frames = append(b.frames, frame)
	b.total += frame.Duration()
	b.evict()
}

func (b *RollingBuffer) evict() {
	drop := 0
	for drop < len(b.frames) && b.total > b.window {
		b.total -= b.frames[drop].Duration()
		drop++
	}
	if drop == 0 {
		return
	}
	clear(b.frames[:drop])
	b.frames = b.frames[drop:]
}

// Frames returns a copy of the buffered frames, oldest first.
func (b *RollingBuffer) Frames() []AudioFrame {
	out := make([]AudioFrame, len(b.frames))
	copy(out, b.frames)
	return out
}

// Duration returns the total duration of buffered frames.
func (b *RollingBuffer) Duration() time.Duration { return b.total }

// Len returns the number of buffered frames.
func (b *RollingBuffer) Len() int { return len(b.frames) }

// Reset discards all buffered frames.
func (b *RollingBuffer) Reset() {
	clear(b.frames)
	b.frames = b.frames[:0]
	b.total = 0
}
