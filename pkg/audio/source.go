package audio

import (
	"math"
	"sync"
	"sync/atomic"
)

// SourceBase implements the bookkeeping shared by [CaptureSource]
// implementations: the frame channel, pause gate, level meter and terminal
// error. Adapters embed it and run a producer goroutine that calls
// [SourceBase.Emit] for each captured frame and [SourceBase.Finish] when the
// device stops.
type SourceBase struct {
	info   CaptureInfo
	frames chan AudioFrame
	done   chan struct{}

	paused atomic.Bool
	level  atomic.Uint64

	mu         sync.Mutex
	err        error
	finishOnce sync.Once
	closeOnce  sync.Once
}

// NewSourceBase returns a SourceBase whose frame channel holds up to buffer
// frames.
func NewSourceBase(info CaptureInfo, buffer int) *SourceBase {
	return &SourceBase{
		info:   info,
		frames: make(chan AudioFrame, buffer),
		done:   make(chan struct{}),
	}
}

// Frames implements [CaptureSource].
func (b *SourceBase) Frames() <-chan AudioFrame { return b.frames }

// Level implements [CaptureSource].
func (b *SourceBase) Level() float64 { return math.Float64frombits(b.level.Load()) }

// Pause implements [CaptureSource].
func (b *SourceBase) Pause() { b.paused.Store(true) }

// Resume implements [CaptureSource].
func (b *SourceBase) Resume() { b.paused.Store(false) }

// Paused implements [CaptureSource].
func (b *SourceBase) Paused() bool { return b.paused.Load() }

// Info implements [CaptureSource].
func (b *SourceBase) Info() CaptureInfo { return b.info }

// Err implements [CaptureSource].
func (b *SourceBase) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Done is closed when the source is closed. Producers select on it to stop.
func (b *SourceBase) Done() <-chan struct{} { return b.done }

// Emit updates the level meter and delivers frame unless the source is
// paused. It blocks while the channel is full and returns false once the
// source has been closed.
func (b *SourceBase) Emit(frame AudioFrame) bool {
	b.level.Store(math.Float64bits(RMS(frame.Data)))
	if b.paused.Load() {
		select {
		case <-b.done:
			return false
		default:
			return true
		}
	}
	select {
	case b.frames <- frame:
		return true
	case <-b.done:
		return false
	}
}

// Finish records err as the terminal error and closes the frame channel.
// Only the producer goroutine may call it; later calls are no-ops.
func (b *SourceBase) Finish(err error) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.frames)
	})
}

// Close signals the producer to stop. It is idempotent.
func (b *SourceBase) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
