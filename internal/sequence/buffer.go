// Package sequence reassembles asynchronously-arriving, indexed chunks of a
// streamed response and releases them to a consumer strictly in index order.
//
// A [Buffer] serves one stream at a time. Chunks carry the id of the stream
// they belong to; [Buffer.Restart] begins a new stream and silently drops
// any chunk of an older one that is still in flight.
package sequence

import (
	"log/slog"
	"sync"
	"time"
)

// Chunk is one piece of a streamed response.
type Chunk struct {
	// Stream identifies the stream the chunk belongs to (see [Buffer.Restart]).
	Stream uint64

	// Index is the zero-based position of the chunk in its stream.
	Index int

	// Payload is the chunk data.
	Payload []byte

	// Final marks the last chunk of the stream.
	Final bool
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithOnComplete registers fn to be called after the final chunk of a stream
// has been delivered.
func WithOnComplete(fn func(stream uint64)) Option {
	return func(b *Buffer) { b.onComplete = fn }
}

// WithOnAbandon registers fn to be called when a stream is given up with
// gaps remaining. missing lists the indices that never arrived.
func WithOnAbandon(fn func(stream uint64, missing []int)) Option {
	return func(b *Buffer) { b.onAbandon = fn }
}

// WithGapTimeout abandons a stream when its final chunk has arrived but gaps
// are still unfilled after d. Zero disables the timeout.
func WithGapTimeout(d time.Duration) Option {
	return func(b *Buffer) { b.gapTimeout = d }
}

// item is an inbox entry: a chunk or an end-of-input marker.
type item struct {
	chunk  Chunk
	finish bool
}

// Buffer is a reorder buffer. It is safe for concurrent use.
//
// Only one drain runs at a time. A chunk pushed while a drain is running,
// whether from another goroutine or from inside the consumer callback, is
// queued and handled by the running drain once the current delivery returns.
// The consumer is never called with the lock held.
type Buffer struct {
	deliver    func(Chunk)
	onComplete func(stream uint64)
	onAbandon  func(stream uint64, missing []int)
	gapTimeout time.Duration

	mu        sync.Mutex
	stream    uint64
	next      int
	final     int
	done      bool
	pending   map[int]Chunk
	inbox     []item
	draining  bool
	gapTimer  *time.Timer
	reordered int
}

// New returns a Buffer that hands chunks to deliver in index order. The
// initial stream id is 0.
func New(deliver func(Chunk), opts ...Option) *Buffer {
	b := &Buffer{
		deliver: deliver,
		final:   -1,
		pending: make(map[int]Chunk),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push adds a chunk and delivers every chunk that has become consecutive.
func (b *Buffer) Push(c Chunk) {
	b.enqueue(item{chunk: c})
}

// Finish marks the end of input for stream. Chunks already queued are
// processed first; if gaps remain afterwards the stream is abandoned.
func (b *Buffer) Finish(stream uint64) {
	b.enqueue(item{chunk: Chunk{Stream: stream}, finish: true})
}

// Restart clears the buffer, resets the expected index to 0 and returns the
// id of the new stream. Chunks of earlier streams are discarded.
func (b *Buffer) Restart() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream++
	b.next = 0
	b.final = -1
	b.done = false
	clear(b.pending)
	b.inbox = nil
	b.stopTimerLocked()
	return b.stream
}

// Stream returns the id of the current stream.
func (b *Buffer) Stream() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// Next returns the index the buffer is waiting for.
func (b *Buffer) Next() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Pending returns the number of buffered out-of-order chunks.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Done reports whether the current stream completed or was abandoned.
func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Reordered returns how many chunks arrived ahead of their turn since the
// buffer was created.
func (b *Buffer) Reordered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reordered
}

func (b *Buffer) enqueue(it item) {
	b.mu.Lock()
	b.inbox = append(b.inbox, it)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	defer func() {
		// Callbacks run unlocked; a panicking one must not leave the
		// buffer stuck in draining mode.
		if r := recover(); r != nil {
			b.mu.Lock()
			b.draining = false
			b.mu.Unlock()
			panic(r)
		}
	}()
	b.drainLocked()
	b.draining = false
	b.mu.Unlock()
}

// drainLocked runs with b.mu held and releases it around callbacks.
func (b *Buffer) drainLocked() {
	for {
		if c, ok := b.pending[b.next]; ok {
			delete(b.pending, b.next)
			b.next++
			complete := b.final >= 0 && c.Index == b.final
			if complete {
				b.done = true
				b.stopTimerLocked()
			}
			stream := b.stream

			b.mu.Unlock()
			b.deliver(c)
			if complete && b.onComplete != nil {
				b.onComplete(stream)
			}
			b.mu.Lock()
			continue
		}

		if len(b.inbox) == 0 {
			return
		}
		it := b.inbox[0]
		b.inbox = b.inbox[1:]

		if it.finish {
			if missing, stream, ok := b.finishLocked(it.chunk.Stream); ok && b.onAbandon != nil {
				b.mu.Unlock()
				b.onAbandon(stream, missing)
				b.mu.Lock()
			}
			continue
		}
		b.insertLocked(it.chunk)
	}
}

func (b *Buffer) insertLocked(c Chunk) {
	switch {
	case c.Stream != b.stream, b.done:
		return
	case c.Index < b.next || c.Index < 0:
		slog.Debug("sequence: dropping late or duplicate chunk", "stream", c.Stream, "index", c.Index, "next", b.next)
		return
	case b.final >= 0 && c.Index > b.final:
		slog.Debug("sequence: dropping chunk past final index", "stream", c.Stream, "index", c.Index, "final", b.final)
		return
	}
	if _, dup := b.pending[c.Index]; dup {
		return
	}
	if c.Index != b.next {
		b.reordered++
	}
	b.pending[c.Index] = c
	if c.Final {
		b.final = c.Index
		for idx := range b.pending {
			if idx > c.Index {
				delete(b.pending, idx)
			}
		}
	}
	if b.final >= 0 && b.gapTimeout > 0 && b.gapTimer == nil && b.next != c.Index {
		stream := b.stream
		b.gapTimer = time.AfterFunc(b.gapTimeout, func() { b.Finish(stream) })
	}
}

// finishLocked ends stream. It reports the missing indices when the stream
// is abandoned with gaps.
func (b *Buffer) finishLocked(stream uint64) ([]int, uint64, bool) {
	if stream != b.stream || b.done {
		return nil, 0, false
	}
	b.done = true
	b.stopTimerLocked()
	if len(b.pending) == 0 && b.final < 0 {
		return nil, 0, false
	}

	last := b.final
	for idx := range b.pending {
		last = max(last, idx)
	}
	var missing []int
	for idx := b.next; idx <= last; idx++ {
		if _, ok := b.pending[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	clear(b.pending)
	slog.Warn("sequence: abandoning stream with gaps", "stream", stream, "missing", missing)
	return missing, stream, true
}

func (b *Buffer) stopTimerLocked() {
	if b.gapTimer != nil {
		b.gapTimer.Stop()
		b.gapTimer = nil
	}
}
