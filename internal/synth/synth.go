// Package synth turns playback requests into playable audio.
//
// A [Preparer] speaks a request through a [tts.Provider]. Streaming backends
// deliver indexed chunks that may arrive out of order; long texts on other
// backends are split into sentences and synthesised concurrently. Either
// way the chunks pass through a [sequence.Buffer] and are joined strictly in
// index order, converted to one output format.
package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlox/internal/playback"
	"github.com/MrWong99/parlox/internal/sequence"
	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

const (
	// DefaultChunkChars is the text length above which a non-streaming
	// request is split into sentences.
	DefaultChunkChars = 200

	// DefaultConcurrency bounds the sentences synthesised at once.
	DefaultConcurrency = 3

	// DefaultGapTimeout abandons a stream whose final chunk arrived but
	// whose gaps stay unfilled for this long.
	DefaultGapTimeout = 5 * time.Second
)

var _ playback.Preparer = (*Preparer)(nil)

// ErrIncomplete is returned when a stream ends with missing chunks.
var ErrIncomplete = errors.New("synth: stream ended with missing chunks")

// Option configures a [Preparer].
type Option func(*Preparer)

// WithFormat converts all audio to f. The zero value keeps the format of
// the first chunk.
func WithFormat(f audio.Format) Option {
	return func(p *Preparer) { p.format = f }
}

// WithChunkChars sets the split threshold for non-streaming backends. Zero
// or negative disables splitting.
func WithChunkChars(n int) Option {
	return func(p *Preparer) { p.chunkChars = n }
}

// WithConcurrency bounds the number of concurrent sentence requests.
func WithConcurrency(n int) Option {
	return func(p *Preparer) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithGapTimeout overrides [DefaultGapTimeout].
func WithGapTimeout(d time.Duration) Option {
	return func(p *Preparer) { p.gapTimeout = d }
}

// WithStreaming enables or disables the streaming path for providers that
// implement [tts.Streamer]. It is enabled by default.
func WithStreaming(on bool) Option {
	return func(p *Preparer) { p.streaming = on }
}

// WithLatencyHook registers fn to be called with the time each successful
// Prepare took.
func WithLatencyHook(fn func(time.Duration)) Option {
	return func(p *Preparer) { p.onLatency = fn }
}

// WithReorderHook registers fn to be called with the number of chunks that
// arrived ahead of their turn, once per prepared item.
func WithReorderHook(fn func(n int)) Option {
	return func(p *Preparer) { p.onReorder = fn }
}

// WithAbandonHook registers fn to be called when a stream is given up with
// missing chunks.
func WithAbandonHook(fn func(missing []int)) Option {
	return func(p *Preparer) { p.onAbandon = fn }
}

// Preparer implements [playback.Preparer] on top of a TTS provider. It is
// safe for concurrent use.
type Preparer struct {
	provider    tts.Provider
	format      audio.Format
	chunkChars  int
	concurrency int
	gapTimeout  time.Duration
	streaming   bool

	onLatency func(time.Duration)
	onReorder func(int)
	onAbandon func([]int)
}

// New returns a Preparer speaking through provider.
func New(provider tts.Provider, opts ...Option) (*Preparer, error) {
	if provider == nil {
		return nil, errors.New("synth: provider must not be nil")
	}
	p := &Preparer{
		provider:    provider,
		chunkChars:  DefaultChunkChars,
		concurrency: DefaultConcurrency,
		gapTimeout:  DefaultGapTimeout,
		streaming:   true,
	}
	for _, o := range opts {
		o(p)
	}
	if p.format != (audio.Format{}) && !p.format.Valid() {
		return nil, fmt.Errorf("synth: invalid output format %s", p.format)
	}
	return p, nil
}

// Prepare synthesises req.Text and returns the complete audio.
func (p *Preparer) Prepare(ctx context.Context, req playback.Request) (playback.Prepared, error) {
	start := time.Now()
	treq := tts.Request{Text: req.Text, VoiceID: req.VoiceID, Language: req.Language}

	var (
		pcm    []byte
		format audio.Format
		err    error
	)
	if s, ok := p.provider.(tts.Streamer); ok && p.streaming {
		pcm, format, err = p.stream(ctx, s, treq)
	} else {
		pcm, format, err = p.sentences(ctx, treq)
	}
	if err != nil {
		return playback.Prepared{}, fmt.Errorf("synth: prepare %s: %w", req.ID, err)
	}
	if p.onLatency != nil {
		p.onLatency(time.Since(start))
	}
	return playback.Prepared{Request: req, Audio: pcm, Format: format}, nil
}

// assembly collects in-order chunks from a sequence.Buffer.
type assembly struct {
	target audio.Format

	mu      sync.Mutex
	out     bytes.Buffer
	format  audio.Format
	missing []int
	done    chan struct{}
	once    sync.Once
}

func newAssembly(target audio.Format) *assembly {
	return &assembly{target: target, done: make(chan struct{})}
}

// add appends pcm in format f, converting it to the assembly format. The
// first chunk fixes the format when no target is set.
func (a *assembly) add(pcm []byte, f audio.Format) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.format.Valid() {
		a.format = a.target
		if !a.format.Valid() {
			a.format = f
		}
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	a.out.Write(audio.ConvertPCM(pcm, f, a.format))
}

func (a *assembly) complete() { a.once.Do(func() { close(a.done) }) }

func (a *assembly) abandon(missing []int) {
	a.mu.Lock()
	a.missing = missing
	a.mu.Unlock()
	a.complete()
}

func (a *assembly) result() ([]byte, audio.Format, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.missing != nil {
		return nil, audio.Format{}, fmt.Errorf("%w: %v", ErrIncomplete, a.missing)
	}
	return a.out.Bytes(), a.format, nil
}

func (p *Preparer) buffer(a *assembly, formats func(int) audio.Format) *sequence.Buffer {
	return sequence.New(
		func(c sequence.Chunk) { a.add(c.Payload, formats(c.Index)) },
		sequence.WithOnComplete(func(uint64) { a.complete() }),
		sequence.WithOnAbandon(func(_ uint64, missing []int) {
			if p.onAbandon != nil {
				p.onAbandon(missing)
			}
			a.abandon(missing)
		}),
		sequence.WithGapTimeout(p.gapTimeout),
	)
}

// ---- streaming path ----

func (p *Preparer) stream(ctx context.Context, s tts.Streamer, req tts.Request) ([]byte, audio.Format, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := s.SynthesizeStream(ctx, req)
	if err != nil {
		return nil, audio.Format{}, err
	}
	a := newAssembly(p.format)
	buf := p.buffer(a, func(int) audio.Format { return st.Format })
	id := buf.Restart()
	// Chunks still in flight after an early return belong to a dead stream.
	defer buf.Restart()

	for {
		select {
		case <-ctx.Done():
			return nil, audio.Format{}, ctx.Err()
		case <-a.done:
			return p.finish(a, buf)
		case c, ok := <-st.Chunks:
			if !ok {
				if ctx.Err() != nil {
					return nil, audio.Format{}, ctx.Err()
				}
				buf.Finish(id)
				select {
				case <-a.done:
					return p.finish(a, buf)
				default:
					return nil, audio.Format{}, errors.New("synth: stream closed before the final chunk")
				}
			}
			if c.Err != nil {
				return nil, audio.Format{}, c.Err
			}
			buf.Push(sequence.Chunk{Stream: id, Index: c.Index, Payload: c.Data, Final: c.Final})
		}
	}
}

func (p *Preparer) finish(a *assembly, buf *sequence.Buffer) ([]byte, audio.Format, error) {
	if p.onReorder != nil {
		if n := buf.Reordered(); n > 0 {
			p.onReorder(n)
		}
	}
	return a.result()
}

// ---- sentence path ----

func (p *Preparer) sentences(ctx context.Context, req tts.Request) ([]byte, audio.Format, error) {
	parts := pieces(req.Text, p.chunkChars)
	if len(parts) == 0 {
		return nil, audio.Format{}, errors.New("synth: empty text")
	}
	if len(parts) == 1 {
		out, err := p.provider.Synthesize(ctx, req)
		if err != nil {
			return nil, audio.Format{}, err
		}
		a := newAssembly(p.format)
		a.add(out.Data, out.Format)
		return a.result()
	}

	formats := make([]audio.Format, len(parts))
	a := newAssembly(p.format)
	buf := p.buffer(a, func(i int) audio.Format { return formats[i] })
	id := buf.Restart()
	defer buf.Restart()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, text := range parts {
		g.Go(func() error {
			sub := req
			sub.Text = text
			out, err := p.provider.Synthesize(gctx, sub)
			if err != nil {
				return fmt.Errorf("sentence %d: %w", i, err)
			}
			formats[i] = out.Format
			buf.Push(sequence.Chunk{Stream: id, Index: i, Payload: out.Data, Final: i == len(parts)-1})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, audio.Format{}, err
	}
	buf.Finish(id)
	select {
	case <-a.done:
	default:
		slog.Warn("synth: sentence stream incomplete", "pieces", len(parts))
		return nil, audio.Format{}, ErrIncomplete
	}
	return p.finish(a, buf)
}
