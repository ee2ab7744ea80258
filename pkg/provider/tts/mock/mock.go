// Package mock provides test doubles for the tts interfaces.
//
// Provider returns silence (or canned Data) for every request and records
// the calls. StreamProvider additionally implements tts.Streamer and can
// deliver its chunks out of order.
//
//	p := &mock.Provider{Duration: 200 * time.Millisecond}
//	out, _ := p.Synthesize(ctx, tts.Request{Text: "hello"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
	_ tts.Streamer    = (*StreamProvider)(nil)
)

// DefaultFormat is used when Provider.Format is zero.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Format of the returned audio. Zero means DefaultFormat.
	Format audio.Format

	// Data, if non-nil, is returned for every request.
	Data []byte

	// Duration of silence returned when Data is nil. Zero means 100 ms.
	Duration time.Duration

	// Err, if non-nil, is returned from every call.
	Err error

	// Delay is slept (honouring ctx) before returning.
	Delay time.Duration

	// SynthesizeFunc, if set, replaces the canned behaviour entirely.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (tts.Audio, error)

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr is returned by ListVoices.
	ListVoicesErr error

	// Calls records every Synthesize request.
	Calls []tts.Request
}

func (p *Provider) format() audio.Format {
	if p.Format.Valid() {
		return p.Format
	}
	return DefaultFormat
}

func (p *Provider) canned() []byte {
	if p.Data != nil {
		return append([]byte(nil), p.Data...)
	}
	d := p.Duration
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return make([]byte, p.format().Bytes(d))
}

// Synthesize records the call and returns the canned audio.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, delay, err := p.SynthesizeFunc, p.Delay, p.Err
	out := tts.Audio{Data: p.canned(), Format: p.format()}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	return out, nil
}

// ListVoices returns Voices or ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return append([]tts.Voice(nil), p.Voices...), nil
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Requests returns a copy of the recorded Synthesize requests.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.Calls...)
}

// StreamProvider is a Provider that also streams. Each streamed request
// yields Chunks, delivered in Order when set (a permutation of chunk
// indexes). The last index is marked Final.
type StreamProvider struct {
	Provider

	// Chunks are the payloads of one stream, by index.
	Chunks [][]byte

	// Order is the delivery order. Nil delivers in index order.
	Order []int

	// FailAt, if >= 0 together with StreamErr, replaces the chunk at that
	// delivery position with an error chunk.
	FailAt    int
	StreamErr error

	streamCalls []tts.Request
}

// SynthesizeStream records the call and delivers the canned chunks.
func (p *StreamProvider) SynthesizeStream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	p.mu.Lock()
	p.streamCalls = append(p.streamCalls, req)
	err := p.Err
	chunks := make([][]byte, len(p.Chunks))
	for i, c := range p.Chunks {
		chunks[i] = append([]byte(nil), c...)
	}
	order := append([]int(nil), p.Order...)
	failAt, streamErr := p.FailAt, p.StreamErr
	format := p.format()
	p.mu.Unlock()

	if err != nil {
		return tts.Stream{}, err
	}
	if order == nil {
		for i := range chunks {
			order = append(order, i)
		}
	}

	out := make(chan tts.Chunk, len(order))
	go func() {
		defer close(out)
		for pos, idx := range order {
			c := tts.Chunk{Index: idx, Data: chunks[idx], Final: idx == len(chunks)-1}
			if streamErr != nil && pos == failAt {
				c = tts.Chunk{Index: idx, Err: streamErr}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if c.Err != nil {
				return
			}
		}
	}()
	return tts.Stream{Format: format, Chunks: out}, nil
}

// StreamCalls returns a copy of the recorded SynthesizeStream requests.
func (p *StreamProvider) StreamCalls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.streamCalls...)
}
