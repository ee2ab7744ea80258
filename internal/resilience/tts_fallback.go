package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/parlox/pkg/provider/tts"
)

// ErrNoVoiceCatalog is returned by [TTSFallback.ListVoices] when no provider
// of the group can enumerate its voices.
var ErrNoVoiceCatalog = errors.New("resilience: no tts provider lists voices")

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// TTSFallback always implements [tts.Streamer]: backends without a streaming
// API deliver their complete audio as a single final chunk.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.Streamer    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Group returns the underlying failover group.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// Synthesize renders the text with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, req)
	})
}

// SynthesizeStream opens a stream on the first healthy provider. Only stream
// setup is covered by failover; an error chunk mid-stream is the caller's
// to handle.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, req tts.Request) (tts.Stream, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Stream, error) {
		if s, ok := p.(tts.Streamer); ok {
			return s.SynthesizeStream(ctx, req)
		}
		a, err := p.Synthesize(ctx, req)
		if err != nil {
			return tts.Stream{}, err
		}
		ch := make(chan tts.Chunk, 1)
		ch <- tts.Chunk{Index: 0, Data: a.Data, Final: true}
		close(ch)
		return tts.Stream{Format: a.Format, Chunks: ch}, nil
	})
}

// ListVoices returns the voice catalogue of the first healthy provider that
// has one. Providers without a catalogue are skipped without touching their
// breakers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	listers := &FallbackGroup[tts.VoiceLister]{cfg: f.group.cfg}
	for _, e := range f.group.entries {
		if l, ok := e.value.(tts.VoiceLister); ok {
			listers.entries = append(listers.entries, fallbackEntry[tts.VoiceLister]{name: e.name, value: l, breaker: e.breaker})
		}
	}
	if len(listers.entries) == 0 {
		return nil, ErrNoVoiceCatalog
	}
	return ExecuteWithResult(listers, func(l tts.VoiceLister) ([]tts.Voice, error) {
		return l.ListVoices(ctx)
	})
}
