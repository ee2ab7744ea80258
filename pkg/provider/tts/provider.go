// Package tts defines the Provider interface for Text-to-Speech backends.
//
// Every backend returns raw signed 16-bit little-endian PCM together with its
// format; WAV and other containers are unwrapped inside the backend. Backends
// that can deliver audio while synthesis is still running also implement
// [Streamer].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parlox/pkg/audio"
)

// Request is a single text to speak.
type Request struct {
	// Text is the text to synthesise.
	Text string

	// VoiceID is the backend-specific voice identifier. Empty selects the
	// backend default.
	VoiceID string

	// Language is an optional ISO 639-1 hint for multilingual voices.
	Language string
}

// Audio is a synthesised utterance.
type Audio struct {
	// Data is raw signed 16-bit little-endian PCM.
	Data []byte

	// Format describes Data.
	Format audio.Format
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req.Text and returns the complete audio.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Chunk is one piece of a streamed synthesis. Indexes start at 0 and are
// contiguous within one stream; they may arrive out of order.
type Chunk struct {
	Index int
	Data  []byte

	// Final marks the last chunk of the stream.
	Final bool

	// Err terminates the stream with a failure. A chunk carrying Err has no
	// Data.
	Err error
}

// Stream is an in-progress streamed synthesis.
type Stream struct {
	// Format describes the PCM in every chunk.
	Format audio.Format

	// Chunks is closed by the backend after the Final chunk, after an Err
	// chunk, or when the context is cancelled.
	Chunks <-chan Chunk
}

// Streamer is implemented by backends that deliver audio incrementally.
type Streamer interface {
	SynthesizeStream(ctx context.Context, req Request) (Stream, error)
}

// Voice is an entry of a backend's voice catalogue.
type Voice struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// VoiceLister is implemented by backends that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}
