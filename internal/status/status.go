// Package status distributes session status events to observers: local
// websocket clients through the in-memory [Hub] and other processes through
// [Redis].
package status

import (
	"context"
	"errors"
	"time"
)

// Type classifies an [Event].
type Type string

const (
	// TypeState reports a session lifecycle change (State holds the new
	// state).
	TypeState Type = "state"

	// TypeTranscript carries a transcription after boundary deduplication.
	TypeTranscript Type = "transcript"

	// TypeTranslation carries a finished translation together with its
	// source text.
	TypeTranslation Type = "translation"

	// TypeLevel carries the current input level in dBFS.
	TypeLevel Type = "level"

	// TypeError reports a dropped utterance or a failed component.
	TypeError Type = "error"
)

// Session states published with [TypeState].
const (
	StateStarting     = "starting"
	StateCalibrating  = "calibrating"
	StateListening    = "listening"
	StateHearing      = "hearing"
	StateSpeaking     = "speaking"
	StateReconfigured = "reconfigured"
	StateStopped      = "stopped"
	StateFailed       = "failed"
)

// Event is one status update. Unused fields are left empty.
type Event struct {
	Type        Type      `json:"type"`
	Session     string    `json:"session"`
	State       string    `json:"state,omitempty"`
	Text        string    `json:"text,omitempty"`
	Translation string    `json:"translation,omitempty"`
	Language    string    `json:"language,omitempty"`
	Level       float64   `json:"level,omitempty"`
	Err         string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use
// and must not block the caller for long: publishing happens on the
// pipeline's hot path.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes every event to all of its publishers.
type Multi []Publisher

var _ Publisher = Multi(nil)

// Publish implements [Publisher]. Every publisher is called; their errors
// are joined.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
