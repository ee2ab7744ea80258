// Package history records translated utterances so they can be reviewed
// after the fact.
//
// Two stores are provided: [Postgres] appends to a translations table through
// a pgx connection pool, and [Memory] keeps a bounded in-process log for
// deployments without a database.
package history

import (
	"context"
	"time"
)

// Entry is one translated utterance.
type Entry struct {
	// ID is assigned by the store on Save.
	ID int64 `json:"id"`

	// Session is the id of the session that produced the entry.
	Session string `json:"session"`

	// Source is the transcription after boundary deduplication.
	Source string `json:"source"`

	// Target is the translation.
	Target string `json:"target"`

	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`

	// Duration is the length of the source segment.
	Duration time.Duration `json:"duration"`

	// At is when the translation completed.
	At time.Time `json:"at"`
}

// Store persists history entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save appends e.
	Save(ctx context.Context, e Entry) error

	// Recent returns at most limit entries, newest first. An empty session
	// returns entries of every session. A non-positive limit uses
	// [DefaultLimit].
	Recent(ctx context.Context, session string, limit int) ([]Entry, error)
}

// DefaultLimit is the number of entries Recent returns when no limit is
// given.
const DefaultLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
