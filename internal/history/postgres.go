package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

const ddlTranslations = `
CREATE TABLE IF NOT EXISTS translations (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    source_text  TEXT         NOT NULL,
    target_text  TEXT         NOT NULL,
    source_lang  TEXT         NOT NULL DEFAULT '',
    target_lang  TEXT         NOT NULL DEFAULT '',
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_translations_session_created
    ON translations (session_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_translations_created
    ON translations (created_at DESC);
`

// Migrate creates the translations table and its indexes. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranslations); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Postgres is a [Store] backed by a PostgreSQL translations table.
// All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn, verifies the connection and runs [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Save implements [Store].
func (p *Postgres) Save(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO translations
		    (session_id, source_text, target_text, source_lang, target_lang, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := p.pool.Exec(ctx, q,
		e.Session,
		e.Source,
		e.Target,
		e.SourceLang,
		e.TargetLang,
		e.Duration.Nanoseconds(),
		at,
	); err != nil {
		return fmt.Errorf("history: save: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (p *Postgres) Recent(ctx context.Context, session string, limit int) ([]Entry, error) {
	const q = `
		SELECT id, session_id, source_text, target_text, source_lang, target_lang, duration_ns, created_at
		FROM   translations
		WHERE  $1::text = '' OR session_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := p.pool.Query(ctx, q, session, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e          Entry
			durationNS int64
		)
		if err := row.Scan(&e.ID, &e.Session, &e.Source, &e.Target, &e.SourceLang, &e.TargetLang, &durationNS, &e.At); err != nil {
			return Entry{}, err
		}
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Ping verifies the database connection. It backs the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
