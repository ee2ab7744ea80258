package history_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parlox/internal/history"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestPostgres(t *testing.T) *history.Postgres {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS translations`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	store, err := history.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgres_SaveAndRecent(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	entries := []history.Entry{
		{Session: "s1", Source: "hola", Target: "hello", SourceLang: "es", TargetLang: "en", Duration: 900 * time.Millisecond, At: base},
		{Session: "s1", Source: "adiós", Target: "goodbye", SourceLang: "es", TargetLang: "en", At: base.Add(time.Second)},
		{Session: "s2", Source: "bonjour", Target: "hello", SourceLang: "fr", TargetLang: "en", At: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := store.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := store.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Target != "goodbye" || got[1].Target != "hello" {
		t.Errorf("order = %q, %q", got[0].Target, got[1].Target)
	}
	if got[1].Duration != 900*time.Millisecond || !got[1].At.Equal(base) {
		t.Errorf("entry = %+v", got[1])
	}

	all, err := store.Recent(ctx, "", 1)
	if err != nil || len(all) != 1 || all[0].Session != "s2" {
		t.Errorf("Recent(all, 1) = %+v, %v", all, err)
	}
}

func TestPostgres_MigrateIdempotent(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := history.Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
