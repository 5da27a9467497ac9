package cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at the given path and configures WAL mode.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, eris.New("cache: sqlite store needs a path")
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS responses (
	cache_key  TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0,
	stored_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_responses_stored_at ON responses(stored_at);
`

// Migrate creates the cache table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the stored body and bumps its hit counter.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM responses WHERE cache_key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get %s", key)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE responses SET hits = hits + 1 WHERE cache_key = ?`, key); err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: count hit %s", key)
	}
	return body, true, nil
}

// Put upserts body under key.
func (s *SQLiteStore) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (cache_key, body, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET body = excluded.body, stored_at = excluded.stored_at`,
		key, body, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put %s", key)
	}
	return nil
}

// Stats reports how many responses are cached and how often they were reused.
func (s *SQLiteStore) Stats(ctx context.Context) (entries int, hits int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(hits), 0) FROM responses`).Scan(&entries, &hits)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: stats")
	}
	return entries, hits, nil
}
