package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"hiermlr/internal/internalerr"
	"hiermlr/internal/store"
	"hiermlr/internal/timeutil"
)

// sqliteStore implements store.Store using SQLite.
type sqliteStore struct {
	db  *sql.DB
	ids *store.IDSource
}

// Open opens (creating if needed) a SQLite database with WAL mode enabled.
// Run ids are stamped with clock; nil means the wall clock.
func Open(ctx context.Context, path string, clock timeutil.Clock) (store.Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, ids: store.NewIDSource(clock)}, nil
}

// Close closes the database connection.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist.
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS posterior_runs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	method TEXT,
	num_draws INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS posterior_runs_name ON posterior_runs(name, id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// SavePosterior inserts p as a new run and returns its id.
func (s *sqliteStore) SavePosterior(ctx context.Context, p *store.StoredPosterior) (string, error) {
	c := *p
	c.RunID, c.CreatedAt = s.ids.Next()

	payload, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encode posterior %s: %w", p.Name, err)
	}

	const stmt = `
INSERT INTO posterior_runs (id, name, method, num_draws, created_at, payload)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, stmt,
		c.RunID,
		c.Name,
		c.Method,
		len(c.Draws),
		c.CreatedAt.Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return "", fmt.Errorf("save posterior %s: %w", p.Name, err)
	}
	return c.RunID, nil
}

// LoadPosterior returns the latest run saved under name.
func (s *sqliteStore) LoadPosterior(ctx context.Context, name string) (*store.StoredPosterior, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM posterior_runs WHERE name=? ORDER BY id DESC LIMIT 1`, name,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no saved posterior for %q", internalerr.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load posterior %s: %w", name, err)
	}

	var p store.StoredPosterior
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode posterior %s: %w", name, err)
	}
	return &p, nil
}

// ListRuns returns every run ordered by id.
func (s *sqliteStore) ListRuns(ctx context.Context) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, method, num_draws, created_at FROM posterior_runs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		var (
			r       store.Run
			method  sql.NullString
			created string
		)
		if err := rows.Scan(&r.ID, &r.Name, &method, &r.NumDraws, &created); err != nil {
			return nil, err
		}
		r.Method = method.String
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("run %s: bad created_at %q: %w", r.ID, created, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
