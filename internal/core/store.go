package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/batchprover/pkg/api"
)

// Store is a SQLite-backed cache of completed unit outcomes.
type Store struct{ db *sql.DB }

// CacheStats summarises the store contents.
type CacheStats struct {
	Entries int64
	Bytes   int64
	Tasks   int64
	Oldest  time.Time
	Newest  time.Time
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get looks up a cached outcome. The returned outcome is marked Cached.
func (s *Store) Get(ctx context.Context, key string) (Outcome, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT outcome_json FROM results WHERE cache_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("query cache: %w", err)
	}
	var out Outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Outcome{}, false, fmt.Errorf("decode cached outcome: %w", err)
	}
	out.Cached = true
	return out, true, nil
}

// Put stores a completed outcome under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key, runID string, u Unit, out Outcome) error {
	if out.Kind != api.OutcomeCompleted {
		return fmt.Errorf("only completed outcomes are cached, got %s", out.Kind)
	}
	out.Cached = false
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO results (cache_key, unit_id, task, lemma, tool_alias, run_id, outcome_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
    unit_id = excluded.unit_id,
    run_id = excluded.run_id,
    outcome_json = excluded.outcome_json,
    created_at = excluded.created_at`,
		key, u.ID, u.Task, u.LemmaLabel(), u.ToolAlias, runID, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}
	return nil
}

// Clear deletes every entry and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results`)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports entry count and stored volume.
func (s *Store) Stats(ctx context.Context) (CacheStats, error) {
	var st CacheStats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(LENGTH(outcome_json)), 0), COUNT(DISTINCT task), MIN(created_at), MAX(created_at)
FROM results`).Scan(&st.Entries, &st.Bytes, &st.Tasks, &oldest, &newest)
	if err != nil {
		return st, fmt.Errorf("cache stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		st.Newest = time.Unix(newest.Int64, 0)
	}
	return st, nil
}
