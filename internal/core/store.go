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

	"github.com/3cpo-dev/frigg/pkg/api"
)

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
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

func (s *Store) Close() error { return s.db.Close() }

// Record inserts or replaces the report of a run.
func (s *Store) Record(ctx context.Context, r api.RunReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var nodeID, nodeName string
	if r.Node != nil {
		nodeID, nodeName = r.Node.ID, r.Node.Name
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(id, profile, provider, pipeline, status, phase, node_id, node_name, destroyed, teardown_warning, started_at, finished_at, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Profile, r.Provider, r.Pipeline, string(r.Status), r.Phase, nodeID, nodeName,
		r.Destroyed, r.TeardownWarning,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// List returns the most recent runs first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]api.RunReport, error) {
	q := `SELECT report FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

// Leaked returns runs whose node was created but not destroyed.
func (s *Store) Leaked(ctx context.Context) ([]api.RunReport, error) {
	return s.query(ctx, `SELECT report FROM runs WHERE node_id != '' AND destroyed = 0 ORDER BY started_at DESC`)
}

// MarkDestroyed records that a leaked node was removed by hand.
func (s *Store) MarkDestroyed(ctx context.Context, runID string) error {
	reports, err := s.query(ctx, `SELECT report FROM runs WHERE id = ?`, runID)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	r := reports[0]
	r.Destroyed = true
	return s.Record(ctx, r)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]api.RunReport, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.RunReport
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r api.RunReport
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
