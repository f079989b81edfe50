// Package recordstore persists finished executions so tutors can review a
// learner's session after the kernel is gone.
package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dstutor/kernelhub/internal/hubapi"
)

const defaultMaxRetained = 2048

// Store writes execution records to a sqlite database. A nil *Store is a
// valid no-op store so callers need not branch on history being disabled.
type Store struct {
	dbPath      string
	maxRetained int
}

// Open prepares the store at dbPath, creating the parent directory and
// schema. maxRetained <= 0 takes the default.
func Open(ctx context.Context, dbPath string, maxRetained int) (*Store, error) {
	if maxRetained <= 0 {
		maxRetained = defaultMaxRetained
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	s := &Store{dbPath: dbPath, maxRetained: maxRetained}
	if err := s.initDB(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("open execution history database %q: %w", s.dbPath, err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			outputs_json TEXT NOT NULL,
			started_at_unix INTEGER NOT NULL,
			finished_at_unix INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	`)
	if err != nil {
		return fmt.Errorf("initialise execution history schema: %w", err)
	}
	return nil
}

// SaveExecution records one finished execution and prunes rows beyond the
// retention limit, oldest first.
func (s *Store) SaveExecution(ctx context.Context, exec *hubapi.Execution, code string) error {
	if s == nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("open execution history database %q: %w", s.dbPath, err)
	}
	defer db.Close()

	outputs, err := json.Marshal(exec.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs for execution %s: %w", exec.ID, err)
	}
	var started, finished int64
	if exec.StartedAt != nil {
		started = exec.StartedAt.Unix()
	}
	if exec.FinishedAt != nil {
		finished = exec.FinishedAt.Unix()
	}

	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (
			id, session_id, status, code, message, outputs_json,
			started_at_unix, finished_at_unix, elapsed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.SessionID, exec.Status, code, exec.Message, string(outputs),
		started, finished, exec.ElapsedMS)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM executions WHERE id NOT IN (
			SELECT id FROM executions ORDER BY finished_at_unix DESC, id DESC LIMIT ?
		)
	`, s.maxRetained)
	if err != nil {
		return fmt.Errorf("prune execution history: %w", err)
	}
	return nil
}

// RecentExecutions returns up to limit finished executions, newest first,
// optionally filtered by session.
func (s *Store) RecentExecutions(ctx context.Context, sessionID string, limit int) ([]*hubapi.Execution, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 || limit > s.maxRetained {
		limit = 50
	}
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open execution history database %q: %w", s.dbPath, err)
	}
	defer db.Close()

	query := `
		SELECT id, session_id, status, message, outputs_json,
			started_at_unix, finished_at_unix, elapsed_ms
		FROM executions
	`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY finished_at_unix DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution history: %w", err)
	}
	defer rows.Close()

	var out []*hubapi.Execution
	for rows.Next() {
		var (
			exec        hubapi.Execution
			outputsJSON string
			started     int64
			finished    int64
		)
		if err := rows.Scan(&exec.ID, &exec.SessionID, &exec.Status, &exec.Message,
			&outputsJSON, &started, &finished, &exec.ElapsedMS); err != nil {
			return nil, fmt.Errorf("scan execution history row: %w", err)
		}
		if err := json.Unmarshal([]byte(outputsJSON), &exec.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs for execution %s: %w", exec.ID, err)
		}
		if started != 0 {
			ts := time.Unix(started, 0).UTC()
			exec.StartedAt = &ts
		}
		if finished != 0 {
			ts := time.Unix(finished, 0).UTC()
			exec.FinishedAt = &ts
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}
