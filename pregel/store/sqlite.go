package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed ThreadStore, for single-process deployments
// that want thread/run history to survive a restart without standing up a
// separate database server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and migrates its thread-registry schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite store %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			assistant_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_queue (
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq INTEGER PRIMARY KEY AUTOINCREMENT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_thread ON run_queue(thread_id, seq)`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT PRIMARY KEY,
			event_data TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating thread store schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateThread(ctx context.Context, id string, metadata map[string]any) (Thread, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return Thread{}, fmt.Errorf("marshal thread metadata: %w", err)
	}
	now := clockNow()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, string(meta), now, now)
	if err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return Thread{ID: id, Metadata: metadata, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (Thread, error) {
	var meta string
	var t Thread
	t.ID = id
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata, created_at, updated_at FROM threads WHERE id = ?`, id,
	).Scan(&meta, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return Thread{}, fmt.Errorf("unmarshal thread metadata: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	query := `SELECT id, metadata, created_at, updated_at FROM threads ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		var meta string
		if err := rows.Scan(&t.ID, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal thread metadata: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM run_queue WHERE thread_id = ?`, id)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run Run) (Run, error) {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return Run{}, fmt.Errorf("marshal run metadata: %w", err)
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	now := clockNow()
	run.CreatedAt, run.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, assistant_id, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.AssistantID, string(run.Status), string(meta), now, now)
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	var status, meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, assistant_id, status, metadata, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ThreadID, &r.AssistantID, &status, &meta, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return Run{}, fmt.Errorf("unmarshal run metadata: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, string(status), clockNow(), id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	query := `SELECT id, thread_id, assistant_id, status, metadata, created_at, updated_at
	          FROM runs WHERE thread_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var status, meta string
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.AssistantID, &status, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = RunStatus(status)
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnqueueRun(ctx context.Context, threadID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_queue (thread_id, run_id) VALUES (?, ?)`, threadID, runID)
	if err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DequeueNextRun(ctx context.Context, threadID string) (string, error) {
	var seq int64
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, run_id FROM run_queue WHERE thread_id = ? ORDER BY seq ASC LIMIT 1`, threadID,
	).Scan(&seq, &runID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("dequeue run: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_queue WHERE seq = ?`, seq); err != nil {
		return "", fmt.Errorf("dequeue run: %w", err)
	}
	return runID, nil
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	query := `SELECT id, event_data FROM events_outbox ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var data string
		if err := rows.Scan(&ev.ID, &data); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &ev.Event); err != nil {
			return nil, fmt.Errorf("unmarshal pending event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, event OutboxEvent) error {
	data, err := json.Marshal(event.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events_outbox (id, event_data, seq) VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events_outbox))`,
		event.ID, string(data))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	for _, id := range eventIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events_outbox WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark event emitted: %w", err)
		}
	}
	return nil
}
