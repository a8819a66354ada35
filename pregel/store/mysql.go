package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed ThreadStore, for multi-worker
// deployments where the thread/run registry must be visible to every
// process handling HTTP traffic for cmd/pregel-server, not just the one
// that happened to start a given run.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and migrates the
// thread-registry schema. dsn follows the go-sql-driver/mysql format, e.g.
// "user:pass@tcp(localhost:3306)/pregel?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging mysql store: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id VARCHAR(255) PRIMARY KEY,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(255) PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			assistant_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_runs_thread (thread_id, created_at),
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS run_queue (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			run_id VARCHAR(255) NOT NULL,
			INDEX idx_queue_thread (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(255) NOT NULL UNIQUE,
			event_data JSON NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating thread store schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) CreateThread(ctx context.Context, id string, metadata map[string]any) (Thread, error) {
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

func (s *MySQLStore) GetThread(ctx context.Context, id string) (Thread, error) {
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

func (s *MySQLStore) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
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

func (s *MySQLStore) DeleteThread(ctx context.Context, id string) error {
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

func (s *MySQLStore) CreateRun(ctx context.Context, run Run) (Run, error) {
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

func (s *MySQLStore) GetRun(ctx context.Context, id string) (Run, error) {
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

func (s *MySQLStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus) error {
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

func (s *MySQLStore) ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
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

func (s *MySQLStore) EnqueueRun(ctx context.Context, threadID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_queue (thread_id, run_id) VALUES (?, ?)`, threadID, runID)
	if err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	return nil
}

func (s *MySQLStore) DequeueNextRun(ctx context.Context, threadID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("dequeue run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var runID string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, run_id FROM run_queue WHERE thread_id = ? ORDER BY seq ASC LIMIT 1 FOR UPDATE`, threadID,
	).Scan(&seq, &runID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("dequeue run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_queue WHERE seq = ?`, seq); err != nil {
		return "", fmt.Errorf("dequeue run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("dequeue run: %w", err)
	}
	return runID, nil
}

func (s *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
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

func (s *MySQLStore) RecordEvent(ctx context.Context, event OutboxEvent) error {
	data, err := json.Marshal(event.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events_outbox (id, event_data) VALUES (?, ?)`, event.ID, string(data))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
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
