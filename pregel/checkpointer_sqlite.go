package pregel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteCheckpointer is a SQLite-backed Checkpointer, grounded on the
// teacher's SQLiteStore (pregel/store/sqlite.go): a single-file database in
// WAL mode with one writer connection, generalized from a single run's
// step history to a thread's checkpoint history across namespaces.
//
// Designed for development, single-process deployments, and prototyping
// before migrating to SQLiteCheckpointer's MySQL sibling.
type SQLiteCheckpointer struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteCheckpointer opens (creating if necessary) a SQLite database at
// path and prepares its checkpoint schema. Pass ":memory:" for an ephemeral
// database useful in tests.
func NewSQLiteCheckpointer(path string) (*SQLiteCheckpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpointer: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite checkpointer: %w", err)
		}
	}

	c := &SQLiteCheckpointer{db: db, path: path}
	if err := c.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCheckpointer) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			step INTEGER NOT NULL,
			source TEXT NOT NULL,
			channel_values TEXT NOT NULL,
			channel_versions TEXT NOT NULL,
			versions_seen TEXT NOT NULL,
			pending_sends TEXT NOT NULL,
			interrupts TEXT,
			writes_summary TEXT,
			parents TEXT,
			idempotency_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(thread_id, checkpoint_ns, checkpoint_id),
			UNIQUE(idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_ns ON checkpoints(thread_id, checkpoint_ns, seq)`,
		`CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create checkpointer schema: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCheckpointer) GetTuple(ctx context.Context, config RunnableConfig) (*CheckpointTuple, error) {
	var row *sql.Row
	if config.CheckpointID == "" {
		row = c.db.QueryRowContext(ctx, `
			SELECT checkpoint_id, parent_checkpoint_id, step, source, channel_values,
			       channel_versions, versions_seen, pending_sends, interrupts, writes_summary, parents, created_at
			FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ?
			ORDER BY seq DESC LIMIT 1`, config.ThreadID, config.CheckpointNS)
	} else {
		row = c.db.QueryRowContext(ctx, `
			SELECT checkpoint_id, parent_checkpoint_id, step, source, channel_values,
			       channel_versions, versions_seen, pending_sends, interrupts, writes_summary, parents, created_at
			FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
			config.ThreadID, config.CheckpointNS, config.CheckpointID)
	}

	tuple, err := scanCheckpointRow(row, config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &CheckpointerError{Op: "get_tuple", Cause: err}
	}

	writes, err := c.loadPendingWrites(ctx, config.ThreadID, config.CheckpointNS, tuple.Checkpoint.ID)
	if err != nil {
		return nil, &CheckpointerError{Op: "get_tuple", Cause: err}
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

func (c *SQLiteCheckpointer) List(ctx context.Context, config RunnableConfig, opts ListOptions) ([]CheckpointTuple, error) {
	query := `
		SELECT checkpoint_id, parent_checkpoint_id, step, source, channel_values,
		       channel_versions, versions_seen, pending_sends, interrupts, writes_summary, parents, created_at, seq
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{config.ThreadID, config.CheckpointNS}

	if opts.Before != "" {
		query += ` AND seq < (SELECT seq FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?)`
		args = append(args, config.ThreadID, config.CheckpointNS, opts.Before)
	}
	query += ` ORDER BY seq DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &CheckpointerError{Op: "list", Cause: err}
	}
	defer func() { _ = rows.Close() }()

	var out []CheckpointTuple
	for rows.Next() {
		tuple, err := scanCheckpointRows(rows, config)
		if err != nil {
			return nil, &CheckpointerError{Op: "list", Cause: err}
		}
		out = append(out, *tuple)
	}
	return out, rows.Err()
}

func (c *SQLiteCheckpointer) Put(ctx context.Context, config RunnableConfig, checkpoint Checkpoint, metadata CheckpointMetadata) (RunnableConfig, error) {
	idemKey, err := computeCheckpointIdempotencyKey(config.ThreadID, config.CheckpointNS, metadata.Step, checkpoint.ChannelValues)
	if err != nil {
		return RunnableConfig{}, &CheckpointerError{Op: "put", Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var existingID string
	err = c.db.QueryRowContext(ctx, `SELECT checkpoint_id FROM checkpoints WHERE idempotency_key = ?`, idemKey).Scan(&existingID)
	if err == nil {
		out := config
		out.CheckpointID = existingID
		return out, nil
	}
	if err != sql.ErrNoRows {
		return RunnableConfig{}, &CheckpointerError{Op: "put", Cause: err}
	}

	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}

	var parentID sql.NullString
	err = c.db.QueryRowContext(ctx, `
		SELECT checkpoint_id FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY seq DESC LIMIT 1`,
		config.ThreadID, config.CheckpointNS).Scan(&parentID)
	if err != nil && err != sql.ErrNoRows {
		return RunnableConfig{}, &CheckpointerError{Op: "put", Cause: err}
	}

	valuesJSON, _ := json.Marshal(checkpoint.ChannelValues)
	versionsJSON, _ := json.Marshal(checkpoint.ChannelVersions)
	seenJSON, _ := json.Marshal(checkpoint.VersionsSeen)
	sendsJSON, _ := json.Marshal(checkpoint.PendingSends)
	interruptsJSON, _ := json.Marshal(checkpoint.Interrupts)
	writesJSON, _ := json.Marshal(metadata.Writes)
	parentsJSON, _ := json.Marshal(metadata.Parents)

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, step, source,
			 channel_values, channel_versions, versions_seen, pending_sends, interrupts, writes_summary,
			 parents, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		config.ThreadID, config.CheckpointNS, checkpoint.ID, parentID, metadata.Step, metadata.Source,
		string(valuesJSON), string(versionsJSON), string(seenJSON), string(sendsJSON), string(interruptsJSON), string(writesJSON),
		string(parentsJSON), idemKey, checkpoint.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return RunnableConfig{}, &CheckpointerError{Op: "put", Cause: err}
	}

	out := config
	out.CheckpointID = checkpoint.ID
	return out, nil
}

func (c *SQLiteCheckpointer) PutWrites(ctx context.Context, config RunnableConfig, writes []PendingWrite) error {
	if config.CheckpointID == "" {
		return &CheckpointerError{Op: "put_writes", Cause: fmt.Errorf("checkpoint id required")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range writes {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO pending_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
				channel = excluded.channel, value = excluded.value`,
			config.ThreadID, config.CheckpointNS, config.CheckpointID, w.TaskID, i, w.Channel, string(w.Value))
		if err != nil {
			return &CheckpointerError{Op: "put_writes", Cause: err}
		}
	}
	return nil
}

func (c *SQLiteCheckpointer) DeleteThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE thread_id = ?`, threadID); err != nil {
		return &CheckpointerError{Op: "delete_thread", Cause: err}
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return &CheckpointerError{Op: "delete_thread", Cause: err}
	}
	return nil
}

// DeleteAfter implements Checkpointer.DeleteAfter using the checkpoints
// table's global seq AUTOINCREMENT column: it looks up the seq that
// after.CheckpointID was assigned, then deletes every checkpoint (and its
// pending writes) for the thread with a greater seq. The delete is not
// scoped by checkpoint_ns, so subgraph-namespaced checkpoints a rolled-back
// run created are removed along with the main run's own.
func (c *SQLiteCheckpointer) DeleteAfter(ctx context.Context, after RunnableConfig) error {
	if after.CheckpointID == "" {
		return &CheckpointerError{Op: "delete_after", Cause: fmt.Errorf("checkpoint id required")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var cutoff int64
	err := c.db.QueryRowContext(ctx, `
		SELECT seq FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`,
		after.ThreadID, after.CheckpointID).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return &CheckpointerError{Op: "delete_after", Cause: err}
	}

	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM pending_writes WHERE thread_id = ? AND checkpoint_id IN (
			SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? AND seq > ?
		)`, after.ThreadID, after.ThreadID, cutoff); err != nil {
		return &CheckpointerError{Op: "delete_after", Cause: err}
	}
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE thread_id = ? AND seq > ?`, after.ThreadID, cutoff); err != nil {
		return &CheckpointerError{Op: "delete_after", Cause: err}
	}
	return nil
}

// NextVersion delegates to the shared decimal version scheme so comparisons
// behave identically across every Checkpointer backend.
func (c *SQLiteCheckpointer) NextVersion(prev string) string {
	return nextVersionString(prev)
}

// Close closes the underlying database connection.
func (c *SQLiteCheckpointer) Close() error {
	return c.db.Close()
}

func (c *SQLiteCheckpointer) loadPendingWrites(ctx context.Context, threadID, ns, checkpointID string) ([]PendingWrite, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT task_id, channel, value FROM pending_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY idx ASC`, threadID, ns, checkpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingWrite
	for rows.Next() {
		var w PendingWrite
		var value string
		if err := rows.Scan(&w.TaskID, &w.Channel, &value); err != nil {
			return nil, err
		}
		w.Value = json.RawMessage(value)
		out = append(out, w)
	}
	return out, rows.Err()
}

// parseCheckpointTimestamp tolerates both the RFC3339Nano format SQLite
// round-trips verbatim and the "YYYY-MM-DD HH:MM:SS.ffffff" format MySQL
// normalizes TIMESTAMP columns to on read, regardless of how it was
// written.
func parseCheckpointTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.000000", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanCheckpointRow and
// scanCheckpointRows share one decoding path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpointRow(row rowScanner, config RunnableConfig) (*CheckpointTuple, error) {
	return decodeCheckpointRow(row, config, false)
}

func scanCheckpointRows(row rowScanner, config RunnableConfig) (*CheckpointTuple, error) {
	return decodeCheckpointRow(row, config, true)
}

func decodeCheckpointRow(row rowScanner, config RunnableConfig, withSeq bool) (*CheckpointTuple, error) {
	var (
		checkpointID string
		parentID     sql.NullString
		step         int
		source       string
		valuesJSON   string
		versionsJSON string
		seenJSON     string
		sendsJSON      string
		interruptsJSON sql.NullString
		writesJSON     sql.NullString
		parentsJSON    sql.NullString
		createdAt      string
		seq            int64
	)

	var err error
	if withSeq {
		err = row.Scan(&checkpointID, &parentID, &step, &source, &valuesJSON, &versionsJSON,
			&seenJSON, &sendsJSON, &interruptsJSON, &writesJSON, &parentsJSON, &createdAt, &seq)
	} else {
		err = row.Scan(&checkpointID, &parentID, &step, &source, &valuesJSON, &versionsJSON,
			&seenJSON, &sendsJSON, &interruptsJSON, &writesJSON, &parentsJSON, &createdAt)
	}
	if err != nil {
		return nil, err
	}

	ts := parseCheckpointTimestamp(createdAt)

	cp := Checkpoint{ID: checkpointID, Timestamp: ts}
	_ = json.Unmarshal([]byte(valuesJSON), &cp.ChannelValues)
	_ = json.Unmarshal([]byte(versionsJSON), &cp.ChannelVersions)
	_ = json.Unmarshal([]byte(seenJSON), &cp.VersionsSeen)
	_ = json.Unmarshal([]byte(sendsJSON), &cp.PendingSends)
	if interruptsJSON.Valid {
		_ = json.Unmarshal([]byte(interruptsJSON.String), &cp.Interrupts)
	}

	meta := CheckpointMetadata{Source: source, Step: step}
	if writesJSON.Valid {
		_ = json.Unmarshal([]byte(writesJSON.String), &meta.Writes)
	}
	if parentsJSON.Valid {
		_ = json.Unmarshal([]byte(parentsJSON.String), &meta.Parents)
	}

	out := config
	out.CheckpointID = checkpointID

	var parentConfig *RunnableConfig
	if parentID.Valid && parentID.String != "" {
		p := config
		p.CheckpointID = parentID.String
		parentConfig = &p
	}

	return &CheckpointTuple{
		Config:       out,
		Checkpoint:   cp,
		Metadata:     meta,
		ParentConfig: parentConfig,
	}, nil
}
