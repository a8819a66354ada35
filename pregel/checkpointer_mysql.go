package pregel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLCheckpointer is a MySQL/MariaDB-backed Checkpointer, grounded on the
// teacher's MySQLStore (pregel/store/mysql.go): connection-pooled, InnoDB,
// utf8mb4 tables, generalized to a thread's checkpoint history across
// namespaces rather than a single run's step history. Intended for
// production deployments with multiple worker processes sharing state.
type MySQLCheckpointer struct {
	db *sql.DB
	mu sync.Mutex
}

// NewMySQLCheckpointer opens a connection pool against dsn and prepares the
// checkpoint schema. DSN format:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
func NewMySQLCheckpointer(dsn string) (*MySQLCheckpointer, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql checkpointer: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql checkpointer: %w", err)
	}

	c := &MySQLCheckpointer{db: db}
	if err := c.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *MySQLCheckpointer) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_ns VARCHAR(255) NOT NULL DEFAULT '',
			checkpoint_id VARCHAR(255) NOT NULL,
			parent_checkpoint_id VARCHAR(255),
			step INT NOT NULL,
			source VARCHAR(32) NOT NULL,
			channel_values JSON NOT NULL,
			channel_versions JSON NOT NULL,
			versions_seen JSON NOT NULL,
			pending_sends JSON NOT NULL,
			interrupts JSON,
			writes_summary JSON,
			parents JSON,
			idempotency_key VARCHAR(128) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			UNIQUE KEY unique_checkpoint (thread_id, checkpoint_ns, checkpoint_id),
			UNIQUE KEY unique_idempotency (idempotency_key),
			INDEX idx_thread_ns (thread_id, checkpoint_ns, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_ns VARCHAR(255) NOT NULL DEFAULT '',
			checkpoint_id VARCHAR(255) NOT NULL,
			task_id VARCHAR(255) NOT NULL,
			idx INT NOT NULL,
			channel VARCHAR(255) NOT NULL,
			value JSON NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create checkpointer schema: %w", err)
		}
	}
	return nil
}

func (c *MySQLCheckpointer) GetTuple(ctx context.Context, config RunnableConfig) (*CheckpointTuple, error) {
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

	tuple, err := decodeCheckpointRow(row, config, false)
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

func (c *MySQLCheckpointer) List(ctx context.Context, config RunnableConfig, opts ListOptions) ([]CheckpointTuple, error) {
	query := `
		SELECT checkpoint_id, parent_checkpoint_id, step, source, channel_values,
		       channel_versions, versions_seen, pending_sends, interrupts, writes_summary, parents, created_at
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
		tuple, err := decodeCheckpointRow(rows, config, false)
		if err != nil {
			return nil, &CheckpointerError{Op: "list", Cause: err}
		}
		out = append(out, *tuple)
	}
	return out, rows.Err()
}

func (c *MySQLCheckpointer) Put(ctx context.Context, config RunnableConfig, checkpoint Checkpoint, metadata CheckpointMetadata) (RunnableConfig, error) {
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
		string(parentsJSON), idemKey, checkpoint.Timestamp.Format("2006-01-02 15:04:05.000000"))
	if err != nil {
		return RunnableConfig{}, &CheckpointerError{Op: "put", Cause: err}
	}

	out := config
	out.CheckpointID = checkpoint.ID
	return out, nil
}

func (c *MySQLCheckpointer) PutWrites(ctx context.Context, config RunnableConfig, writes []PendingWrite) error {
	if config.CheckpointID == "" {
		return &CheckpointerError{Op: "put_writes", Cause: fmt.Errorf("checkpoint id required")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range writes {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO pending_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE channel = VALUES(channel), value = VALUES(value)`,
			config.ThreadID, config.CheckpointNS, config.CheckpointID, w.TaskID, i, w.Channel, string(w.Value))
		if err != nil {
			return &CheckpointerError{Op: "put_writes", Cause: err}
		}
	}
	return nil
}

func (c *MySQLCheckpointer) DeleteThread(ctx context.Context, threadID string) error {
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

// DeleteAfter implements Checkpointer.DeleteAfter the same way the SQLite
// checkpointer does: look up the seq that after.CheckpointID was assigned
// in the thread's checkpoints, then delete every row for the thread with a
// greater seq, across every checkpoint_ns so a rolled-back run's subgraph
// checkpoints are cleaned up along with its top-level ones.
func (c *MySQLCheckpointer) DeleteAfter(ctx context.Context, after RunnableConfig) error {
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
			SELECT checkpoint_id FROM (
				SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? AND seq > ?
			) AS after_cutoff
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
func (c *MySQLCheckpointer) NextVersion(prev string) string {
	return nextVersionString(prev)
}

// Close closes the underlying connection pool.
func (c *MySQLCheckpointer) Close() error {
	return c.db.Close()
}

func (c *MySQLCheckpointer) loadPendingWrites(ctx context.Context, threadID, ns, checkpointID string) ([]PendingWrite, error) {
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
