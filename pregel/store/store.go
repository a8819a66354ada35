// Package store persists the cross-thread bookkeeping that sits above one
// thread's checkpoint history: the thread registry, its run history, each
// thread's pending-run queue, and a transactional outbox of not-yet-emitted
// events - generalized from the teacher's generic Store[S] (SaveStep/
// LoadLatest/SaveCheckpoint/CheckpointV2), which persisted whole-state
// snapshots a Checkpointer now owns instead.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/pregel-go/pregel/emit"
)

// ErrNotFound is returned when a requested thread, run, or queue entry does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a thread or run whose ID is
// already registered.
var ErrAlreadyExists = errors.New("already exists")

// RunStatus is the lifecycle state of one run, mirroring the run states a
// multitasking strategy (runtime package) decides between.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusError       RunStatus = "error"
	RunStatusCancelled   RunStatus = "cancelled"
)

// Thread is a persistent conversation/workflow identity: a stream of
// checkpoints addressed by ThreadID, plus whatever small amount of metadata
// a caller wants attached (title, owner, tags).
type Thread struct {
	ID        string         `json:"id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Run is one Invoke/Resume execution against a thread: which assistant
// (graph configuration) it ran, its current status, and the RunnableConfig
// snapshot it started from.
type Run struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	AssistantID string         `json:"assistant_id,omitempty"`
	Status      RunStatus      `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ThreadStore persists threads, their run history, each thread's pending-run
// queue (backing MultitaskEnqueue), and an events outbox for reliable
// delivery to the streaming layer.
//
// Implementations must be safe for concurrent use.
type ThreadStore interface {
	// CreateThread registers a new thread. Returns ErrAlreadyExists if id is
	// already registered.
	CreateThread(ctx context.Context, id string, metadata map[string]any) (Thread, error)

	// GetThread retrieves a thread by ID. Returns ErrNotFound if absent.
	GetThread(ctx context.Context, id string) (Thread, error)

	// ListThreads returns every registered thread, most recently updated
	// first.
	ListThreads(ctx context.Context, limit int) ([]Thread, error)

	// DeleteThread removes a thread and its run history. It does not touch
	// the thread's checkpoints; callers should also call
	// Checkpointer.DeleteThread.
	DeleteThread(ctx context.Context, id string) error

	// CreateRun registers a new run against an existing thread.
	CreateRun(ctx context.Context, run Run) (Run, error)

	// GetRun retrieves a run by ID. Returns ErrNotFound if absent.
	GetRun(ctx context.Context, id string) (Run, error)

	// UpdateRunStatus transitions a run's status, used as a run moves from
	// pending to running to completed/interrupted/error/cancelled.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus) error

	// ListRuns returns a thread's runs, most recent first.
	ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error)

	// EnqueueRun appends a run to its thread's pending queue, used by
	// MultitaskEnqueue: a thread with one run already active queues the
	// next rather than rejecting or preempting it.
	EnqueueRun(ctx context.Context, threadID, runID string) error

	// DequeueNextRun pops the oldest queued run for threadID, or
	// ErrNotFound if the queue is empty.
	DequeueNextRun(ctx context.Context, threadID string) (string, error)

	// PendingEvents retrieves up to limit not-yet-emitted events from the
	// outbox, ordered by insertion. Implements the transactional outbox
	// pattern: events recorded alongside a run/thread state change survive
	// a crash in the streaming layer between write and delivery.
	PendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error)

	// RecordEvent appends an event to the outbox.
	RecordEvent(ctx context.Context, event OutboxEvent) error

	// MarkEventsEmitted removes events from the outbox by ID once a
	// subscriber has successfully received them.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error

	// Close releases any resources (database handles) held by the store.
	Close() error
}

// OutboxEvent is an emit.Event queued for reliable delivery, tagged with a
// store-assigned ID so MarkEventsEmitted can address it.
type OutboxEvent struct {
	ID    string     `json:"id"`
	Event emit.Event `json:"event"`
}
