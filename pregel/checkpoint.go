package pregel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Checkpoint handles durable execution snapshots.

// ErrReplayMismatch is returned when recorded I/O hash does not match current
// execution during replay. This indicates non-deterministic behavior in a
// node (e.g. random values, system time, or external state). Replay mode
// expects nodes to produce identical outputs given identical inputs.
var ErrReplayMismatch = errors.New("replay mismatch: recorded I/O hash mismatch")

// ErrNoProgress is returned when the planner produces no pull and no push
// tasks for a superstep, meaning the run cannot make forward progress.
// Common causes: every node is waiting on a trigger that never fires, or a
// cycle with no conditional break.
var ErrNoProgress = errors.New("no progress: no runnable tasks for this step")

// ErrBackpressureTimeout is returned when the frontier queue remains full
// beyond the configured timeout. This indicates tasks are being enqueued
// faster than they can be executed within one superstep's bounded pool.
var ErrBackpressureTimeout = errors.New("backpressure timeout: frontier queue full")

// ErrIdempotencyViolation is returned when attempting to commit a checkpoint
// with a duplicate idempotency key. This prevents duplicate persistence of a
// superstep's writes during retries or crash recovery; the checkpoint was
// already committed by a previous attempt.
var ErrIdempotencyViolation = errors.New("idempotency violation: checkpoint already committed")

// ErrMaxAttemptsExceeded is returned when a task fails more times than its
// retry policy allows.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// RunnableConfig addresses a single point in a thread's checkpoint history:
// a thread, optionally a subgraph namespace within it, and optionally a
// specific checkpoint ID. An empty CheckpointID means "the latest
// checkpoint in this namespace."
type RunnableConfig struct {
	ThreadID       string `json:"thread_id"`
	CheckpointNS   string `json:"checkpoint_ns"`
	CheckpointID   string `json:"checkpoint_id,omitempty"`
	RecursionLimit int    `json:"recursion_limit,omitempty"`
}

// PendingSend is a task-generated Send call recorded onto a checkpoint so
// that the push tasks it implies survive a crash between supersteps.
type PendingSend struct {
	Node    string          `json:"node"`
	Payload json.RawMessage `json:"payload"`
}

// Checkpoint is an immutable snapshot of every channel's value plus the
// bookkeeping the planner needs to resume: each channel's version, and what
// version of each trigger channel every node had already seen the last time
// it ran.
type Checkpoint struct {
	// ID is a monotonically sortable identifier for this checkpoint within
	// its (thread_id, checkpoint_ns). Assigned by the checkpointer on Put.
	ID string `json:"id"`

	// Timestamp records when this checkpoint was produced.
	Timestamp time.Time `json:"ts"`

	// ChannelValues holds every channel's serialized value as of this
	// checkpoint. Channels with no value yet are simply absent.
	ChannelValues map[string]json.RawMessage `json:"channel_values"`

	// ChannelVersions is the monotonically increasing version string of
	// every channel that has ever been written.
	ChannelVersions map[string]string `json:"channel_versions"`

	// VersionsSeen records, per node, the ChannelVersions map that node had
	// already observed the last time it ran a pull task. A trigger channel
	// whose current version is newer than the node's recorded versions_seen
	// entry makes that node runnable.
	VersionsSeen map[string]map[string]string `json:"versions_seen"`

	// PendingSends carries Send-originated push tasks queued by the
	// previous superstep but not yet executed, so a crash before they run
	// does not lose them.
	PendingSends []PendingSend `json:"pending_sends,omitempty"`

	// Interrupts records, per node name, the value that node passed to
	// Interrupt() the last time this checkpoint's superstep ran. Keyed by
	// node name rather than task ID because a resume triggers a new
	// planning pass that assigns a new task ID (the step number advances);
	// the node name is what stays stable across that replan. A node whose
	// name appears here did not complete: resuming with
	// Command{Resume: ...} re-executes it and hands that value back from
	// Interrupt() instead of pausing again.
	Interrupts map[string]json.RawMessage `json:"interrupts,omitempty"`
}

// CheckpointMetadata records why a checkpoint was written and what it
// changed relative to its parent, per spec.md §4.4.
type CheckpointMetadata struct {
	// Source is one of "input" (graph entry), "loop" (a normal superstep),
	// "update" (an out-of-band Command{Update:...} applied via __start__),
	// or "fork" (a checkpoint copied to seed a new thread/branch).
	Source string `json:"source"`

	// Step is the superstep index that produced this checkpoint. 0 for
	// the input checkpoint that precedes the first superstep; loop
	// supersteps count from 1.
	Step int `json:"step"`

	// Writes summarizes, by channel name, the value(s) written during the
	// step that produced this checkpoint. Present for observability only;
	// the authoritative values live in ChannelValues.
	Writes map[string]any `json:"writes,omitempty"`

	// Parents maps checkpoint_ns to the checkpoint_id of the parent
	// checkpoint in that namespace, letting a nested subgraph checkpoint
	// reference the enclosing graph's state at the moment it was entered.
	Parents map[string]string `json:"parents,omitempty"`
}

// PendingWrite is a single channel write produced by a task, recorded
// immediately so the write survives even if the task's superstep crashes
// before all tasks finish and the checkpoint is committed.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

const (
	// pendingWriteErrorChannel is the sentinel Channel value recording that
	// a task errored rather than producing a channel write. A superstep
	// replanned on top of the same checkpoint must re-invoke any task whose
	// only persisted pending write carries this channel.
	pendingWriteErrorChannel = "__error__"

	// pendingWriteSendChannel is the sentinel Channel value recording one of
	// a task's Send values, so a task skipped on replay because its
	// ChannelWrites were already persisted doesn't lose the Sends it also
	// produced.
	pendingWriteSendChannel = "__send__"
)

// CheckpointTuple bundles a checkpoint with its metadata, the config that
// addresses it, its parent's config (if any), and any pending writes
// recorded against it that have not yet been folded into a later
// checkpoint's ChannelValues.
type CheckpointTuple struct {
	Config        RunnableConfig     `json:"config"`
	Checkpoint    Checkpoint         `json:"checkpoint"`
	Metadata      CheckpointMetadata `json:"metadata"`
	ParentConfig  *RunnableConfig    `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite     `json:"pending_writes,omitempty"`
}

// computeCheckpointIdempotencyKey generates a deterministic hash for
// preventing duplicate checkpoint commits.
//
// The key is computed from:
//  1. Thread ID and checkpoint namespace - identify the stream of
//     checkpoints this one belongs to.
//  2. Step - identifies the superstep tick.
//  3. Channel values, sorted by channel name - captures exactly what this
//     checkpoint records.
//
// Identical execution contexts therefore produce identical keys, which lets
// a checkpointer reject a retried Put as a no-op rather than a duplicate
// state transition.
//
// The hash uses SHA-256 and is returned hex-encoded with a "sha256:" prefix
// for format versioning.
func computeCheckpointIdempotencyKey(threadID, checkpointNS string, step int, values map[string]json.RawMessage) (string, error) {
	h := sha256.New()
	h.Write([]byte(threadID))
	h.Write([]byte(checkpointNS))

	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(step))
	h.Write(stepBytes)

	for _, name := range sortedValueKeys(values) {
		h.Write([]byte(name))
		h.Write(values[name])
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// nextVersionString increments a decimal version counter, zero-padded so
// that lexicographic and numeric ordering agree. Shared by every
// Checkpointer implementation so version comparisons behave identically
// regardless of backend.
func nextVersionString(prev string) string {
	n := int64(0)
	if prev != "" {
		if parsed, err := strconv.ParseInt(prev, 10, 64); err == nil {
			n = parsed
		}
	}
	n++
	return fmt.Sprintf("%020d", n)
}

func sortedValueKeys(values map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
