package pregel

import "context"

// ListOptions narrows a Checkpointer.List call.
type ListOptions struct {
	// Limit caps the number of tuples returned, newest first. Zero means
	// no limit.
	Limit int

	// Before, if set, only returns checkpoints older than this checkpoint
	// ID, supporting history pagination.
	Before string
}

// Checkpointer is the durable persistence boundary for thread state. It is
// the collaborator contract a storage backend implements; the engine never
// assumes a particular storage technology beyond this interface, mirroring
// the teacher's Store[S] abstraction (pregel/store/store.go) generalized
// from a single whole-state snapshot to channel-keyed checkpoints.
type Checkpointer interface {
	// GetTuple returns the checkpoint addressed by config. When
	// config.CheckpointID is empty, it returns the latest checkpoint in
	// config.CheckpointNS. Returns (nil, nil) if no checkpoint exists yet
	// for a fresh thread/namespace.
	GetTuple(ctx context.Context, config RunnableConfig) (*CheckpointTuple, error)

	// List returns checkpoint tuples for a thread/namespace, newest first.
	List(ctx context.Context, config RunnableConfig, opts ListOptions) ([]CheckpointTuple, error)

	// Put durably writes a new checkpoint as the latest state of
	// config.ThreadID/config.CheckpointNS, returning the config that now
	// addresses it (with CheckpointID populated).
	Put(ctx context.Context, config RunnableConfig, checkpoint Checkpoint, metadata CheckpointMetadata) (RunnableConfig, error)

	// PutWrites records pending writes produced by a task before the
	// superstep that contains it has finished, so a crash mid-step does
	// not lose completed task output.
	PutWrites(ctx context.Context, config RunnableConfig, writes []PendingWrite) error

	// DeleteThread removes every checkpoint and pending write for a
	// thread, across all namespaces. Used by explicit thread deletion.
	DeleteThread(ctx context.Context, threadID string) error

	// DeleteAfter removes every checkpoint (and its pending writes) for
	// after.ThreadID created strictly after after.CheckpointID, across all
	// namespaces - including any subgraph namespace a rolled-back run may
	// have written into. Checkpoints at or before after.CheckpointID, and
	// any history predating it, are left untouched. Used by the rollback
	// multitasking strategy to discard only the preempted run's own
	// progress. after.CheckpointID must be non-empty; an empty thread with
	// no prior checkpoint has nothing to scope the delete to.
	DeleteAfter(ctx context.Context, after RunnableConfig) error

	// NextVersion returns a version string strictly greater than prev
	// (the empty string is the "never written" version) for a channel
	// about to be updated.
	NextVersion(prev string) string
}
