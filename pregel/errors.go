package pregel

import (
	"errors"
	"fmt"
)

// ErrMaxStepsExceeded indicates that execution reached the maximum allowed
// superstep count without reaching quiescence. This guards against infinite
// loops between push and pull tasks.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrBackpressure indicates that downstream processing cannot keep up with
// the current execution rate, distinct from ErrBackpressureTimeout which is
// specifically about frontier queue overflow.
var ErrBackpressure = errors.New("downstream backpressure exceeded threshold")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate when a node's
// retry configuration is internally inconsistent (see policy.go).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy configuration")

// Note: the following sentinel errors live in checkpoint.go:
// - ErrReplayMismatch: replay mismatch detection.
// - ErrNoProgress: deadlock/no runnable tasks detection.
// - ErrIdempotencyViolation: duplicate checkpoint write prevention.
// - ErrMaxAttemptsExceeded: retry exhaustion.
// - ErrBackpressureTimeout: frontier queue overflow.

// InvalidUpdateError reports a write that violates a channel's merge
// discipline, such as two writes landing on an exclusive channel in the
// same superstep.
type InvalidUpdateError struct {
	Channel string
	Reason  string
}

func (e *InvalidUpdateError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("invalid channel update: %s", e.Reason)
	}
	return fmt.Sprintf("invalid update to channel %q: %s", e.Channel, e.Reason)
}

// Code identifies the taxonomy bucket for metrics and API responses.
func (e *InvalidUpdateError) Code() string { return "invalid_update" }

// RecursionLimitError reports that a run attempted more supersteps than its
// configured RecursionLimit permits.
type RecursionLimitError struct {
	Limit int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit of %d superstep(s) reached without completion", e.Limit)
}

func (e *RecursionLimitError) Code() string { return "recursion_limit" }

// MultipleSubgraphsError reports that a single superstep attempted to enter
// the same subgraph node from two concurrent tasks, which would make the
// subgraph's checkpoint namespace ambiguous.
type MultipleSubgraphsError struct {
	Node string
	NS1  string
	NS2  string
}

func (e *MultipleSubgraphsError) Error() string {
	return fmt.Sprintf("node %q entered subgraph under two namespaces in one step: %q and %q", e.Node, e.NS1, e.NS2)
}

func (e *MultipleSubgraphsError) Code() string { return "multiple_subgraphs" }

// CheckpointerError wraps a failure from the durable checkpoint backend,
// naming the operation that failed.
type CheckpointerError struct {
	Op    string
	Cause error
}

func (e *CheckpointerError) Error() string {
	return fmt.Sprintf("checkpointer %s: %v", e.Op, e.Cause)
}

func (e *CheckpointerError) Code() string  { return "checkpointer_error" }
func (e *CheckpointerError) Unwrap() error { return e.Cause }

// ConflictError reports that a run could not proceed because another run
// on the same thread is active and the thread's multitasking strategy
// forbids queuing or preempting it.
type ConflictError struct {
	ThreadID string
	Strategy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("thread %q busy: multitask strategy %q rejected this run", e.ThreadID, e.Strategy)
}

func (e *ConflictError) Code() string { return "conflict" }

// NotFoundError reports that a referenced entity (thread, run, checkpoint,
// assistant) does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Code() string { return "not_found" }

// EngineError is a general-purpose engine-level failure not covered by a
// more specific type above, carrying a stable Code for API responses and
// metrics labels.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string { return e.Message }

// NodeError reports a failure raised by a node's own function, preserving
// which node raised it and the underlying cause for Unwrap chains.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID == "" {
		return e.Message
	}
	return fmt.Sprintf("node %q: %s", e.NodeID, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }
