package pregel

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout determines the timeout duration for a node based on
// precedence:
//  1. NodePolicy.Timeout (per-node override)
//  2. defaultTimeout (engine-wide default)
//  3. 0 (no timeout, unlimited execution)
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeTaskWithTimeout wraps a task's NodeFunc with timeout enforcement.
// GraphInterrupt panics are left to propagate to the caller - interrupting
// is not a timeout condition and must still unwind through the caller's
// recover so the engine can record it, not be turned into a timeout error.
func executeTaskWithTimeout(
	ctx context.Context,
	task Task,
	defaultTimeout time.Duration,
) ([]ChannelWrite, []Send, error) {
	timeout := getNodeTimeout(task.Node.Policy, defaultTimeout)

	if timeout == 0 {
		return task.Node.Func(ctx, task.Input)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	writes, sends, err := task.Node.Func(timeoutCtx, task.Input)
	if err == nil && timeoutCtx.Err() == context.DeadlineExceeded {
		return writes, sends, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", task.Node.Name, timeout),
			Code:    "node_timeout",
		}
	}
	return writes, sends, err
}
