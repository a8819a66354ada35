package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide detailed insight into workflow behavior:
//   - Node execution start/complete
//   - State changes and transitions
//   - Errors and warnings
//   - Performance metrics
//   - Checkpoint operations
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the superstep number: loop supersteps count from 1 and the
	// input checkpoint is step 0. Per-task node events leave it zero.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for workflow-level events.
	NodeID string

	// Namespace is the checkpoint namespace the event occurred in: empty
	// for the root graph, or "parentNS:node:taskHash" for a subgraph task.
	Namespace string

	// Mode labels which stream mode(s) a subscriber must request to
	// receive this event ("values", "updates", "messages", "debug"). Empty
	// means the event is always delivered regardless of subscribed modes.
	Mode string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "tokens": Token count for LLM calls
	//   - "checkpoint_id": Checkpoint identifier
	//   - "retryable": Whether an error can be retried
	Meta map[string]interface{}
}
