package pregel

import "time"

// Option is a functional option for configuring an Engine. Chainable,
// self-documenting, and optional - only specify what you need to override.
//
// Example:
//
//	engine := pregel.New(
//	    checkpointer, emitter,
//	    pregel.WithMaxConcurrentTasks(16),
//	    pregel.WithQueueDepth(2048),
//	    pregel.WithDefaultTaskTimeout(10*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they're applied to an Engine, giving
// a place to validate and compose them before construction commits.
type engineConfig struct {
	opts Options
}

// MultitaskStrategy governs what happens when a new run is submitted for a
// thread that already has a run in flight.
type MultitaskStrategy int

const (
	// MultitaskReject refuses the new run while one is in flight.
	MultitaskReject MultitaskStrategy = iota
	// MultitaskEnqueue queues the new run to start after the current one finishes.
	MultitaskEnqueue
	// MultitaskInterrupt cancels the in-flight run (saving its checkpoint) and starts the new one immediately.
	MultitaskInterrupt
	// MultitaskRollback discards the in-flight run's progress since the thread's last committed checkpoint and starts the new one.
	MultitaskRollback
)

func (s MultitaskStrategy) String() string {
	switch s {
	case MultitaskEnqueue:
		return "enqueue"
	case MultitaskInterrupt:
		return "interrupt"
	case MultitaskRollback:
		return "rollback"
	default:
		return "reject"
	}
}

// StreamMode selects what a subscriber to a run's event stream receives.
type StreamMode string

const (
	// StreamValues emits the full channel-keyed State after every superstep.
	StreamValues StreamMode = "values"
	// StreamUpdates emits only the channels a superstep actually wrote.
	StreamUpdates StreamMode = "updates"
	// StreamMessages emits individual message-channel appends as they occur, for token-level streaming.
	StreamMessages StreamMode = "messages"
	// StreamDebug emits the engine's internal task/plan/write trace.
	StreamDebug StreamMode = "debug"
)

// Options bundles all Engine tuning knobs. Can be built via the With*
// functions or constructed directly and passed to New.
type Options struct {
	// RecursionLimit caps the number of supersteps a single Invoke/Resume
	// call may run before it aborts with a *RecursionLimitError. Prevents
	// unbounded loops when a conditional exit is missing or misconfigured.
	//
	// Default: 25.
	RecursionLimit int

	// MaxConcurrentTasks bounds how many tasks from one superstep run at
	// once. Each task holds the channel values it read for the duration of
	// its NodeFunc, so memory scales with this alongside task count.
	//
	// Default: 8. Set to 1 for strictly sequential task execution.
	MaxConcurrentTasks int

	// QueueDepth sets the Frontier's buffered-channel capacity for one
	// superstep's task queue. When exceeded, Enqueue blocks for up to
	// BackpressureTimeout.
	//
	// Default: 1024.
	QueueDepth int

	// BackpressureTimeout bounds how long a superstep waits for queue space
	// before giving up with an *EngineError whose Code is
	// "backpressure_timeout".
	//
	// Default: 30s.
	BackpressureTimeout time.Duration

	// DefaultTaskTimeout applies to tasks whose node has no
	// NodePolicy.Timeout override.
	//
	// Default: 30s. Zero disables the default (tasks run unbounded unless
	// they set their own policy).
	DefaultTaskTimeout time.Duration

	// RunWallClockBudget bounds the total duration of one Invoke/Resume
	// call, independent of RecursionLimit. Zero disables the budget.
	//
	// Default: 10m.
	RunWallClockBudget time.Duration

	// InterruptBefore pauses the run before executing any task whose node
	// name appears here, once that node has been planned for the current
	// superstep. Equivalent to a breakpoint set ahead of the node.
	InterruptBefore []string

	// InterruptAfter pauses the run after a task whose node name appears
	// here completes and its writes are applied, before the next
	// superstep's planning pass runs.
	InterruptAfter []string

	// MultitaskStrategy is the default conflict policy applied when a new
	// run targets a thread with one already in flight. Individual runs may
	// override it. Enforced by the runqueue, not by the Engine itself.
	//
	// Default: MultitaskReject.
	MultitaskStrategy MultitaskStrategy

	// StreamModes selects what an Engine publishes to its emitter as a run
	// progresses. Multiple modes may be active at once.
	//
	// Default: []StreamMode{StreamValues}.
	StreamModes []StreamMode

	// Metrics, if set, records Prometheus metrics for every task and
	// superstep the engine runs.
	Metrics *PrometheusMetrics

	// CostTracker, if set, is available to node functions (via context) to
	// record LLM token usage and cost.
	CostTracker *CostTracker
}

// WithRecursionLimit caps the number of supersteps one run may execute.
//
// Example:
//
//	pregel.New(checkpointer, emitter, pregel.WithRecursionLimit(100))
func WithRecursionLimit(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RecursionLimit = n
		return nil
	}
}

// WithMaxConcurrentTasks sets how many tasks from one superstep may execute
// concurrently.
//
// Tuning guidance:
//   - CPU-bound node functions: set to runtime.NumCPU().
//   - I/O-bound node functions (LLM/tool calls): 10-50 depending on the
//     downstream service's own concurrency limits.
func WithMaxConcurrentTasks(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrentTasks = n
		return nil
	}
}

// WithQueueDepth sets the capacity of each superstep's task frontier.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.QueueDepth = n
		return nil
	}
}

// WithBackpressureTimeout bounds how long a superstep waits for frontier
// queue space before returning an *EngineError with Code
// "backpressure_timeout".
func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.BackpressureTimeout = d
		return nil
	}
}

// WithDefaultTaskTimeout sets the timeout applied to tasks whose node
// doesn't declare its own NodePolicy.Timeout.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultTaskTimeout = d
		return nil
	}
}

// WithRunWallClockBudget bounds the total execution time of one
// Invoke/Resume call.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunWallClockBudget = d
		return nil
	}
}

// WithInterruptBefore pauses the run immediately before any of the named
// nodes would execute.
func WithInterruptBefore(nodes ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.InterruptBefore = append(cfg.opts.InterruptBefore, nodes...)
		return nil
	}
}

// WithInterruptAfter pauses the run immediately after any of the named
// nodes finishes and its writes are applied.
func WithInterruptAfter(nodes ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.InterruptAfter = append(cfg.opts.InterruptAfter, nodes...)
		return nil
	}
}

// WithMultitaskStrategy sets the default policy applied when a new run
// targets a thread that already has one in flight.
func WithMultitaskStrategy(strategy MultitaskStrategy) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MultitaskStrategy = strategy
		return nil
	}
}

// WithStreamModes selects which event kinds the engine publishes to its
// emitter while a run executes.
func WithStreamModes(modes ...StreamMode) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.StreamModes = append(cfg.opts.StreamModes, modes...)
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection for the engine.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := pregel.NewPrometheusMetrics(registry)
//	engine := pregel.New(checkpointer, emitter, pregel.WithMetrics(metrics))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// WithCostTracker attaches a CostTracker node functions can record LLM
// token usage and cost against via context.
func WithCostTracker(tracker *CostTracker) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.CostTracker = tracker
		return nil
	}
}

func defaultOptions() Options {
	return Options{
		RecursionLimit:      25,
		MaxConcurrentTasks:  8,
		QueueDepth:          1024,
		BackpressureTimeout: 30 * time.Second,
		DefaultTaskTimeout:  30 * time.Second,
		RunWallClockBudget:  10 * time.Minute,
		MultitaskStrategy:   MultitaskReject,
		StreamModes:         []StreamMode{StreamValues},
	}
}
