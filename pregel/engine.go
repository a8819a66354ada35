package pregel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/pregel-go/pregel/emit"
)

// contextKey namespaces values this package injects into a task's context,
// mirroring the teacher's exported RunIDKey/StepIDKey/RNGKey convention
// (pregel/engine.go) so node authors can pull execution metadata the same
// way regardless of which package wrote it.
type contextKey string

const (
	// ThreadIDKey is the context key for the thread a running task belongs to.
	ThreadIDKey contextKey = "pregel.thread_id"

	// StepKey is the context key for the current superstep number.
	StepKey contextKey = "pregel.step"

	// TaskIDKey is the context key for the current task's deterministic ID.
	TaskIDKey contextKey = "pregel.task_id"

	// AttemptKey is the context key for the current retry attempt (0-based).
	AttemptKey contextKey = "pregel.attempt"

	// RNGKey is the context key for a *rand.Rand seeded from the thread ID,
	// giving node functions deterministic randomness across replays.
	RNGKey contextKey = "pregel.rng"

	// CostTrackerKey is the context key for the engine's *CostTracker, if
	// one was installed via WithCostTracker.
	CostTrackerKey contextKey = "pregel.cost_tracker"

	// RunnableConfigKey is the context key for the RunnableConfig the
	// currently executing task was planned under, letting a subgraph node
	// (subgraph.go) derive its child namespace from the parent's.
	RunnableConfigKey contextKey = "pregel.runnable_config"
)

// initRNG seeds a deterministic RNG from a thread ID, grounded on the
// teacher's initRNG (pregel/engine.go): same thread, same random sequence,
// so a replayed run that consults ctx.Value(RNGKey) reproduces its prior
// random decisions exactly.
func initRNG(threadID string) *rand.Rand {
	h := sha256.New()
	h.Write([]byte(threadID))
	sum := h.Sum(nil)
	seed := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seeding, not security
	return rand.New(rand.NewSource(seed))           // #nosec G404 -- deterministic RNG for replay, not security
}

// Engine is the Pregel-style runtime: a registry of nodes and channel
// factories executed as a sequence of supersteps against a Checkpointer,
// generalized from the teacher's single-state Engine[S] (pregel/engine.go)
// to the channel-keyed execution model.
type Engine struct {
	mu sync.RWMutex

	nodes            map[string]*PregelNode
	channelFactories map[string]ChannelFactory

	checkpointer Checkpointer
	emitter      emit.Emitter

	metrics     *PrometheusMetrics
	costTracker *CostTracker

	opts Options
}

// New constructs an Engine bound to a Checkpointer for durable state and an
// Emitter for observability, configured by zero or more Options.
func New(checkpointer Checkpointer, emitter emit.Emitter, options ...Option) (*Engine, error) {
	if checkpointer == nil {
		return nil, &EngineError{Message: "checkpointer is required", Code: "missing_checkpointer"}
	}
	if emitter == nil {
		return nil, &EngineError{Message: "emitter is required", Code: "missing_emitter"}
	}

	cfg := &engineConfig{opts: defaultOptions()}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return &Engine{
		nodes:            make(map[string]*PregelNode),
		channelFactories: make(map[string]ChannelFactory),
		checkpointer:     checkpointer,
		emitter:          emitter,
		metrics:          cfg.opts.Metrics,
		costTracker:      cfg.opts.CostTracker,
		opts:             cfg.opts,
	}, nil
}

// Checkpointer returns the persistence backend this engine was built with,
// for callers (e.g. the runtime package's rollback multitasking strategy)
// that need to act on a thread's checkpoint history directly.
func (e *Engine) Checkpointer() Checkpointer {
	return e.checkpointer
}

// AddNode registers a node. Node names must be unique; registering the same
// name twice is a configuration error caught here rather than at run time.
func (e *Engine) AddNode(node PregelNode) error {
	if node.Name == "" {
		return &EngineError{Message: "node name is required", Code: "invalid_node"}
	}
	if node.Func == nil {
		return &EngineError{Message: fmt.Sprintf("node %q has no function", node.Name), Code: "invalid_node"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[node.Name]; exists {
		return &EngineError{Message: fmt.Sprintf("node %q already registered", node.Name), Code: "duplicate_node"}
	}

	n := node
	e.nodes[node.Name] = &n
	return nil
}

// DeclareChannel registers the factory used to build a fresh instance of a
// named channel for every new thread this engine executes.
func (e *Engine) DeclareChannel(name string, factory ChannelFactory) error {
	if name == "" {
		return &EngineError{Message: "channel name is required", Code: "invalid_channel"}
	}
	if factory == nil {
		return &EngineError{Message: fmt.Sprintf("channel %q has no factory", name), Code: "invalid_channel"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.channelFactories[name] = factory
	return nil
}

// RunStatus reports whether a run reached quiescence or paused on an
// interrupt.
type RunStatus string

const (
	// RunCompleted means the superstep loop reached quiescence: no pull or
	// push tasks remained to plan.
	RunCompleted RunStatus = "completed"
	// RunInterrupted means one or more nodes called Interrupt (or a
	// configured InterruptBefore/InterruptAfter breakpoint fired) and the
	// run is paused pending Command{Resume: ...}.
	RunInterrupted RunStatus = "interrupted"
)

// RunResult is what Invoke and Resume return: the channel-keyed state as of
// the last committed checkpoint, whether the run is done or paused, and -
// when paused - the values passed to Interrupt keyed by node name.
type RunResult struct {
	Config     RunnableConfig
	State      State
	Status     RunStatus
	Interrupts map[string]any
}

// Invoke starts a new superstep loop for config.ThreadID, applying input via
// the synthetic "__start__" pseudo-node before planning the first superstep.
// If a checkpoint already exists for this thread/namespace, input is applied
// on top of it (continuing the thread) rather than discarding its history.
func (e *Engine) Invoke(ctx context.Context, config RunnableConfig, input map[string]any) (*RunResult, error) {
	return e.run(ctx, config, input, nil)
}

// Resume continues a previously interrupted (or otherwise paused) run using
// cmd to supply the resume value, out-of-band channel updates, or explicit
// next-node scheduling.
func (e *Engine) Resume(ctx context.Context, config RunnableConfig, cmd Command) (*RunResult, error) {
	return e.run(ctx, config, nil, &cmd)
}

// run is the shared entry point behind Invoke/Resume: load-or-initialize a
// checkpoint, apply any input/Command, then loop supersteps until
// quiescence, an interrupt, or a limit is reached.
func (e *Engine) run(ctx context.Context, config RunnableConfig, input map[string]any, cmd *Command) (*RunResult, error) {
	if config.ThreadID == "" {
		return nil, &EngineError{Message: "config.ThreadID is required", Code: "missing_thread_id"}
	}

	e.mu.RLock()
	if len(e.nodes) == 0 {
		e.mu.RUnlock()
		return nil, &EngineError{Message: "engine has no registered nodes", Code: "no_nodes"}
	}
	nodes := e.nodes
	factories := e.channelFactories
	e.mu.RUnlock()

	recursionLimit := e.opts.RecursionLimit
	if config.RecursionLimit > 0 {
		recursionLimit = config.RecursionLimit
	}

	if e.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RunWallClockBudget)
		defer cancel()
	}

	rng := initRNG(config.ThreadID)
	ctx = context.WithValue(ctx, RNGKey, rng)
	ctx = context.WithValue(ctx, ThreadIDKey, config.ThreadID)
	if e.costTracker != nil {
		ctx = context.WithValue(ctx, CostTrackerKey, e.costTracker)
	}

	tuple, err := e.checkpointer.GetTuple(ctx, config)
	if err != nil {
		return nil, &CheckpointerError{Op: "GetTuple", Cause: err}
	}

	channels := make(map[string]Channel, len(factories))
	for name, factory := range factories {
		channels[name] = factory()
	}

	var checkpoint Checkpoint
	var step int
	var resumeTargets map[string]json.RawMessage
	var carriedWrites map[string][]PendingWrite
	runningConfig := config

	if tuple == nil {
		checkpoint = Checkpoint{
			ChannelValues:   make(map[string]json.RawMessage),
			ChannelVersions: make(map[string]string),
			VersionsSeen:    make(map[string]map[string]string),
		}
		step = 0
	} else {
		checkpoint = tuple.Checkpoint
		runningConfig = tuple.Config
		step = tuple.Metadata.Step
		resumeTargets = checkpoint.Interrupts

		for name, raw := range checkpoint.ChannelValues {
			ch, ok := channels[name]
			if !ok {
				continue
			}
			if err := ch.FromCheckpoint(raw); err != nil {
				return nil, &EngineError{Message: fmt.Sprintf("restoring channel %q: %v", name, err), Code: "checkpoint_restore_failed"}
			}
		}

		// tuple.PendingWrites holds results from tasks that finished before a
		// prior attempt at this same step errored or crashed without
		// committing. They apply only to the very next superstep planned on
		// top of this checkpoint - task IDs are derived from checkpoint ID
		// and step (task.go computeTaskID), so they stop matching as soon as
		// that superstep produces a new checkpoint.
		if len(tuple.PendingWrites) > 0 {
			carriedWrites = groupPendingWritesByTask(tuple.PendingWrites)
		}
	}

	if checkpoint.ChannelValues == nil {
		checkpoint.ChannelValues = make(map[string]json.RawMessage)
	}
	if checkpoint.ChannelVersions == nil {
		checkpoint.ChannelVersions = make(map[string]string)
	}
	if checkpoint.VersionsSeen == nil {
		checkpoint.VersionsSeen = make(map[string]map[string]string)
	}

	var resume resumeValue
	if cmd != nil && len(resumeTargets) > 0 {
		resume = resumeValue{present: true, value: cmd.Resume}
	}

	if input != nil {
		if err := e.applyStartWrites(channels, &checkpoint, input); err != nil {
			return nil, err
		}
		runningConfig, checkpoint, err = e.commit(ctx, runningConfig, channels, checkpoint, CheckpointMetadata{Source: "input", Step: step})
		if err != nil {
			return nil, err
		}
	}

	if cmd != nil {
		if len(cmd.Update) > 0 {
			if err := e.applyStartWrites(channels, &checkpoint, cmd.Update); err != nil {
				return nil, err
			}
			runningConfig, checkpoint, err = e.commit(ctx, runningConfig, channels, checkpoint, CheckpointMetadata{Source: "update", Step: step})
			if err != nil {
				return nil, err
			}
			// An update-only command stops at the "update" checkpoint; no node runs.
			if cmd.Resume == nil && len(cmd.Goto) == 0 {
				status := RunCompleted
				if len(checkpoint.Interrupts) > 0 {
					status = RunInterrupted
				}
				return &RunResult{Config: runningConfig, State: snapshotState(channels), Status: status}, nil
			}
		}
		for i, send := range cmd.Goto {
			payload, merr := json.Marshal(send.Payload)
			if merr != nil {
				return nil, fmt.Errorf("marshal Command.Goto[%d] payload: %w", i, merr)
			}
			checkpoint.PendingSends = append(checkpoint.PendingSends, PendingSend{Node: send.To, Payload: payload})
		}
		// A successful resume clears the checkpoint's interrupt record for
		// every node about to be retried; if it interrupts again the
		// superstep loop below repopulates it.
		checkpoint.Interrupts = nil
	}

	for {
		step++

		if recursionLimit > 0 && step > recursionLimit {
			return nil, &RecursionLimitError{Limit: recursionLimit}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pullTasks, err := planPullTasks(nodes, channels, checkpoint.ChannelVersions, checkpoint.VersionsSeen, runningConfig.CheckpointID, step)
		if err != nil {
			return nil, err
		}
		pushTasks, err := planPushTasks(nodes, checkpoint.PendingSends, runningConfig.CheckpointID, step)
		if err != nil {
			return nil, err
		}
		checkpoint.PendingSends = nil

		tasks := append(pullTasks, pushTasks...)
		for i := range tasks {
			tasks[i].Config = runningConfig
		}
		if len(tasks) == 0 {
			return &RunResult{Config: runningConfig, State: snapshotState(channels), Status: RunCompleted}, nil
		}

		if err := checkSubgraphConflicts(tasks, runningConfig.CheckpointNS); err != nil {
			return nil, err
		}

		if before := e.interruptBeforeTasks(tasks); len(before) > 0 {
			interrupts := make(map[string]json.RawMessage, len(before))
			for _, t := range before {
				interrupts[t.Node.Name] = marshalInterruptValue(t.Input)
			}
			return e.commitInterrupted(ctx, runningConfig, channels, checkpoint, step, interrupts)
		}

		superstepStart := time.Now()

		results, interrupted, err := e.executeSuperstep(ctx, runningConfig, tasks, resumeTargets, resume, carriedWrites)
		resume = resumeValue{}
		resumeTargets = nil
		carriedWrites = nil
		if err != nil {
			return nil, err
		}

		if e.metrics != nil {
			e.metrics.RecordSuperstepLatency(config.ThreadID, time.Since(superstepStart))
		}

		writesByChannel := make(map[string][]any)
		var completed []Task
		writeSummary := make(map[string]any)
		for _, res := range results {
			completed = append(completed, res.task)
			for _, w := range res.writes {
				if err := e.validateWrite(res.task.Node, w.Channel); err != nil {
					return nil, err
				}
				writesByChannel[w.Channel] = append(writesByChannel[w.Channel], w.Value)
				writeSummary[w.Channel] = w.Value
			}
			for i, send := range res.sends {
				payload, merr := json.Marshal(send.Payload)
				if merr != nil {
					return nil, fmt.Errorf("marshal send[%d] from node %q: %w", i, res.task.Node.Name, merr)
				}
				checkpoint.PendingSends = append(checkpoint.PendingSends, PendingSend{Node: send.To, Payload: payload})
			}
		}

		// versions_seen records the versions the step's tasks read, not the
		// versions their own writes produce.
		consumed := make(map[string]string, len(checkpoint.ChannelVersions))
		for name, version := range checkpoint.ChannelVersions {
			consumed[name] = version
		}

		for _, name := range sortedWriteChannels(writesByChannel) {
			ch, ok := channels[name]
			if !ok {
				return nil, &NotFoundError{Kind: "channel", ID: name}
			}
			if err := ch.Update(writesByChannel[name]); err != nil {
				return nil, err
			}
			checkpoint.ChannelVersions[name] = e.checkpointer.NextVersion(checkpoint.ChannelVersions[name])
		}

		updateVersionsSeen(checkpoint.VersionsSeen, completed, consumed)

		if len(interrupted) > 0 {
			interrupts := make(map[string]json.RawMessage, len(interrupted))
			for _, gi := range interrupted {
				interrupts[gi.NodeName] = marshalInterruptValue(gi.Value)
				if e.metrics != nil {
					e.metrics.RecordInterrupt(config.ThreadID, gi.NodeName)
				}
			}
			return e.commitInterrupted(ctx, runningConfig, channels, checkpoint, step, interrupts)
		}

		if names := e.interruptAfterNames(completed); len(names) > 0 {
			placeholder := make(map[string]json.RawMessage, len(names))
			for _, name := range names {
				placeholder[name] = json.RawMessage("null")
			}
			return e.commitInterrupted(ctx, runningConfig, channels, checkpoint, step, placeholder)
		}

		runningConfig, checkpoint, err = e.commit(ctx, runningConfig, channels, checkpoint, CheckpointMetadata{
			Source: "loop",
			Step:   step,
			Writes: writeSummary,
		})
		if err != nil {
			return nil, err
		}

		e.publishStreamEvents(runningConfig, channels, step, writeSummary)
	}
}

// publishStreamEvents emits one event per configured StreamMode after a
// superstep commits, so a subscriber requesting "updates" sees only what
// this step wrote while one requesting "values" gets the full snapshot,
// without the engine needing to know who's listening.
func (e *Engine) publishStreamEvents(config RunnableConfig, channels map[string]Channel, step int, writes map[string]any) {
	for _, mode := range e.opts.StreamModes {
		switch mode {
		case StreamValues:
			e.emitter.Emit(emit.Event{
				RunID:     config.ThreadID,
				Step:      step,
				Namespace: config.CheckpointNS,
				Mode:      string(StreamValues),
				Msg:       "values",
				Meta:      map[string]interface{}{"state": map[string]any(snapshotState(channels))},
			})
		case StreamUpdates:
			if len(writes) == 0 {
				continue
			}
			e.emitter.Emit(emit.Event{
				RunID:     config.ThreadID,
				Step:      step,
				Namespace: config.CheckpointNS,
				Mode:      string(StreamUpdates),
				Msg:       "updates",
				Meta:      map[string]interface{}{"writes": writes},
			})
		}
	}
}

// applyStartWrites applies a map of channel name -> raw value via the
// synthetic "__start__" pseudo-node, the same path Invoke's input and
// Command.Update share, per spec.md's treatment of external writes as an
// unconditional superstep with no node attached.
func (e *Engine) applyStartWrites(channels map[string]Channel, checkpoint *Checkpoint, values map[string]any) error {
	for _, name := range sortedMapKeys(values) {
		ch, ok := channels[name]
		if !ok {
			return &NotFoundError{Kind: "channel", ID: name}
		}
		if err := ch.Update([]any{values[name]}); err != nil {
			return err
		}
		checkpoint.ChannelVersions[name] = e.checkpointer.NextVersion(checkpoint.ChannelVersions[name])
	}
	return nil
}

// commit serializes every channel's current value into the checkpoint and
// writes it to the Checkpointer, returning the config that now addresses it
// along with the checkpoint carrying its freshly-assigned ID and values.
func (e *Engine) commit(ctx context.Context, config RunnableConfig, channels map[string]Channel, checkpoint Checkpoint, metadata CheckpointMetadata) (RunnableConfig, Checkpoint, error) {
	values := make(map[string]json.RawMessage, len(channels))
	for _, name := range sortedChannelNames(channels) {
		raw, err := channels[name].Checkpoint()
		if err != nil {
			return config, checkpoint, fmt.Errorf("serializing channel %q: %w", name, err)
		}
		if raw != nil {
			values[name] = raw
		}
	}
	checkpoint.ChannelValues = values
	checkpoint.Timestamp = checkpointTimestamp(ctx)

	newConfig, err := e.checkpointer.Put(ctx, config, checkpoint, metadata)
	if err != nil {
		return config, checkpoint, &CheckpointerError{Op: "Put", Cause: err}
	}
	if e.metrics != nil {
		e.metrics.RecordCheckpoint(config.ThreadID, metadata.Source)
	}
	checkpoint.ID = newConfig.CheckpointID

	e.emitter.Emit(emit.Event{
		RunID:     config.ThreadID,
		Step:      metadata.Step,
		Namespace: config.CheckpointNS,
		Mode:      string(StreamDebug),
		Msg:       "checkpoint_" + metadata.Source,
		Meta:      map[string]interface{}{"checkpoint_id": newConfig.CheckpointID},
	})

	return newConfig, checkpoint, nil
}

// commitInterrupted records interrupts on the checkpoint, commits it, and
// returns an interrupted RunResult to the caller.
func (e *Engine) commitInterrupted(ctx context.Context, config RunnableConfig, channels map[string]Channel, checkpoint Checkpoint, step int, interrupts map[string]json.RawMessage) (*RunResult, error) {
	checkpoint.Interrupts = interrupts
	newConfig, _, err := e.commit(ctx, config, channels, checkpoint, CheckpointMetadata{Source: "loop", Step: step})
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(interrupts))
	for name, raw := range interrupts {
		v, _ := decodeChannelValue(raw)
		values[name] = v
	}

	return &RunResult{Config: newConfig, State: snapshotState(channels), Status: RunInterrupted, Interrupts: values}, nil
}

// checkpointTimestamp returns the current time; pulled into a seam so tests
// exercising checkpoint determinism can, in principle, stub it, and so the
// timestamp lives in one place rather than being called ad hoc.
func checkpointTimestamp(ctx context.Context) time.Time {
	if v := ctx.Value(clockContextKey{}); v != nil {
		if fn, ok := v.(func() time.Time); ok {
			return fn()
		}
	}
	return time.Now()
}

type clockContextKey struct{}

type taskResult struct {
	task   Task
	writes []ChannelWrite
	sends  []Send
}

// executeSuperstep runs every planned task for one superstep, bounded to
// opts.MaxConcurrentTasks via the Frontier scheduler (scheduler.go),
// collecting either a completed result or a GraphInterrupt per task. Every
// task runs to completion regardless of a sibling's outcome: a node-level
// error still fails the superstep overall (the checkpoint committed at the
// end of run() is all-or-nothing), but each task's writes are persisted via
// checkpointer.PutWrites as soon as that task finishes, success or error, so
// a replanned retry of the same step can skip re-invoking whichever tasks
// already completed. carried supplies those previously persisted writes,
// keyed by task ID, when this superstep is retrying one that errored before
// committing; it is nil on a fresh step.
func (e *Engine) executeSuperstep(
	ctx context.Context,
	config RunnableConfig,
	tasks []Task,
	resumeTargets map[string]json.RawMessage,
	resume resumeValue,
	carried map[string][]PendingWrite,
) ([]taskResult, []*GraphInterrupt, error) {
	concurrency := e.opts.MaxConcurrentTasks
	if concurrency <= 0 {
		concurrency = 1
	}
	queueDepth := e.opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = len(tasks)
		if queueDepth == 0 {
			queueDepth = 1
		}
	}

	frontier := NewFrontier(queueDepth)
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	enqueueErrCh := make(chan error, 1)
	go func() {
		for _, task := range tasks {
			bpCtx := stepCtx
			var bpCancel context.CancelFunc
			if e.opts.BackpressureTimeout > 0 {
				bpCtx, bpCancel = context.WithTimeout(stepCtx, e.opts.BackpressureTimeout)
			}
			err := frontier.Enqueue(bpCtx, task)
			if bpCancel != nil {
				bpCancel()
			}
			if err != nil {
				if e.metrics != nil {
					e.metrics.IncrementBackpressure(config.ThreadID, "frontier_enqueue_timeout")
				}
				select {
				case enqueueErrCh <- &EngineError{Message: "backpressure timeout enqueuing task: " + err.Error(), Code: "backpressure_timeout"}:
				default:
				}
				return
			}
		}
	}()

	results := make([]taskResult, 0, len(tasks))
	var interrupted []*GraphInterrupt
	var mu sync.Mutex
	var firstErr error
	var processed atomic.Int64
	total := int64(len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for processed.Load() < total {
				task, err := frontier.Dequeue(stepCtx)
				if err != nil {
					return
				}

				if writes, ok := carried[task.ID]; ok {
					if cached, ok := carriedTaskResult(task, writes); ok {
						mu.Lock()
						results = append(results, cached)
						mu.Unlock()
						if processed.Add(1) >= total {
							cancel()
							return
						}
						continue
					}
				}

				var taskResume resumeValue
				if resume.present {
					if _, targeted := resumeTargets[task.Node.Name]; targeted {
						taskResume = resume
					}
				}

				writes, sends, gi, terr := e.runTask(stepCtx, task, taskResume)

				if config.CheckpointID != "" && gi == nil {
					var pending []PendingWrite
					if terr != nil {
						pending = []PendingWrite{taskErrorPendingWrite(task, terr)}
					} else {
						var merr error
						pending, merr = taskPendingWrites(task, writes, sends)
						if merr != nil {
							mu.Lock()
							if firstErr == nil {
								firstErr = merr
							}
							mu.Unlock()
						}
					}
					if len(pending) > 0 {
						if perr := e.checkpointer.PutWrites(stepCtx, config, pending); perr != nil {
							mu.Lock()
							if firstErr == nil {
								firstErr = &CheckpointerError{Op: "PutWrites", Cause: perr}
							}
							mu.Unlock()
						}
					}
				}

				mu.Lock()
				if gi != nil {
					interrupted = append(interrupted, gi)
				} else if terr != nil {
					if firstErr == nil {
						firstErr = &NodeError{Message: terr.Error(), Code: "node_failed", NodeID: task.Node.Name, Cause: terr}
					}
				} else {
					results = append(results, taskResult{task: task, writes: writes, sends: sends})
				}
				mu.Unlock()

				if processed.Add(1) >= total {
					// Release workers still blocked in Dequeue.
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-enqueueErrCh:
		if firstErr == nil {
			firstErr = err
		}
	default:
	}

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return results, interrupted, nil
}

// runTask executes one task with timeout enforcement, retry handling per
// its node's NodePolicy, and interrupt recovery. Grounded on the teacher's
// retry loop (computeBackoff, PrometheusMetrics.IncrementRetries) adapted
// from per-run retries to per-task retries.
func (e *Engine) runTask(ctx context.Context, task Task, resume resumeValue) (writes []ChannelWrite, sends []Send, interrupted *GraphInterrupt, err error) {
	taskCtx := withTaskContext(ctx, task.Node.Name, resume)
	taskCtx = context.WithValue(taskCtx, TaskIDKey, task.ID)
	taskCtx = context.WithValue(taskCtx, RunnableConfigKey, task.Config)

	var retryPolicy *RetryPolicy
	maxAttempts := 1
	if task.Node.Policy != nil && task.Node.Policy.RetryPolicy != nil {
		retryPolicy = task.Node.Policy.RetryPolicy
		if retryPolicy.MaxAttempts > 0 {
			maxAttempts = retryPolicy.MaxAttempts
		}
	}

	rng, _ := ctx.Value(RNGKey).(*rand.Rand)

	e.emitter.Emit(emit.Event{
		RunID:     task.Config.ThreadID,
		NodeID:    task.Node.Name,
		Namespace: task.Config.CheckpointNS,
		Msg:       "node_start",
	})

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attemptCtx := context.WithValue(taskCtx, AttemptKey, attempt)

		writes, sends, interrupted, err = e.attemptTask(attemptCtx, task)
		if interrupted != nil {
			e.emitter.Emit(emit.Event{
				RunID:     task.Config.ThreadID,
				NodeID:    task.Node.Name,
				Namespace: task.Config.CheckpointNS,
				Msg:       "node_interrupt",
			})
			return nil, nil, interrupted, nil
		}
		if err == nil {
			e.emitter.Emit(emit.Event{
				RunID:     task.Config.ThreadID,
				NodeID:    task.Node.Name,
				Namespace: task.Config.CheckpointNS,
				Msg:       "node_end",
			})
			return writes, sends, nil, nil
		}

		lastErr = err
		if retryPolicy == nil || retryPolicy.Retryable == nil || !retryPolicy.Retryable(err) {
			break
		}
		if e.metrics != nil {
			e.metrics.IncrementRetries(task.Config.ThreadID, task.Node.Name, "error")
		}
		if attempt < maxAttempts-1 {
			delay := computeBackoff(attempt, retryPolicy.BaseDelay, retryPolicy.MaxDelay, rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, nil, ctx.Err()
			}
		}
	}
	e.emitter.Emit(emit.Event{
		RunID:     task.Config.ThreadID,
		NodeID:    task.Node.Name,
		Namespace: task.Config.CheckpointNS,
		Msg:       "node_error",
		Meta:      map[string]interface{}{"error": lastErr.Error()},
	})
	return nil, nil, nil, lastErr
}

// attemptTask runs a single attempt, recovering a *GraphInterrupt panic
// (command.go's Interrupt) so it propagates to the caller as a typed value
// instead of unwinding the whole run.
func (e *Engine) attemptTask(ctx context.Context, task Task) (writes []ChannelWrite, sends []Send, interrupted *GraphInterrupt, err error) {
	defer func() {
		if r := recover(); r != nil {
			if gi, ok := r.(*GraphInterrupt); ok {
				interrupted = gi
				return
			}
			err = fmt.Errorf("node %q panicked: %v", task.Node.Name, r)
		}
	}()
	writes, sends, err = executeTaskWithTimeout(ctx, task, e.opts.DefaultTaskTimeout)
	return writes, sends, nil, err
}

// validateWrite checks a ChannelWrite against its node's declared Writes
// set, when the node declared one. Nodes that leave Writes empty may write
// any channel, matching the looser default most of the examples in the
// corpus use for quick prototyping.
func (e *Engine) validateWrite(node *PregelNode, channel string) error {
	if len(node.Writes) == 0 {
		return nil
	}
	for _, w := range node.Writes {
		if w == channel {
			return nil
		}
	}
	return &InvalidUpdateError{Channel: channel, Reason: fmt.Sprintf("node %q did not declare it writes this channel", node.Name)}
}

// interruptBeforeTasks returns the subset of tasks whose node is named in
// Options.InterruptBefore.
func (e *Engine) interruptBeforeTasks(tasks []Task) []Task {
	if len(e.opts.InterruptBefore) == 0 {
		return nil
	}
	set := make(map[string]bool, len(e.opts.InterruptBefore))
	for _, n := range e.opts.InterruptBefore {
		set[n] = true
	}
	var out []Task
	for _, t := range tasks {
		if set[t.Node.Name] {
			out = append(out, t)
		}
	}
	return out
}

// interruptAfterNames returns the node names among completed tasks that
// appear in Options.InterruptAfter.
func (e *Engine) interruptAfterNames(completed []Task) []string {
	if len(e.opts.InterruptAfter) == 0 {
		return nil
	}
	set := make(map[string]bool, len(e.opts.InterruptAfter))
	for _, n := range e.opts.InterruptAfter {
		set[n] = true
	}
	var names []string
	for _, t := range completed {
		if set[t.Node.Name] {
			names = append(names, t.Node.Name)
		}
	}
	return names
}

// groupPendingWritesByTask indexes a checkpoint tuple's PendingWrites by the
// task that produced them, so a replanned superstep can look up what (if
// anything) a given task already persisted before a prior attempt errored.
func groupPendingWritesByTask(writes []PendingWrite) map[string][]PendingWrite {
	byTask := make(map[string][]PendingWrite, len(writes))
	for _, w := range writes {
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	return byTask
}

// taskPendingWrites converts a successfully completed task's writes and
// sends into the PendingWrite rows persisted for it via PutWrites, tagging
// sends with pendingWriteSendChannel since they aren't channel writes.
func taskPendingWrites(task Task, writes []ChannelWrite, sends []Send) ([]PendingWrite, error) {
	out := make([]PendingWrite, 0, len(writes)+len(sends))
	for _, w := range writes {
		raw, err := json.Marshal(w.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal pending write for task %q channel %q: %w", task.ID, w.Channel, err)
		}
		out = append(out, PendingWrite{TaskID: task.ID, Channel: w.Channel, Value: raw})
	}
	for _, s := range sends {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal pending send for task %q: %w", task.ID, err)
		}
		out = append(out, PendingWrite{TaskID: task.ID, Channel: pendingWriteSendChannel, Value: raw})
	}
	return out, nil
}

// taskErrorPendingWrite builds the sentinel PendingWrite recorded for a task
// whose function returned an error, so a replanned attempt at the same step
// knows this task has not produced a usable result and must be re-invoked.
func taskErrorPendingWrite(task Task, taskErr error) PendingWrite {
	return PendingWrite{
		TaskID:  task.ID,
		Channel: pendingWriteErrorChannel,
		Value:   json.RawMessage(fmt.Sprintf("%q", taskErr.Error())),
	}
}

// carriedTaskResult reconstructs a task's result from PendingWrite rows
// persisted during a prior attempt at the same superstep, so executeSuperstep
// can skip re-invoking its NodeFunc. ok is false if the persisted rows
// instead record that the task errored (pendingWriteErrorChannel), meaning it
// must be retried rather than replayed from what was recorded.
func carriedTaskResult(task Task, writes []PendingWrite) (taskResult, bool) {
	result := taskResult{task: task}
	for _, w := range writes {
		switch w.Channel {
		case pendingWriteErrorChannel:
			return taskResult{}, false
		case pendingWriteSendChannel:
			var send Send
			if err := json.Unmarshal(w.Value, &send); err != nil {
				return taskResult{}, false
			}
			result.sends = append(result.sends, send)
		default:
			v, err := decodeChannelValue(w.Value)
			if err != nil {
				return taskResult{}, false
			}
			result.writes = append(result.writes, ChannelWrite{Channel: w.Channel, Value: v})
		}
	}
	return result, true
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedWriteChannels(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
