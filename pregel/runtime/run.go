package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/emit"
	"github.com/dshills/pregel-go/pregel/store"
)

// Manager submits runs against registered assistants, enforcing each
// thread's multitasking strategy and keeping the thread/run registry
// (store.ThreadStore) in sync with what the engine actually did.
type Manager struct {
	store     store.ThreadStore
	registry  *Registry
	emitter   emit.Emitter
	inFlight  *inFlightRegistry
	queueLoop *queueDrainer
}

// NewManager wires a thread store and assistant registry into a run
// submission point. emitter may be nil, in which case run-level lifecycle
// events are not published (per-node events still flow through whatever
// emitter the engine itself was built with).
func NewManager(threadStore store.ThreadStore, registry *Registry, emitter emit.Emitter) *Manager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	m := &Manager{
		store:    threadStore,
		registry: registry,
		emitter:  emitter,
		inFlight: newInFlightRegistry(),
	}
	m.queueLoop = newQueueDrainer(m)
	return m
}

// SubmitInput starts a new run against assistantID on threadID with input,
// applying strategy to decide what happens if threadID already has a run
// in flight. It returns as soon as the run reaches completion, interruption,
// or (under MultitaskEnqueue) is durably queued to run later.
func (m *Manager) SubmitInput(ctx context.Context, threadID, assistantID string, input map[string]any, strategy pregel.MultitaskStrategy) (store.Run, *pregel.RunResult, error) {
	return m.submit(ctx, threadID, assistantID, strategy, func(runCtx context.Context, engine *pregel.Engine, cfg pregel.RunnableConfig) (*pregel.RunResult, error) {
		return engine.Invoke(runCtx, cfg, input)
	})
}

// SubmitResume resumes threadID's interrupted run with cmd, under the same
// multitasking strategy semantics as SubmitInput.
func (m *Manager) SubmitResume(ctx context.Context, threadID, assistantID string, cmd pregel.Command, strategy pregel.MultitaskStrategy) (store.Run, *pregel.RunResult, error) {
	return m.submit(ctx, threadID, assistantID, strategy, func(runCtx context.Context, engine *pregel.Engine, cfg pregel.RunnableConfig) (*pregel.RunResult, error) {
		return engine.Resume(runCtx, cfg, cmd)
	})
}

type engineCall func(ctx context.Context, engine *pregel.Engine, cfg pregel.RunnableConfig) (*pregel.RunResult, error)

func (m *Manager) submit(ctx context.Context, threadID, assistantID string, strategy pregel.MultitaskStrategy, call engineCall) (store.Run, *pregel.RunResult, error) {
	assistant, err := m.registry.Lookup(assistantID)
	if err != nil {
		return store.Run{}, nil, err
	}

	if _, err := m.store.GetThread(ctx, threadID); errors.Is(err, store.ErrNotFound) {
		if _, err := m.store.CreateThread(ctx, threadID, nil); err != nil {
			return store.Run{}, nil, fmt.Errorf("runtime: auto-creating thread %q: %w", threadID, err)
		}
	} else if err != nil {
		return store.Run{}, nil, err
	}

	run, err := m.store.CreateRun(ctx, store.Run{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		AssistantID: assistantID,
		Status:      store.RunStatusPending,
	})
	if err != nil {
		return store.Run{}, nil, fmt.Errorf("runtime: creating run: %w", err)
	}

	switch strategy {
	case pregel.MultitaskReject:
		if m.inFlight.busy(threadID) {
			_ = m.store.UpdateRunStatus(ctx, run.ID, store.RunStatusError)
			return run, nil, ErrRunInFlight
		}
	case pregel.MultitaskEnqueue:
		if m.inFlight.busy(threadID) {
			if err := m.store.EnqueueRun(ctx, threadID, run.ID); err != nil {
				return run, nil, fmt.Errorf("runtime: enqueueing run: %w", err)
			}
			m.emitter.Emit(emit.Event{RunID: run.ID, Msg: "run_queued"})
			return run, nil, nil
		}
	case pregel.MultitaskInterrupt:
		m.inFlight.preempt(threadID)
	case pregel.MultitaskRollback:
		if startConfig, preempted := m.inFlight.preempt(threadID); preempted {
			if err := m.rollback(ctx, assistant, threadID, startConfig); err != nil {
				return run, nil, fmt.Errorf("runtime: rolling back thread %q: %w", threadID, err)
			}
		}
	default:
		return run, nil, fmt.Errorf("runtime: unknown multitasking strategy %v", strategy)
	}

	return m.execute(ctx, assistant, run, call)
}

// rollback discards exactly the checkpoints a preempted run produced,
// leaving any history from earlier, already-finished runs on threadID
// intact. If startConfig has no CheckpointID, the preempted run began on a
// thread with no prior checkpoint at all, so there is nothing to preserve
// and the whole thread is cleared.
func (m *Manager) rollback(ctx context.Context, assistant *Assistant, threadID string, startConfig pregel.RunnableConfig) error {
	if startConfig.CheckpointID == "" {
		return assistant.Engine.Checkpointer().DeleteThread(ctx, threadID)
	}
	return assistant.Engine.Checkpointer().DeleteAfter(ctx, startConfig)
}

func (m *Manager) execute(ctx context.Context, assistant *Assistant, run store.Run, call engineCall) (store.Run, *pregel.RunResult, error) {
	startConfig := pregel.RunnableConfig{ThreadID: run.ThreadID}
	if tuple, err := assistant.Engine.Checkpointer().GetTuple(ctx, startConfig); err == nil && tuple != nil {
		startConfig = tuple.Config
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry, ok := m.inFlight.tryAcquire(run.ThreadID, run.ID, cancel, startConfig)
	if !ok {
		cancel()
		return run, nil, ErrRunInFlight
	}
	defer m.inFlight.finish(run.ThreadID, entry)

	_ = m.store.UpdateRunStatus(ctx, run.ID, store.RunStatusRunning)
	m.emitter.Emit(emit.Event{RunID: run.ID, Msg: "run_started"})
	started := clockNow()

	cfg := pregel.RunnableConfig{ThreadID: run.ThreadID}
	result, err := call(runCtx, assistant.Engine, cfg)

	meta := map[string]interface{}{"duration_ms": clockNow().Sub(started).Milliseconds()}
	switch {
	case err != nil:
		_ = m.store.UpdateRunStatus(ctx, run.ID, store.RunStatusError)
		meta["error"] = err.Error()
		m.emitter.Emit(emit.Event{RunID: run.ID, Msg: "run_error", Meta: meta})
		m.queueLoop.promoteNext(ctx, assistant, run.ThreadID, call)
		return run, nil, err
	case result.Status == pregel.RunInterrupted:
		_ = m.store.UpdateRunStatus(ctx, run.ID, store.RunStatusInterrupted)
		m.emitter.Emit(emit.Event{RunID: run.ID, Msg: "run_interrupted", Meta: meta})
	default:
		_ = m.store.UpdateRunStatus(ctx, run.ID, store.RunStatusCompleted)
		m.emitter.Emit(emit.Event{RunID: run.ID, Msg: "run_completed", Meta: meta})
		m.queueLoop.promoteNext(ctx, assistant, run.ThreadID, call)
	}

	run, _ = m.store.GetRun(ctx, run.ID)
	return run, result, nil
}

// Cancel preempts threadID's in-flight run, if any, the same way
// MultitaskInterrupt does, without submitting a replacement run. Returns
// false if the thread had no active run to cancel.
func (m *Manager) Cancel(threadID string) bool {
	_, preempted := m.inFlight.preempt(threadID)
	return preempted
}

var clockNow = time.Now
