package pregel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dshills/pregel-go/pregel/emit"
)

func newTestEngine(t *testing.T, options ...Option) *Engine {
	t.Helper()
	engine, err := New(NewMemoryCheckpointer(), emit.NewNullEmitter(), options...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

// doubler reads "input" and writes double its value to "output", never
// touching "input" again so the pull planner doesn't re-fire it forever.
func doublerNode() PregelNode {
	return PregelNode{
		Name:     "doubler",
		Channels: []string{"input"},
		Writes:   []string{"output"},
		Func: func(_ context.Context, input any) ([]ChannelWrite, []Send, error) {
			n, _ := input.(float64)
			return []ChannelWrite{Write("output", n * 2)}, nil, nil
		},
	}
}

func buildDoublerEngine(t *testing.T, options ...Option) *Engine {
	t.Helper()
	engine := newTestEngine(t, options...)
	if err := engine.AddNode(doublerNode()); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := engine.DeclareChannel("input", func() Channel { return NewLastValueChannel() }); err != nil {
		t.Fatalf("DeclareChannel(input): %v", err)
	}
	if err := engine.DeclareChannel("output", func() Channel { return NewLastValueChannel() }); err != nil {
		t.Fatalf("DeclareChannel(output): %v", err)
	}
	return engine
}

func TestEngine_Invoke_RunsUntilQuiescenceAndCommitsOutput(t *testing.T) {
	engine := buildDoublerEngine(t)

	result, err := engine.Invoke(context.Background(), RunnableConfig{ThreadID: "t1"}, map[string]any{"input": 21.0})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("Status = %v, want RunCompleted", result.Status)
	}
	if got := result.State["output"]; got != 42.0 {
		t.Errorf("State[output] = %v, want 42", got)
	}
}

func TestEngine_Invoke_ContinuesExistingThreadRatherThanResetting(t *testing.T) {
	engine := buildDoublerEngine(t)
	ctx := context.Background()
	config := RunnableConfig{ThreadID: "t-continue"}

	if _, err := engine.Invoke(ctx, config, map[string]any{"input": 2.0}); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	result, err := engine.Invoke(ctx, config, map[string]any{"input": 10.0})
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if got := result.State["output"]; got != 20.0 {
		t.Errorf("State[output] after second Invoke = %v, want 20 (fresh trigger, not accumulated)", got)
	}
}

func TestEngine_Invoke_MissingThreadIDIsAnError(t *testing.T) {
	engine := buildDoublerEngine(t)
	if _, err := engine.Invoke(context.Background(), RunnableConfig{}, map[string]any{"input": 1.0}); err == nil {
		t.Error("Invoke with empty ThreadID should fail")
	}
}

func TestEngine_Invoke_NoRegisteredNodesIsAnError(t *testing.T) {
	engine := newTestEngine(t)
	if _, err := engine.Invoke(context.Background(), RunnableConfig{ThreadID: "t1"}, map[string]any{}); err == nil {
		t.Error("Invoke against an engine with no nodes should fail")
	}
}

func TestEngine_AddNode_RejectsDuplicateNames(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.AddNode(doublerNode()); err != nil {
		t.Fatalf("first AddNode: %v", err)
	}
	if err := engine.AddNode(doublerNode()); err == nil {
		t.Error("AddNode with a name already registered should fail")
	}
}

func TestEngine_AddNode_RequiresNameAndFunc(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.AddNode(PregelNode{Func: func(context.Context, any) ([]ChannelWrite, []Send, error) { return nil, nil, nil }}); err == nil {
		t.Error("AddNode with empty name should fail")
	}
	if err := engine.AddNode(PregelNode{Name: "no-func"}); err == nil {
		t.Error("AddNode with nil Func should fail")
	}
}

func TestEngine_InterruptAndResume_RoundTrips(t *testing.T) {
	engine := newTestEngine(t)
	gate := PregelNode{
		Name:     "gate",
		Channels: []string{"input"},
		Writes:   []string{"output"},
		Func: func(ctx context.Context, input any) ([]ChannelWrite, []Send, error) {
			approved := Interrupt(ctx, "need approval")
			ok, _ := approved.(bool)
			if !ok {
				return []ChannelWrite{Write("output", "rejected")}, nil, nil
			}
			return []ChannelWrite{Write("output", "approved")}, nil, nil
		},
	}
	if err := engine.AddNode(gate); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := engine.DeclareChannel("input", func() Channel { return NewLastValueChannel() }); err != nil {
		t.Fatalf("DeclareChannel(input): %v", err)
	}
	if err := engine.DeclareChannel("output", func() Channel { return NewLastValueChannel() }); err != nil {
		t.Fatalf("DeclareChannel(output): %v", err)
	}

	ctx := context.Background()
	config := RunnableConfig{ThreadID: "t-interrupt"}

	result, err := engine.Invoke(ctx, config, map[string]any{"input": "go"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Status != RunInterrupted {
		t.Fatalf("Status = %v, want RunInterrupted", result.Status)
	}
	if _, ok := result.Interrupts["gate"]; !ok {
		t.Fatalf("Interrupts = %+v, want an entry for node gate", result.Interrupts)
	}

	resumed, err := engine.Resume(ctx, result.Config, Command{Resume: true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != RunCompleted {
		t.Fatalf("Status after Resume = %v, want RunCompleted", resumed.Status)
	}
	if got := resumed.State["output"]; got != "approved" {
		t.Errorf("State[output] after Resume = %v, want approved", got)
	}
}

func TestEngine_Resume_CommandUpdateAppliesWithoutRunningANode(t *testing.T) {
	engine := buildDoublerEngine(t)
	ctx := context.Background()
	config := RunnableConfig{ThreadID: "t-update"}

	if _, err := engine.Invoke(ctx, config, map[string]any{"input": 1.0}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	result, err := engine.Resume(ctx, config, Command{Update: map[string]any{"input": 4.0}})
	if err != nil {
		t.Fatalf("Resume with Command.Update: %v", err)
	}
	if got := result.State["input"]; got != 4.0 {
		t.Errorf("State[input] after Command.Update = %v, want 4", got)
	}
	if got := result.State["output"]; got != 2.0 {
		t.Errorf("State[output] after Command.Update = %v, want 2 (no node runs)", got)
	}
}

// TestEngine_Invoke_ResumeAfterSiblingErrorDoesNotReRunCompletedTask exercises
// the superstep-level recovery PutWrites exists for: two parallel tasks
// planned on the same step, one succeeds and one errors. The failed
// superstep must not discard the succeeding task's output, and replanning
// the identical step on resume must not re-invoke a task whose result was
// already persisted.
func TestEngine_Invoke_ResumeAfterSiblingErrorDoesNotReRunCompletedTask(t *testing.T) {
	engine := newTestEngine(t)

	var oneCalls, twoCalls int32
	one := PregelNode{
		Name:     "one",
		Channels: []string{"input"},
		Writes:   []string{"one_out"},
		Func: func(_ context.Context, _ any) ([]ChannelWrite, []Send, error) {
			atomic.AddInt32(&oneCalls, 1)
			return []ChannelWrite{Write("one_out", "done")}, nil, nil
		},
	}
	two := PregelNode{
		Name:     "two",
		Channels: []string{"input"},
		Writes:   []string{"two_out"},
		Func: func(_ context.Context, _ any) ([]ChannelWrite, []Send, error) {
			if atomic.AddInt32(&twoCalls, 1) == 1 {
				return nil, nil, errors.New("boom")
			}
			return []ChannelWrite{Write("two_out", "done")}, nil, nil
		},
	}
	if err := engine.AddNode(one); err != nil {
		t.Fatalf("AddNode(one): %v", err)
	}
	if err := engine.AddNode(two); err != nil {
		t.Fatalf("AddNode(two): %v", err)
	}
	for _, ch := range []string{"input", "one_out", "two_out"} {
		if err := engine.DeclareChannel(ch, func() Channel { return NewLastValueChannel() }); err != nil {
			t.Fatalf("DeclareChannel(%s): %v", ch, err)
		}
	}

	ctx := context.Background()
	config := RunnableConfig{ThreadID: "t-resume-error"}

	if _, err := engine.Invoke(ctx, config, map[string]any{"input": "go"}); err == nil {
		t.Fatal("first Invoke should fail: node two errors")
	}
	if got := atomic.LoadInt32(&oneCalls); got != 1 {
		t.Fatalf("oneCalls after first Invoke = %d, want 1", got)
	}

	result, err := engine.Invoke(ctx, config, nil)
	if err != nil {
		t.Fatalf("second Invoke (replanning the same step): %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("Status = %v, want RunCompleted", result.Status)
	}
	if got := atomic.LoadInt32(&oneCalls); got != 1 {
		t.Errorf("oneCalls after resume = %d, want still 1: a task whose pending write was already persisted must not be re-invoked", got)
	}
	if got := atomic.LoadInt32(&twoCalls); got != 2 {
		t.Errorf("twoCalls after resume = %d, want 2: the errored task must be retried", got)
	}
	if got := result.State["one_out"]; got != "done" {
		t.Errorf("State[one_out] = %v, want done", got)
	}
	if got := result.State["two_out"]; got != "done" {
		t.Errorf("State[two_out] = %v, want done", got)
	}
}

func TestEngine_RecursionLimit_AbortsRunawayLoops(t *testing.T) {
	engine := newTestEngine(t, WithRecursionLimit(2))
	// ping writes to "ping", which re-triggers itself every step: an
	// intentionally unbounded loop to exercise the recursion guard.
	ping := PregelNode{
		Name:     "ping",
		Channels: []string{"ping"},
		Writes:   []string{"ping"},
		Func: func(_ context.Context, input any) ([]ChannelWrite, []Send, error) {
			n, _ := input.(float64)
			return []ChannelWrite{Write("ping", n + 1)}, nil, nil
		},
	}
	if err := engine.AddNode(ping); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := engine.DeclareChannel("ping", func() Channel { return NewLastValueChannel() }); err != nil {
		t.Fatalf("DeclareChannel: %v", err)
	}

	_, err := engine.Invoke(context.Background(), RunnableConfig{ThreadID: "t-loop"}, map[string]any{"ping": 0.0})
	if err == nil {
		t.Fatal("Invoke should fail once RecursionLimit is exceeded by a self-triggering node")
	}
}
