package pregel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Subgraph wraps a compiled Engine so it can run as a single node of an
// enclosing graph. The child engine keeps its own full checkpoint history,
// addressed under a namespace derived from the parent's, so a crash mid-way
// through a nested run resumes the child exactly where it left off the next
// time the parent replans this node - without the parent needing to know
// anything about the child's internal channels.
type Subgraph struct {
	// Name is this subgraph's node name within the parent graph.
	Name string

	// Engine is the compiled child graph. It is invoked with its own
	// RunnableConfig every time the parent plans a task for Name, so it
	// must be safe for concurrent use if the parent runs more than one
	// subgraph task concurrently (the Engine itself is: AddNode/
	// DeclareChannel happen once at setup, Invoke/Resume are read-only
	// against the registered graph).
	Engine *Engine

	// MapInput translates the value the parent hands this node into the
	// child's "__start__" input. If nil, a map[string]any input is passed
	// through unchanged, and any other value is wrapped as
	// map[string]any{"input": value}.
	MapInput func(parentInput any) map[string]any

	// MapOutput translates the child's final State into the writes (and,
	// rarely, sends) this node contributes to the parent's superstep. If
	// nil, every channel in Writes that exists in the child's final state
	// is forwarded verbatim under the same name.
	MapOutput func(childState State) ([]ChannelWrite, []Send, error)
}

// subgraphNamespace derives a child checkpoint namespace deterministic in
// (parentNS, nodeName, taskID): the same parent checkpoint replanning the
// same task always re-enters the same child namespace, so the child's own
// checkpointer resumes its prior progress instead of starting over.
func subgraphNamespace(parentNS, nodeName, taskID string) string {
	h := sha256.New()
	h.Write([]byte(parentNS))
	h.Write([]byte(nodeName))
	h.Write([]byte(taskID))
	sum := hex.EncodeToString(h.Sum(nil))[:12]

	if parentNS == "" {
		return nodeName + ":" + sum
	}
	return parentNS + ":" + nodeName + ":" + sum
}

// checkSubgraphConflicts rejects a superstep that would run the same
// subgraph node as more than one task: each task would derive a distinct
// child namespace (it's keyed by task ID), leaving the subgraph's state
// split across two unrelated checkpoint histories under one node name -
// there's no single "the" child run for a caller to resume into afterward.
func checkSubgraphConflicts(tasks []Task, parentNS string) error {
	seen := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if !t.Node.IsSubgraph {
			continue
		}
		ns := subgraphNamespace(parentNS, t.Node.Name, t.ID)
		if prior, ok := seen[t.Node.Name]; ok {
			return &MultipleSubgraphsError{Node: t.Node.Name, NS1: prior, NS2: ns}
		}
		seen[t.Node.Name] = ns
	}
	return nil
}

// AsNode compiles the Subgraph into a PregelNode the parent's AddNode
// accepts, reading the given channels (and triggered by the same set,
// unless triggers is given explicitly) and permitted to write writes.
func (s *Subgraph) AsNode(channels []string, triggers []string, writes []string) PregelNode {
	return PregelNode{
		Name:       s.Name,
		Channels:   channels,
		Triggers:   triggers,
		Writes:     writes,
		IsSubgraph: true,
		Func:       s.run(writes),
	}
}

func (s *Subgraph) run(writeSet []string) NodeFunc {
	return func(ctx context.Context, input any) ([]ChannelWrite, []Send, error) {
		parentConfig, _ := ctx.Value(RunnableConfigKey).(RunnableConfig)
		taskID, _ := ctx.Value(TaskIDKey).(string)

		childConfig := RunnableConfig{
			ThreadID:     parentConfig.ThreadID,
			CheckpointNS: subgraphNamespace(parentConfig.CheckpointNS, s.Name, taskID),
		}

		startInput := s.mapInput(input)

		result, err := s.Engine.Invoke(ctx, childConfig, startInput)
		if err != nil {
			return nil, nil, fmt.Errorf("subgraph %q: %w", s.Name, err)
		}

		if result.Status == RunInterrupted {
			// Surfacing the child's pause as this node's own interrupt lets
			// the parent's ordinary Command{Resume:...} flow re-enter this
			// node, which re-invokes the child against the same namespace
			// and therefore the same paused checkpoint.
			Interrupt(ctx, result.Interrupts)
		}

		if s.MapOutput != nil {
			return s.MapOutput(result.State)
		}

		writes := make([]ChannelWrite, 0, len(writeSet))
		for _, ch := range writeSet {
			if v, ok := result.State[ch]; ok {
				writes = append(writes, Write(ch, v))
			}
		}
		return writes, nil, nil
	}
}

func (s *Subgraph) mapInput(input any) map[string]any {
	if s.MapInput != nil {
		return s.MapInput(input)
	}
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return map[string]any{"input": input}
}
