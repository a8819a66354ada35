package pregel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

// ChannelWrite is one value a task wants applied to a channel once its
// superstep finishes. Several writes to the same channel within a step are
// batched and handed to that channel's Update together.
type ChannelWrite struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// Send schedules a node to run as a push task on the *next* superstep,
// bypassing the normal trigger-channel check. A node returns a Send the way
// it returns a ChannelWrite: as an entry in the slice NodeFunc produces.
// Grounded on the teacher's Next.Many fan-out (pregel/node.go) generalized
// from "route to these nodes now" to "schedule these nodes for next step."
type Send struct {
	To      string `json:"to"`
	Payload any    `json:"payload"`
}

// NodeFunc is the unit of work a graph node performs. It receives the
// values read from its trigger/read channels (either a single value, if the
// node reads exactly one channel, or a map[string]any keyed by channel name
// otherwise) and returns the writes and sends it produces. A NodeFunc that
// wants to pause the run mid-step calls Interrupt, which panics with a
// *GraphInterrupt the engine recovers specially (see command.go).
type NodeFunc func(ctx context.Context, input any) ([]ChannelWrite, []Send, error)

// PregelNode is one node of the graph: the channels it reads, the subset of
// those that trigger it, the channels it's allowed to write, and the
// function it runs when triggered.
type PregelNode struct {
	Name string

	// Channels lists every channel this node reads to build its input.
	Channels []string

	// Triggers is the subset of Channels whose version advancing makes
	// this node a candidate pull task. If empty, Channels is used as the
	// trigger set (the common case).
	Triggers []string

	// Writes lists the channels this node is permitted to write, used to
	// validate ChannelWrite output and to compute the task's declared
	// write-set for subgraph/concurrency bookkeeping.
	Writes []string

	Func   NodeFunc
	Policy *NodePolicy

	// IsSubgraph marks a node built by Subgraph.AsNode, so the engine can
	// detect two tasks entering the same subgraph node within one
	// superstep - an ambiguous checkpoint namespace it refuses to run
	// rather than silently picking one.
	IsSubgraph bool
}

func (n *PregelNode) triggerChannels() []string {
	if len(n.Triggers) > 0 {
		return n.Triggers
	}
	return n.Channels
}

// TaskPathType distinguishes a pull task (scheduled because a trigger
// channel advanced) from a push task (scheduled by a prior step's Send).
type TaskPathType int

const (
	// TaskPathPull marks a task the planner derived from channel versions.
	TaskPathPull TaskPathType = iota
	// TaskPathPush marks a task derived from a Send recorded on a prior step.
	TaskPathPush
)

func (t TaskPathType) String() string {
	if t == TaskPathPush {
		return "push"
	}
	return "pull"
}

// TaskPath identifies where in the planning process a task came from: pull
// tasks are identified by node name, push tasks additionally carry the
// index of the Send within the step that produced them, so two Sends to the
// same node in one step still get distinct, deterministic task IDs.
type TaskPath struct {
	Type  TaskPathType
	Node  string
	Index int
}

// Task is one unit of planned work for the current superstep: which node to
// run, what input to hand it, and which trigger channels justified running
// it (used to update VersionsSeen after execution).
type Task struct {
	ID       string
	Node     *PregelNode
	Input    any
	Triggers []string
	Path     TaskPath
	Config   RunnableConfig
}

// computeTaskID derives a deterministic task identifier from the
// checkpoint a superstep runs on top of, the task's path, and the step
// number - so replaying the same checkpoint always assigns the same task
// IDs, which PutWrites and interrupt/resume rely on to address a specific
// task's pending writes. Grounded on the teacher's SHA-256 order-key scheme
// (pregel/scheduler.go computeOrderKey, pregel/checkpoint.go
// computeIdempotencyKey).
func computeTaskID(checkpointID string, path TaskPath, step int) string {
	h := sha256.New()
	h.Write([]byte(checkpointID))
	h.Write([]byte(path.Type.String()))
	h.Write([]byte(path.Node))

	idxBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idxBytes, uint64(path.Index))
	h.Write(idxBytes)

	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(step))
	h.Write(stepBytes)

	return hex.EncodeToString(h.Sum(nil))[:32]
}

// decodeChannelValue unmarshals a channel's stored JSON into a generic any
// value for handing to a node as input.
func decodeChannelValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
