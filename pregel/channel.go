package pregel

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Channel is a typed, versioned slot that nodes read from and write to.
//
// A channel never mutates across a step boundary except through Update,
// which is called once per superstep with every write a task produced for
// that channel. Checkpoint/FromCheckpoint round-trip the channel's value
// through JSON so checkpointed channels are safe to hand to concurrent
// readers without aliasing the live value.
type Channel interface {
	// Update merges a batch of writes collected during one superstep.
	// Returns InvalidUpdateError for writes that violate the channel's
	// merge discipline (e.g. two writes to an exclusive channel).
	Update(writes []any) error

	// Get returns the current value and whether the channel holds one.
	// A channel that has never been written returns (nil, false).
	Get() (any, bool)

	// Checkpoint serializes the channel's value for durable storage.
	Checkpoint() (json.RawMessage, error)

	// FromCheckpoint restores the channel's value from a prior Checkpoint
	// call. An empty/nil raw message leaves the channel empty.
	FromCheckpoint(raw json.RawMessage) error
}

// ConsumingChannel is a Channel whose accumulated writes are drained by
// Consume and are not visible again after being read. Topic channels with
// consume-on-read semantics implement this.
type ConsumingChannel interface {
	Channel
	Consume() []any
}

// ChannelFactory builds a fresh zero-valued channel of a particular kind.
// The engine calls a thread's factory map once per thread to get empty
// channels before replaying checkpointed values into them.
type ChannelFactory func() Channel

// --- LastValueChannel -------------------------------------------------

// LastValueChannel holds at most one value, replaced wholesale by each
// write. It is exclusive: receiving more than one write within a single
// superstep is a user error (spec.md §3 invariants).
type LastValueChannel struct {
	value json.RawMessage
	set   bool
}

// NewLastValueChannel constructs an empty exclusive channel.
func NewLastValueChannel() *LastValueChannel {
	return &LastValueChannel{}
}

func (c *LastValueChannel) Update(writes []any) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) > 1 {
		return &InvalidUpdateError{Reason: fmt.Sprintf("received %d writes to an exclusive channel in one step", len(writes))}
	}
	raw, err := json.Marshal(writes[0])
	if err != nil {
		return fmt.Errorf("marshal last-value write: %w", err)
	}
	c.value = raw
	c.set = true
	return nil
}

func (c *LastValueChannel) Get() (any, bool) {
	if !c.set {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(c.value, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (c *LastValueChannel) Checkpoint() (json.RawMessage, error) {
	if !c.set {
		return nil, nil
	}
	return c.value, nil
}

func (c *LastValueChannel) FromCheckpoint(raw json.RawMessage) error {
	if len(raw) == 0 {
		c.value, c.set = nil, false
		return nil
	}
	c.value = append(json.RawMessage(nil), raw...)
	c.set = true
	return nil
}

// --- TopicChannel -------------------------------------------------------

// TopicChannel accumulates every write made during a step into an ordered
// sequence. When Deduplicate is set, writes equal (by JSON encoding) to one
// already present in the accumulated sequence are dropped. Consume drains
// and clears the topic, matching the "consume each step" semantics of
// spec.md §3.
type TopicChannel struct {
	Deduplicate bool

	items []json.RawMessage
}

// NewTopicChannel constructs an empty topic channel.
func NewTopicChannel(dedupe bool) *TopicChannel {
	return &TopicChannel{Deduplicate: dedupe}
}

func (c *TopicChannel) Update(writes []any) error {
	for _, w := range writes {
		raw, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshal topic write: %w", err)
		}
		if c.Deduplicate && c.contains(raw) {
			continue
		}
		c.items = append(c.items, raw)
	}
	return nil
}

func (c *TopicChannel) contains(raw json.RawMessage) bool {
	for _, existing := range c.items {
		if string(existing) == string(raw) {
			return true
		}
	}
	return false
}

func (c *TopicChannel) Get() (any, bool) {
	if len(c.items) == 0 {
		return nil, false
	}
	out := make([]any, 0, len(c.items))
	for _, raw := range c.items {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, true
}

// Consume drains the accumulated sequence and clears it, implementing the
// "consumed each step" half of a topic channel's contract.
func (c *TopicChannel) Consume() []any {
	vals, _ := c.Get()
	if vs, ok := vals.([]any); ok {
		c.items = nil
		return vs
	}
	c.items = nil
	return nil
}

func (c *TopicChannel) Checkpoint() (json.RawMessage, error) {
	if len(c.items) == 0 {
		return nil, nil
	}
	return json.Marshal(c.items)
}

func (c *TopicChannel) FromCheckpoint(raw json.RawMessage) error {
	if len(raw) == 0 {
		c.items = nil
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}
	c.items = items
	return nil
}

// --- BinaryOperatorChannel ----------------------------------------------

// Operator folds a newly written value with the channel's current
// accumulated value. It must be associative so replaying writes in any
// order within a step produces the same result, mirroring the purity
// requirement the teacher places on Reducer (pregel/state.go).
type Operator func(acc, next any) any

// BinaryOperatorChannel folds every write of a step, plus the channel's
// prior accumulated value, through an associative Operator.
type BinaryOperatorChannel struct {
	op    Operator
	value json.RawMessage
	set   bool
}

// NewBinaryOperatorChannel constructs an aggregate channel with the given
// fold function. Sum/Min/Max/Append are common instances.
func NewBinaryOperatorChannel(op Operator) *BinaryOperatorChannel {
	return &BinaryOperatorChannel{op: op}
}

func (c *BinaryOperatorChannel) Update(writes []any) error {
	if len(writes) == 0 {
		return nil
	}
	acc, _ := c.Get()
	for _, w := range writes {
		if acc == nil {
			acc = w
			continue
		}
		acc = c.op(acc, w)
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal aggregate value: %w", err)
	}
	c.value = raw
	c.set = true
	return nil
}

func (c *BinaryOperatorChannel) Get() (any, bool) {
	if !c.set {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(c.value, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (c *BinaryOperatorChannel) Checkpoint() (json.RawMessage, error) {
	if !c.set {
		return nil, nil
	}
	return c.value, nil
}

func (c *BinaryOperatorChannel) FromCheckpoint(raw json.RawMessage) error {
	if len(raw) == 0 {
		c.value, c.set = nil, false
		return nil
	}
	c.value = append(json.RawMessage(nil), raw...)
	c.set = true
	return nil
}

// SumInt is a ready-made Operator for counters and accumulators of ints.
func SumInt(acc, next any) any {
	a, _ := toFloat(acc)
	b, _ := toFloat(next)
	return a + b
}

// AppendSlice is a ready-made Operator that concatenates slice writes.
func AppendSlice(acc, next any) any {
	accSlice, _ := acc.([]any)
	nextSlice, ok := next.([]any)
	if !ok {
		nextSlice = []any{next}
	}
	return append(append([]any{}, accSlice...), nextSlice...)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// --- EphemeralChannel -----------------------------------------------------

// EphemeralChannel is write-only signaling: its value is visible only
// during the step it was written and is cleared at the start of the next
// step's Update call so a trigger fires exactly once.
type EphemeralChannel struct {
	value json.RawMessage
	set   bool
}

// NewEphemeralChannel constructs an empty ephemeral channel.
func NewEphemeralChannel() *EphemeralChannel {
	return &EphemeralChannel{}
}

func (c *EphemeralChannel) Update(writes []any) error {
	c.value, c.set = nil, false
	if len(writes) == 0 {
		return nil
	}
	raw, err := json.Marshal(writes[len(writes)-1])
	if err != nil {
		return fmt.Errorf("marshal ephemeral write: %w", err)
	}
	c.value, c.set = raw, true
	return nil
}

func (c *EphemeralChannel) Get() (any, bool) {
	if !c.set {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(c.value, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (c *EphemeralChannel) Checkpoint() (json.RawMessage, error) {
	return nil, nil // never durable; signal-only
}

func (c *EphemeralChannel) FromCheckpoint(json.RawMessage) error {
	c.value, c.set = nil, false
	return nil
}

// sortedChannelNames returns channel names in a stable, deterministic
// order so the engine's checkpoint metadata and emitted events don't
// depend on Go's randomized map iteration.
func sortedChannelNames(channels map[string]Channel) []string {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
