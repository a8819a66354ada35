package pregel

// Predicate evaluates a node's output value to decide whether a
// conditional edge should fire. Predicates should be pure: deterministic,
// no side effects, so replaying the same output always routes the same way.
type Predicate func(value any) bool

// ConditionalEdge describes one static routing rule from a node: when fired,
// it schedules node To to run on the next superstep via a Send. This
// mirrors how graphs built with add_conditional_edges style APIs are
// expressed over channels/triggers instead of direct control transfer: a
// node's NodeFunc calls ResolveEdges against its own output and returns the
// resulting Sends alongside any channel writes.
type ConditionalEdge struct {
	To   string
	When Predicate // nil means unconditional - always fires
}

// ResolveEdges evaluates edges in order against value, returning a Send for
// every edge whose predicate passes (nil predicates always pass). Multiple
// matching edges fan out to multiple Sends, matching the teacher's
// Next.Many parallel fan-out semantics generalized to push tasks.
func ResolveEdges(edges []ConditionalEdge, value any) []Send {
	var sends []Send
	for _, edge := range edges {
		if edge.When != nil && !edge.When(value) {
			continue
		}
		sends = append(sends, Send{To: edge.To, Payload: value})
	}
	return sends
}
