package pregel

import "testing"

func TestResolveEdges_UnconditionalAlwaysFires(t *testing.T) {
	edges := []ConditionalEdge{{To: "next"}}
	sends := ResolveEdges(edges, "anything")
	if len(sends) != 1 || sends[0].To != "next" {
		t.Fatalf("ResolveEdges = %+v, want one Send to next", sends)
	}
}

func TestResolveEdges_PredicateFiltersAndFansOut(t *testing.T) {
	isPositive := func(v any) bool {
		n, _ := v.(float64)
		return n > 0
	}
	isNegative := func(v any) bool {
		n, _ := v.(float64)
		return n < 0
	}
	edges := []ConditionalEdge{
		{To: "pos-handler", When: isPositive},
		{To: "neg-handler", When: isNegative},
		{To: "always"},
	}

	sends := ResolveEdges(edges, 5.0)
	if len(sends) != 2 {
		t.Fatalf("ResolveEdges(5.0) returned %d sends, want 2", len(sends))
	}
	if sends[0].To != "pos-handler" || sends[1].To != "always" {
		t.Errorf("ResolveEdges(5.0) = %+v, want [pos-handler, always]", sends)
	}

	sends = ResolveEdges(edges, -5.0)
	if len(sends) != 2 || sends[0].To != "neg-handler" {
		t.Errorf("ResolveEdges(-5.0) = %+v, want [neg-handler, always]", sends)
	}
}

func TestResolveEdges_NoMatchesReturnsEmpty(t *testing.T) {
	edges := []ConditionalEdge{{To: "only-if-true", When: func(any) bool { return false }}}
	sends := ResolveEdges(edges, nil)
	if len(sends) != 0 {
		t.Errorf("ResolveEdges with no matching predicate = %+v, want empty", sends)
	}
}
