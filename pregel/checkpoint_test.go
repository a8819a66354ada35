package pregel

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryCheckpointer_PutThenGetTupleRoundTrips(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	config := RunnableConfig{ThreadID: "th-1"}

	checkpoint := Checkpoint{
		Timestamp:       time.Now(),
		ChannelValues:   map[string]json.RawMessage{"counter": json.RawMessage(`5`)},
		ChannelVersions: map[string]string{"counter": "1"},
	}
	newConfig, err := cp.Put(ctx, config, checkpoint, CheckpointMetadata{Source: "loop", Step: 0})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if newConfig.CheckpointID == "" {
		t.Fatal("Put did not assign a CheckpointID")
	}

	tuple, err := cp.GetTuple(ctx, config)
	if err != nil {
		t.Fatalf("GetTuple: %v", err)
	}
	if tuple == nil {
		t.Fatal("GetTuple returned nil for a thread with one checkpoint")
	}
	if tuple.Checkpoint.ID != newConfig.CheckpointID {
		t.Errorf("tuple.Checkpoint.ID = %q, want %q", tuple.Checkpoint.ID, newConfig.CheckpointID)
	}
	if string(tuple.Checkpoint.ChannelValues["counter"]) != `5` {
		t.Errorf("ChannelValues[counter] = %s, want 5", tuple.Checkpoint.ChannelValues["counter"])
	}
}

func TestMemoryCheckpointer_GetTupleOnFreshThreadIsNil(t *testing.T) {
	cp := NewMemoryCheckpointer()
	tuple, err := cp.GetTuple(context.Background(), RunnableConfig{ThreadID: "never-seen"})
	if err != nil {
		t.Fatalf("GetTuple: %v", err)
	}
	if tuple != nil {
		t.Errorf("GetTuple on fresh thread = %+v, want nil", tuple)
	}
}

func TestMemoryCheckpointer_ListReturnsNewestFirst(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	config := RunnableConfig{ThreadID: "th-history"}

	var lastStep int
	for step := 0; step < 3; step++ {
		_, err := cp.Put(ctx, config, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop", Step: step})
		if err != nil {
			t.Fatalf("Put step %d: %v", step, err)
		}
		lastStep = step
	}

	tuples, err := cp.List(ctx, config, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tuples) != 3 {
		t.Fatalf("List returned %d tuples, want 3", len(tuples))
	}
	if tuples[0].Metadata.Step != lastStep {
		t.Errorf("List()[0].Metadata.Step = %d, want %d (newest first)", tuples[0].Metadata.Step, lastStep)
	}
}

func TestMemoryCheckpointer_NamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	root := RunnableConfig{ThreadID: "th-ns"}
	child := RunnableConfig{ThreadID: "th-ns", CheckpointNS: "sub:child:abc123"}

	if _, err := cp.Put(ctx, root, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop"}); err != nil {
		t.Fatalf("Put(root): %v", err)
	}

	tuple, err := cp.GetTuple(ctx, child)
	if err != nil {
		t.Fatalf("GetTuple(child): %v", err)
	}
	if tuple != nil {
		t.Errorf("GetTuple(child namespace) = %+v, want nil: namespaces must not share history", tuple)
	}
}

func TestMemoryCheckpointer_DeleteThreadRemovesAllNamespaces(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	root := RunnableConfig{ThreadID: "th-del"}
	child := RunnableConfig{ThreadID: "th-del", CheckpointNS: "sub:child:abc"}

	if _, err := cp.Put(ctx, root, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop"}); err != nil {
		t.Fatalf("Put(root): %v", err)
	}
	if _, err := cp.Put(ctx, child, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop"}); err != nil {
		t.Fatalf("Put(child): %v", err)
	}

	if err := cp.DeleteThread(ctx, "th-del"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}

	for _, cfg := range []RunnableConfig{root, child} {
		tuple, err := cp.GetTuple(ctx, cfg)
		if err != nil {
			t.Fatalf("GetTuple after delete: %v", err)
		}
		if tuple != nil {
			t.Errorf("GetTuple(%+v) after DeleteThread = %+v, want nil", cfg, tuple)
		}
	}
}

func TestMemoryCheckpointer_DeleteAfterKeepsHistoryUpToCutoff(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	root := RunnableConfig{ThreadID: "th-after"}
	child := RunnableConfig{ThreadID: "th-after", CheckpointNS: "sub:child:abc"}

	keep, err := cp.Put(ctx, root, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop", Step: 0})
	if err != nil {
		t.Fatalf("Put(keep): %v", err)
	}
	dropRoot, err := cp.Put(ctx, root, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop", Step: 1})
	if err != nil {
		t.Fatalf("Put(dropRoot): %v", err)
	}
	dropChild, err := cp.Put(ctx, child, Checkpoint{Timestamp: time.Now()}, CheckpointMetadata{Source: "loop", Step: 1})
	if err != nil {
		t.Fatalf("Put(dropChild): %v", err)
	}

	if err := cp.DeleteAfter(ctx, keep); err != nil {
		t.Fatalf("DeleteAfter: %v", err)
	}

	tuple, err := cp.GetTuple(ctx, RunnableConfig{ThreadID: "th-after", CheckpointID: keep.CheckpointID})
	if err != nil {
		t.Fatalf("GetTuple(keep) after DeleteAfter: %v", err)
	}
	if tuple == nil {
		t.Error("DeleteAfter removed a checkpoint at or before the cutoff")
	}

	for _, dropped := range []RunnableConfig{
		{ThreadID: "th-after", CheckpointID: dropRoot.CheckpointID},
		{ThreadID: "th-after", CheckpointNS: "sub:child:abc", CheckpointID: dropChild.CheckpointID},
	} {
		tuple, err := cp.GetTuple(ctx, dropped)
		if err != nil {
			t.Fatalf("GetTuple(%+v) after DeleteAfter: %v", dropped, err)
		}
		if tuple != nil {
			t.Errorf("GetTuple(%+v) after DeleteAfter = %+v, want nil: DeleteAfter must remove checkpoints created after the cutoff across every namespace", dropped, tuple)
		}
	}
}

func TestMemoryCheckpointer_DeleteAfterRequiresCheckpointID(t *testing.T) {
	cp := NewMemoryCheckpointer()
	if err := cp.DeleteAfter(context.Background(), RunnableConfig{ThreadID: "th-after"}); err == nil {
		t.Error("DeleteAfter with an empty CheckpointID should fail")
	}
}

func TestNextVersionString_MonotonicAndComparable(t *testing.T) {
	cp := NewMemoryCheckpointer()
	v1 := cp.NextVersion("")
	v2 := cp.NextVersion(v1)
	v3 := cp.NextVersion(v2)

	if !(v1 < v2 && v2 < v3) {
		t.Errorf("versions not lexicographically increasing: %q, %q, %q", v1, v2, v3)
	}
}
