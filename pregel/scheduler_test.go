package pregel

import (
	"context"
	"testing"
	"time"
)

func TestFrontier_DequeueOrdersByTaskID(t *testing.T) {
	f := NewFrontier(10)
	ctx := context.Background()

	ids := []string{"ccc", "aaa", "bbb"}
	for _, id := range ids {
		if err := f.Enqueue(ctx, Task{ID: id}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	for _, want := range []string{"aaa", "bbb", "ccc"} {
		task, err := f.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.ID != want {
			t.Errorf("Dequeue() = %q, want %q", task.ID, want)
		}
	}
}

func TestFrontier_EnqueueBlocksAtCapacityUntilDequeue(t *testing.T) {
	f := NewFrontier(1)
	ctx := context.Background()

	if err := f.Enqueue(ctx, Task{ID: "first"}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- f.Enqueue(ctx, Task{ID: "second"})
	}()

	select {
	case <-blocked:
		t.Fatal("Enqueue at capacity should block until a slot frees")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := f.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Errorf("blocked Enqueue returned error after capacity freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock after Dequeue freed capacity")
	}
}

func TestFrontier_EnqueueRespectsContextCancellation(t *testing.T) {
	f := NewFrontier(1)
	ctx := context.Background()
	if err := f.Enqueue(ctx, Task{ID: "filler"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.Enqueue(cancelCtx, Task{ID: "blocked"})
	if err == nil {
		t.Fatal("Enqueue should fail once its context is cancelled while blocked")
	}

	if f.Len() != 1 {
		t.Errorf("Frontier.Len() after cancelled Enqueue = %d, want 1 (no orphaned heap entry)", f.Len())
	}
}

func TestFrontier_MetricsTrackEnqueueDequeue(t *testing.T) {
	f := NewFrontier(5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.Enqueue(ctx, Task{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := f.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	m := f.Metrics()
	if m.TotalEnqueued != 3 {
		t.Errorf("TotalEnqueued = %d, want 3", m.TotalEnqueued)
	}
	if m.TotalDequeued != 1 {
		t.Errorf("TotalDequeued = %d, want 1", m.TotalDequeued)
	}
	if m.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", m.QueueDepth)
	}
}
