package store_test

import (
	"context"
	"testing"

	"github.com/dshills/pregel-go/pregel/store"
)

func init() {
	registerContractFactory(storeFactory{
		name: "MemStore",
		new: func(t *testing.T) store.ThreadStore {
			return store.NewMemStore()
		},
	})
}

func TestMemStore_DeleteThreadCascadesRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	defer st.Close()

	if _, err := st.CreateThread(ctx, "th", nil); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := st.CreateRun(ctx, store.Run{ID: "run-1", ThreadID: "th"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := st.DeleteThread(ctx, "th"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}

	if _, err := st.GetRun(ctx, "run-1"); err != store.ErrNotFound {
		t.Errorf("GetRun after thread delete = %v, want ErrNotFound", err)
	}
}

func TestMemStore_EnqueueDequeuePerThreadIsolated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	defer st.Close()

	if err := st.EnqueueRun(ctx, "thread-a", "run-a1"); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if err := st.EnqueueRun(ctx, "thread-b", "run-b1"); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}

	got, err := st.DequeueNextRun(ctx, "thread-b")
	if err != nil {
		t.Fatalf("DequeueNextRun(thread-b): %v", err)
	}
	if got != "run-b1" {
		t.Errorf("DequeueNextRun(thread-b) = %q, want run-b1", got)
	}

	got, err = st.DequeueNextRun(ctx, "thread-a")
	if err != nil {
		t.Fatalf("DequeueNextRun(thread-a): %v", err)
	}
	if got != "run-a1" {
		t.Errorf("DequeueNextRun(thread-a) = %q, want run-a1", got)
	}
}

func TestMemStore_ListThreadsLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	defer st.Close()

	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := st.CreateThread(ctx, id, nil); err != nil {
			t.Fatalf("CreateThread(%s): %v", id, err)
		}
	}

	limited, err := st.ListThreads(ctx, 2)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("ListThreads(limit=2) returned %d, want 2", len(limited))
	}
}
