package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/dshills/pregel-go/pregel/emit"
	"github.com/dshills/pregel-go/pregel/store"
)

// storeFactory builds a fresh, empty ThreadStore plus its teardown. Each
// backend test file registers itself here so TestThreadStoreContract runs
// identically against every implementation.
type storeFactory struct {
	name string
	new  func(t *testing.T) store.ThreadStore
}

var contractFactories []storeFactory

func registerContractFactory(f storeFactory) {
	contractFactories = append(contractFactories, f)
}

func mysqlDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skipping: TEST_MYSQL_DSN not set")
	}
	return dsn
}

// TestThreadStoreContract exercises every ThreadStore backend registered by
// the per-file init()s through the same sequence of operations, so the
// three implementations can't quietly drift apart.
func TestThreadStoreContract(t *testing.T) {
	for _, f := range contractFactories {
		f := f
		t.Run(f.name+"/ThreadLifecycle", func(t *testing.T) {
			ctx := context.Background()
			st := f.new(t)
			defer st.Close()

			th, err := st.CreateThread(ctx, "th-1", map[string]any{"owner": "alice"})
			if err != nil {
				t.Fatalf("CreateThread: %v", err)
			}
			if th.ID != "th-1" {
				t.Errorf("thread ID = %q, want th-1", th.ID)
			}

			if _, err := st.CreateThread(ctx, "th-1", nil); !errors.Is(err, store.ErrAlreadyExists) {
				t.Errorf("duplicate CreateThread error = %v, want ErrAlreadyExists", err)
			}

			got, err := st.GetThread(ctx, "th-1")
			if err != nil {
				t.Fatalf("GetThread: %v", err)
			}
			if got.Metadata["owner"] != "alice" {
				t.Errorf("metadata owner = %v, want alice", got.Metadata["owner"])
			}

			if _, err := st.GetThread(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("GetThread(missing) error = %v, want ErrNotFound", err)
			}

			if _, err := st.CreateThread(ctx, "th-2", nil); err != nil {
				t.Fatalf("CreateThread th-2: %v", err)
			}
			all, err := st.ListThreads(ctx, 0)
			if err != nil {
				t.Fatalf("ListThreads: %v", err)
			}
			if len(all) != 2 {
				t.Errorf("ListThreads returned %d threads, want 2", len(all))
			}

			if err := st.DeleteThread(ctx, "th-2"); err != nil {
				t.Fatalf("DeleteThread: %v", err)
			}
			if err := st.DeleteThread(ctx, "th-2"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("second DeleteThread error = %v, want ErrNotFound", err)
			}
		})

		t.Run(f.name+"/RunLifecycle", func(t *testing.T) {
			ctx := context.Background()
			st := f.new(t)
			defer st.Close()

			if _, err := st.CreateThread(ctx, "th-run", nil); err != nil {
				t.Fatalf("CreateThread: %v", err)
			}

			if _, err := st.CreateRun(ctx, store.Run{ID: "run-orphan", ThreadID: "no-such-thread"}); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("CreateRun against missing thread error = %v, want ErrNotFound", err)
			}

			run, err := st.CreateRun(ctx, store.Run{ID: "run-1", ThreadID: "th-run", AssistantID: "asst-1"})
			if err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			if run.Status != store.RunStatusPending {
				t.Errorf("default run status = %q, want pending", run.Status)
			}

			if err := st.UpdateRunStatus(ctx, "run-1", store.RunStatusRunning); err != nil {
				t.Fatalf("UpdateRunStatus: %v", err)
			}
			got, err := st.GetRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if got.Status != store.RunStatusRunning {
				t.Errorf("status after update = %q, want running", got.Status)
			}

			if err := st.UpdateRunStatus(ctx, "missing-run", store.RunStatusError); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("UpdateRunStatus(missing) error = %v, want ErrNotFound", err)
			}

			if _, err := st.CreateRun(ctx, store.Run{ID: "run-2", ThreadID: "th-run"}); err != nil {
				t.Fatalf("CreateRun run-2: %v", err)
			}
			runs, err := st.ListRuns(ctx, "th-run", 0)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 2 {
				t.Errorf("ListRuns returned %d, want 2", len(runs))
			}
			if runs[0].ID != "run-2" {
				t.Errorf("ListRuns[0] = %q, want most-recent run-2 first", runs[0].ID)
			}
		})

		t.Run(f.name+"/RunQueueFIFO", func(t *testing.T) {
			ctx := context.Background()
			st := f.new(t)
			defer st.Close()

			if _, err := st.DequeueNextRun(ctx, "empty-thread"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("DequeueNextRun(empty) error = %v, want ErrNotFound", err)
			}

			for _, id := range []string{"run-a", "run-b", "run-c"} {
				if err := st.EnqueueRun(ctx, "th-queue", id); err != nil {
					t.Fatalf("EnqueueRun(%s): %v", id, err)
				}
			}
			for _, want := range []string{"run-a", "run-b", "run-c"} {
				got, err := st.DequeueNextRun(ctx, "th-queue")
				if err != nil {
					t.Fatalf("DequeueNextRun: %v", err)
				}
				if got != want {
					t.Errorf("DequeueNextRun = %q, want %q", got, want)
				}
			}
			if _, err := st.DequeueNextRun(ctx, "th-queue"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("DequeueNextRun(drained) error = %v, want ErrNotFound", err)
			}
		})

		t.Run(f.name+"/Outbox", func(t *testing.T) {
			ctx := context.Background()
			st := f.new(t)
			defer st.Close()

			for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
				err := st.RecordEvent(ctx, store.OutboxEvent{
					ID:    id,
					Event: emit.Event{RunID: "run-x", Step: i, Msg: "values"},
				})
				if err != nil {
					t.Fatalf("RecordEvent(%s): %v", id, err)
				}
			}

			pending, err := st.PendingEvents(ctx, 0)
			if err != nil {
				t.Fatalf("PendingEvents: %v", err)
			}
			if len(pending) != 3 {
				t.Fatalf("PendingEvents returned %d, want 3", len(pending))
			}
			if pending[0].ID != "ev-1" || pending[2].ID != "ev-3" {
				t.Errorf("PendingEvents not in insertion order: %+v", pending)
			}

			limited, err := st.PendingEvents(ctx, 2)
			if err != nil {
				t.Fatalf("PendingEvents(limit): %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("PendingEvents(limit=2) returned %d, want 2", len(limited))
			}

			if err := st.MarkEventsEmitted(ctx, []string{"ev-1", "ev-3"}); err != nil {
				t.Fatalf("MarkEventsEmitted: %v", err)
			}
			remaining, err := st.PendingEvents(ctx, 0)
			if err != nil {
				t.Fatalf("PendingEvents after mark: %v", err)
			}
			if len(remaining) != 1 || remaining[0].ID != "ev-2" {
				t.Errorf("remaining outbox = %+v, want only ev-2", remaining)
			}

			if err := st.MarkEventsEmitted(ctx, nil); err != nil {
				t.Errorf("MarkEventsEmitted(nil) should be a no-op, got: %v", err)
			}
		})
	}
}
