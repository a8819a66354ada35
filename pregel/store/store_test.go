package store_test

import (
	"testing"

	"github.com/dshills/pregel-go/pregel/store"
)

// TestThreadStore_InterfaceSatisfiedByAllBackends pins each concrete backend
// to the ThreadStore interface at compile time.
func TestThreadStore_InterfaceSatisfiedByAllBackends(t *testing.T) {
	var _ store.ThreadStore = (*store.MemStore)(nil)
	var _ store.ThreadStore = (*store.SQLiteStore)(nil)
	var _ store.ThreadStore = (*store.MySQLStore)(nil)
}

func TestRunStatus_Constants(t *testing.T) {
	statuses := []store.RunStatus{
		store.RunStatusPending,
		store.RunStatusRunning,
		store.RunStatusCompleted,
		store.RunStatusInterrupted,
		store.RunStatusError,
		store.RunStatusCancelled,
	}
	seen := make(map[store.RunStatus]bool, len(statuses))
	for _, s := range statuses {
		if s == "" {
			t.Error("RunStatus constant is empty")
		}
		if seen[s] {
			t.Errorf("duplicate RunStatus value %q", s)
		}
		seen[s] = true
	}
}
