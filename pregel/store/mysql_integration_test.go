package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/pregel-go/pregel/store"
)

// TestMySQLStore_RunQueueSurvivesReconnect exercises the run queue
// against a real MySQL instance, gated on TEST_MYSQL_DSN so it's
// skipped in environments without a database to point at.
func TestMySQLStore_RunQueueSurvivesReconnect(t *testing.T) {
	dsn := mysqlDSN(t)
	ctx := context.Background()

	st, err := store.NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}

	threadID := "mysql-it-" + time.Now().UTC().Format("150405.000000000")
	if _, err := st.CreateThread(ctx, threadID, nil); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := st.EnqueueRun(ctx, threadID, "run-1"); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reconnected, err := store.NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("reconnect NewMySQLStore: %v", err)
	}
	defer func() {
		reconnected.DeleteThread(ctx, threadID)
		reconnected.Close()
	}()

	got, err := reconnected.DequeueNextRun(ctx, threadID)
	if err != nil {
		t.Fatalf("DequeueNextRun after reconnect: %v", err)
	}
	if got != "run-1" {
		t.Errorf("DequeueNextRun after reconnect = %q, want run-1", got)
	}
}
