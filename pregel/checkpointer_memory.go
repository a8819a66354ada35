package pregel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// threadNS is the lookup key for a thread's checkpoint stream within one
// namespace, mirroring the teacher's "runID:stepID" composite keys in
// pregel/store/memory.go generalized to (thread, namespace).
type threadNS struct {
	thread string
	ns     string
}

// MemoryCheckpointer is an in-memory Checkpointer, the reference backend
// used by tests and by examples that don't need durability across process
// restarts. It is grounded on the teacher's MemStore (pregel/store/memory.go):
// a mutex-guarded map of history per key, plus an idempotency index.
type MemoryCheckpointer struct {
	mu sync.RWMutex

	// history holds every checkpoint ever written for a thread/namespace,
	// oldest first, so List can page backward from the tail.
	history map[threadNS][]CheckpointTuple

	// pendingByCheckpoint indexes PutWrites calls that haven't yet been
	// folded into a later checkpoint's ChannelValues.
	pendingByCheckpoint map[string][]PendingWrite

	// idempotency remembers idempotency keys already committed so a retried
	// Put with identical content is treated as already-applied rather than
	// appended again.
	idempotency map[string]string // idempotency key -> checkpoint ID

	// seqByCheckpoint assigns every checkpoint ever Put a creation order
	// number, global across every thread and namespace, mirroring the
	// single AUTOINCREMENT seq column the SQL-backed checkpointers use
	// (checkpointer_sqlite.go, checkpointer_mysql.go). DeleteAfter uses it
	// to scope a rollback to exactly the checkpoints created after a given
	// one, across namespaces, without touching older history.
	seqByCheckpoint map[string]uint64
	nextSeq         uint64
}

// NewMemoryCheckpointer constructs an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		history:             make(map[threadNS][]CheckpointTuple),
		pendingByCheckpoint: make(map[string][]PendingWrite),
		idempotency:         make(map[string]string),
		seqByCheckpoint:     make(map[string]uint64),
	}
}

func (m *MemoryCheckpointer) key(config RunnableConfig) threadNS {
	return threadNS{thread: config.ThreadID, ns: config.CheckpointNS}
}

func (m *MemoryCheckpointer) GetTuple(ctx context.Context, config RunnableConfig) (*CheckpointTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.history[m.key(config)]
	if len(list) == 0 {
		return nil, nil
	}

	if config.CheckpointID == "" {
		tuple := list[len(list)-1]
		tuple.Checkpoint = deepCopyCheckpoint(tuple.Checkpoint)
		tuple.PendingWrites = m.pendingByCheckpoint[tuple.Checkpoint.ID]
		return &tuple, nil
	}

	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Checkpoint.ID == config.CheckpointID {
			tuple := list[i]
			tuple.Checkpoint = deepCopyCheckpoint(tuple.Checkpoint)
			tuple.PendingWrites = m.pendingByCheckpoint[tuple.Checkpoint.ID]
			return &tuple, nil
		}
	}
	return nil, nil
}

func (m *MemoryCheckpointer) List(ctx context.Context, config RunnableConfig, opts ListOptions) ([]CheckpointTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.history[m.key(config)]
	out := make([]CheckpointTuple, 0, len(list))
	skipping := opts.Before != ""
	for i := len(list) - 1; i >= 0; i-- {
		tuple := list[i]
		if skipping {
			if tuple.Checkpoint.ID == opts.Before {
				skipping = false
			}
			continue
		}
		tuple.Checkpoint = deepCopyCheckpoint(tuple.Checkpoint)
		out = append(out, tuple)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryCheckpointer) Put(ctx context.Context, config RunnableConfig, checkpoint Checkpoint, metadata CheckpointMetadata) (RunnableConfig, error) {
	idemKey, err := computeCheckpointIdempotencyKey(config.ThreadID, config.CheckpointNS, metadata.Step, checkpoint.ChannelValues)
	if err != nil {
		return RunnableConfig{}, &CheckpointerError{Op: "put", Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.idempotency[idemKey]; ok {
		out := config
		out.CheckpointID = existingID
		return out, nil
	}

	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}

	var parentConfig *RunnableConfig
	k := m.key(config)
	if list := m.history[k]; len(list) > 0 {
		parent := config
		parent.CheckpointID = list[len(list)-1].Checkpoint.ID
		parentConfig = &parent
	}

	out := config
	out.CheckpointID = checkpoint.ID

	tuple := CheckpointTuple{
		Config:       out,
		Checkpoint:   deepCopyCheckpoint(checkpoint),
		Metadata:     metadata,
		ParentConfig: parentConfig,
	}

	m.history[k] = append(m.history[k], tuple)
	m.idempotency[idemKey] = checkpoint.ID
	m.nextSeq++
	m.seqByCheckpoint[checkpoint.ID] = m.nextSeq
	return out, nil
}

func (m *MemoryCheckpointer) PutWrites(ctx context.Context, config RunnableConfig, writes []PendingWrite) error {
	if config.CheckpointID == "" {
		return &CheckpointerError{Op: "put_writes", Cause: fmt.Errorf("checkpoint id required")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingByCheckpoint[config.CheckpointID] = append(m.pendingByCheckpoint[config.CheckpointID], writes...)
	return nil
}

func (m *MemoryCheckpointer) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.history {
		if k.thread != threadID {
			continue
		}
		for _, tuple := range m.history[k] {
			delete(m.pendingByCheckpoint, tuple.Checkpoint.ID)
			delete(m.seqByCheckpoint, tuple.Checkpoint.ID)
		}
		delete(m.history, k)
	}
	return nil
}

// DeleteAfter implements Checkpointer.DeleteAfter by comparing each
// checkpoint's seqByCheckpoint order number against after.CheckpointID's, so
// the delete reaches every namespace of the thread without needing a
// namespace-by-namespace cutoff of its own. If after.CheckpointID is
// unknown (e.g. already removed by a prior rollback), DeleteAfter is a
// no-op rather than an error.
func (m *MemoryCheckpointer) DeleteAfter(ctx context.Context, after RunnableConfig) error {
	if after.CheckpointID == "" {
		return &CheckpointerError{Op: "delete_after", Cause: fmt.Errorf("checkpoint id required")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff, ok := m.seqByCheckpoint[after.CheckpointID]
	if !ok {
		return nil
	}

	for k, list := range m.history {
		if k.thread != after.ThreadID {
			continue
		}
		kept := list[:0:0]
		for _, tuple := range list {
			if m.seqByCheckpoint[tuple.Checkpoint.ID] > cutoff {
				delete(m.pendingByCheckpoint, tuple.Checkpoint.ID)
				delete(m.seqByCheckpoint, tuple.Checkpoint.ID)
				continue
			}
			kept = append(kept, tuple)
		}
		m.history[k] = kept
	}
	return nil
}

// NextVersion delegates to the shared decimal version scheme so comparisons
// behave identically across every Checkpointer backend.
func (m *MemoryCheckpointer) NextVersion(prev string) string {
	return nextVersionString(prev)
}

// deepCopyCheckpoint clones the mutable parts of a checkpoint so that a
// caller mutating the Checkpoint value after Put cannot reach into the
// checkpointer's stored history, matching the immutability guarantee
// committed checkpoints must hold.
func deepCopyCheckpoint(cp Checkpoint) Checkpoint {
	out := cp

	out.ChannelValues = make(map[string]json.RawMessage, len(cp.ChannelValues))
	for k, v := range cp.ChannelValues {
		raw := make(json.RawMessage, len(v))
		copy(raw, v)
		out.ChannelValues[k] = raw
	}

	out.ChannelVersions = make(map[string]string, len(cp.ChannelVersions))
	for k, v := range cp.ChannelVersions {
		out.ChannelVersions[k] = v
	}

	out.VersionsSeen = make(map[string]map[string]string, len(cp.VersionsSeen))
	for node, versions := range cp.VersionsSeen {
		copied := make(map[string]string, len(versions))
		for ch, v := range versions {
			copied[ch] = v
		}
		out.VersionsSeen[node] = copied
	}

	if cp.PendingSends != nil {
		out.PendingSends = append([]PendingSend(nil), cp.PendingSends...)
	}

	if cp.Interrupts != nil {
		out.Interrupts = make(map[string]json.RawMessage, len(cp.Interrupts))
		for k, v := range cp.Interrupts {
			raw := make(json.RawMessage, len(v))
			copy(raw, v)
			out.Interrupts[k] = raw
		}
	}

	return out
}
