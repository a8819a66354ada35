package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/pregel-go/pregel"
)

// ErrRunInFlight is returned by StartRun under MultitaskReject when the
// target thread already has an active run.
var ErrRunInFlight = errors.New("runtime: thread already has a run in flight")

// inFlight tracks the one currently executing run per thread, so Interrupt
// and Rollback have something to cancel and Reject has something to check.
type inFlight struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	// startConfig is the checkpoint config the thread was at when this run
	// began executing - empty CheckpointID if the thread had no prior
	// checkpoint. MultitaskRollback uses it so preempting this run discards
	// only the checkpoints it produced, not history from earlier runs.
	startConfig pregel.RunnableConfig
}

// inFlightRegistry is a mutex-guarded map from thread ID to its active run,
// mirroring the bookkeeping pattern the engine itself uses for its task
// frontier (scheduler.go) rather than introducing a new concurrency idiom.
type inFlightRegistry struct {
	mu  sync.Mutex
	set map[string]*inFlight
}

func newInFlightRegistry() *inFlightRegistry {
	return &inFlightRegistry{set: make(map[string]*inFlight)}
}

// busy reports whether threadID currently has an active run, without
// acquiring anything.
func (r *inFlightRegistry) busy(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.set[threadID]
	return busy
}

// tryAcquire registers runID as threadID's active run if none is running,
// returning ok=false and the existing entry otherwise. startConfig records
// the checkpoint the run began executing on top of, for preempt to hand
// back to a rollback caller.
func (r *inFlightRegistry) tryAcquire(threadID, runID string, cancel context.CancelFunc, startConfig pregel.RunnableConfig) (*inFlight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, busy := r.set[threadID]; busy {
		return existing, false
	}
	entry := &inFlight{runID: runID, cancel: cancel, done: make(chan struct{}), startConfig: startConfig}
	r.set[threadID] = entry
	return entry, true
}

// preempt cancels threadID's active run, if any, and waits for its
// goroutine to call finish. Returns ok=false if nothing was running. The map
// entry itself is removed by finish, not here, so a concurrent finish and
// preempt never race over who clears it. The returned RunnableConfig is the
// preempted run's startConfig, letting a rollback caller discard only the
// checkpoints that run itself produced.
func (r *inFlightRegistry) preempt(threadID string) (pregel.RunnableConfig, bool) {
	r.mu.Lock()
	existing, busy := r.set[threadID]
	r.mu.Unlock()
	if !busy {
		return pregel.RunnableConfig{}, false
	}
	existing.cancel()
	<-existing.done
	return existing.startConfig, true
}

// finish marks entry's run as no longer in flight for threadID. Safe to
// call exactly once per acquired entry, from the run's own goroutine,
// whether it ran to completion or was preempted out from under it.
func (r *inFlightRegistry) finish(threadID string, entry *inFlight) {
	r.mu.Lock()
	if r.set[threadID] == entry {
		delete(r.set, threadID)
	}
	r.mu.Unlock()
	close(entry.done)
}
