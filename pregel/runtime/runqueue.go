package runtime

import (
	"context"
	"errors"

	"github.com/dshills/pregel-go/pregel/emit"
	"github.com/dshills/pregel-go/pregel/store"
)

func errEvent(threadID, msg string, err error) emit.Event {
	return emit.Event{NodeID: threadID, Msg: msg, Meta: map[string]interface{}{"error": err.Error()}}
}

// queueDrainer promotes the next queued run for a thread once its current
// run finishes, implementing the MultitaskEnqueue contract: a thread with
// one run active queues the next rather than rejecting or preempting it,
// and that queued run eventually gets its turn without a separate poller.
type queueDrainer struct {
	manager *Manager
}

func newQueueDrainer(m *Manager) *queueDrainer {
	return &queueDrainer{manager: m}
}

// promoteNext dequeues and runs the next pending run for threadID, if any,
// using the same Invoke/Resume call the caller that just finished used.
// Runs in the caller's goroutine: the queue is drained synchronously as
// each run completes rather than via a background poller, so a thread's
// queued runs execute strictly in submission order with no window where
// two queued runs could race each other in.
func (q *queueDrainer) promoteNext(ctx context.Context, assistant *Assistant, threadID string, call engineCall) {
	runID, err := q.manager.store.DequeueNextRun(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		q.manager.emitter.Emit(errEvent(threadID, "runqueue_dequeue_failed", err))
		return
	}

	run, err := q.manager.store.GetRun(ctx, runID)
	if err != nil {
		q.manager.emitter.Emit(errEvent(threadID, "runqueue_lookup_failed", err))
		return
	}

	_, _, _ = q.manager.execute(ctx, assistant, run, call)
}
