// Package stream fans out engine events to per-subscriber channels, filtered
// by stream mode and namespace, the way a pull-based consumer of
// emit.BufferedEmitter's history would, but live and with bounded
// backpressure per subscriber instead of a query-after-the-fact buffer.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/pregel/emit"
)

// Subscription is a live, filtered view of one run's event stream. Recv
// blocks until an event matching the subscription's modes arrives, the
// subscription is closed, or ctx is done.
type Subscription struct {
	events chan emit.Event
	done   chan struct{}
	once   sync.Once
}

// Recv returns the next matching event, or ok=false once the subscription
// has been closed (the run finished and Flush was called) or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (emit.Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		return emit.Event{}, false
	case <-s.done:
		select {
		case ev, ok := <-s.events:
			return ev, ok
		default:
			return emit.Event{}, false
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
}

// subscriber is the multiplexer's internal bookkeeping for one Subscription.
type subscriber struct {
	runID     string
	modes     map[pregel.StreamMode]bool
	namespace string // prefix filter: "" means all namespaces
	sub       *Subscription
}

// Multiplexer implements emit.Emitter, fanning every emitted event out to
// every subscriber whose run ID, stream mode, and namespace prefix match.
// Generalizes emit.BufferedEmitter (pregel/emit/buffered.go) from a
// query-after-the-fact history store into a live fan-out point; a
// Multiplexer can itself be wrapped by a BufferedEmitter (or any other
// emit.Emitter) via Tee for recording alongside live delivery.
type Multiplexer struct {
	mu               sync.Mutex
	subscribers      map[string][]*subscriber // runID -> subscribers
	backlog          int                      // per-subscriber channel capacity
	backpressureWait time.Duration            // how long Emit waits for a slow subscriber before dropping
	tee              emit.Emitter
}

// NewMultiplexer builds a Multiplexer. backlog bounds each subscriber's
// pending-event buffer; backpressureWait bounds how long Emit blocks trying
// to deliver to a subscriber whose buffer is full before dropping the event
// for that subscriber only (other subscribers and the emitting goroutine are
// never blocked indefinitely by one slow reader).
func NewMultiplexer(backlog int, backpressureWait time.Duration) *Multiplexer {
	if backlog <= 0 {
		backlog = 256
	}
	return &Multiplexer{
		subscribers:      make(map[string][]*subscriber),
		backlog:          backlog,
		backpressureWait: backpressureWait,
	}
}

// Tee attaches a secondary emitter (e.g. emit.LogEmitter or
// emit.OTelEmitter) that receives every event the multiplexer does, in
// addition to fan-out to live subscribers.
func (m *Multiplexer) Tee(e emit.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tee = e
}

// Subscribe opens a live view of runID's events. modes is the set of
// pregel.StreamMode values the subscriber wants; an event with an empty Mode
// is always delivered (workflow-level events aren't mode-tagged). namespace,
// if non-empty, restricts delivery to events whose Namespace has that value
// as a prefix (so subscribing to a parent namespace also receives its
// subgraphs' events, matching spec.md's nested-namespace streaming model).
func (m *Multiplexer) Subscribe(runID, namespace string, modes ...pregel.StreamMode) *Subscription {
	modeSet := make(map[pregel.StreamMode]bool, len(modes))
	for _, mode := range modes {
		modeSet[mode] = true
	}
	sub := &subscriber{
		runID:     runID,
		modes:     modeSet,
		namespace: namespace,
		sub: &Subscription{
			events: make(chan emit.Event, m.backlog),
			done:   make(chan struct{}),
		},
	}

	m.mu.Lock()
	m.subscribers[runID] = append(m.subscribers[runID], sub)
	m.mu.Unlock()

	return sub.sub
}

// Unsubscribe closes sub and removes it from the multiplexer. Safe to call
// more than once.
func (m *Multiplexer) Unsubscribe(runID string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	for i, s := range subs {
		if s.sub == sub {
			m.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.close()
}

// Emit implements emit.Emitter: delivers event to every matching subscriber
// of its run, and to the tee if one is attached.
func (m *Multiplexer) Emit(event emit.Event) {
	if m.tee != nil {
		m.tee.Emit(event)
	}

	m.mu.Lock()
	subs := append([]*subscriber(nil), m.subscribers[event.RunID]...)
	m.mu.Unlock()

	for _, s := range subs {
		if !s.matches(event) {
			continue
		}
		s.deliver(event, m.backpressureWait)
	}
}

// EmitBatch delivers each event in order via Emit, satisfying emit.Emitter.
func (m *Multiplexer) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Emit(ev)
	}
	return nil
}

// Flush satisfies emit.Emitter by forwarding to the tee, if any. It does not
// close any run's subscribers - use FlushRun for that, since a Multiplexer
// may be serving many runs at once and emit.Emitter.Flush has no run-scoped
// signature to target one of them.
func (m *Multiplexer) Flush(ctx context.Context) error {
	if m.tee != nil {
		return m.tee.Flush(ctx)
	}
	return nil
}

// FlushRun closes every subscriber of runID, signaling end-of-stream to
// Subscription.Recv callers. Call once a run reaches a terminal state
// (completed, interrupted, errored) so subscribers don't block forever.
func (m *Multiplexer) FlushRun(runID string) {
	m.mu.Lock()
	subs := m.subscribers[runID]
	delete(m.subscribers, runID)
	m.mu.Unlock()

	for _, s := range subs {
		s.sub.close()
	}
}

func (s *subscriber) matches(event emit.Event) bool {
	if event.Mode != "" {
		if len(s.modes) > 0 && !s.modes[pregel.StreamMode(event.Mode)] {
			return false
		}
	}
	if s.namespace != "" && !(event.Namespace == s.namespace || strings.HasPrefix(event.Namespace, s.namespace+":")) {
		return false
	}
	return true
}

func (s *subscriber) deliver(event emit.Event, wait time.Duration) {
	select {
	case s.sub.events <- event:
		return
	default:
	}
	if wait <= 0 {
		return // drop: subscriber's buffer is full and no wait was configured
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.sub.events <- event:
	case <-timer.C:
		// Drop for this subscriber only; other subscribers and the run
		// itself are never blocked by one slow reader.
	}
}
