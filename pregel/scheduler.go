package pregel

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// Scheduler manages concurrent task execution within one superstep, with
// deterministic ordering and bounded capacity - generalized from the
// teacher's WorkItem[S]/Frontier[S] (heap + buffered channel) from a single
// whole-state work item to the planner's Task, ordered by each task's
// deterministic ID instead of a numeric OrderKey.

// taskHeap implements heap.Interface, ordering Tasks lexicographically by
// ID so dequeue order is identical across replays of the same checkpoint
// regardless of goroutine scheduling.
type taskHeap []Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].ID < h[j].ID }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered queue of tasks for one
// superstep. It combines a priority heap (for ordering) with a buffered
// channel (for backpressure): Enqueue blocks once the channel reaches
// capacity until a Dequeue frees a slot or the context is cancelled.
//
// Thread-safety: safe for concurrent use by multiple goroutines.
type Frontier struct {
	heap     taskHeap
	queue    chan Task
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier creates an empty Frontier bounded to capacity tasks.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(taskHeap, 0),
		queue:    make(chan Task, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds a task to the frontier. It blocks once the channel is full
// until a Dequeue call frees capacity or ctx is cancelled, implementing the
// backpressure the planner relies on to bound a single superstep's
// concurrency regardless of how many tasks it produced.
func (f *Frontier) Enqueue(ctx context.Context, task Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if len(f.queue) >= f.capacity {
		f.backpressureEvents.Add(1)
	}

	// Reserve a queue slot before touching the heap: if ctx is cancelled
	// while waiting, the heap must never receive a push with no matching
	// slot, or Dequeue would wait forever on an entry it has no signal for.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- task:
	}

	f.mu.Lock()
	heap.Push(&f.heap, task)
	currentDepth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		oldPeak := f.peakQueueDepth.Load()
		if currentDepth <= oldPeak || f.peakQueueDepth.CompareAndSwap(oldPeak, currentDepth) {
			break
		}
	}

	f.totalEnqueued.Add(1)
	return nil
}

// Dequeue blocks until a task is available or ctx is cancelled, returning
// the queued task with the lexicographically smallest ID.
func (f *Frontier) Dequeue(ctx context.Context) (Task, error) {
	var zero Task

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(Task)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len reports the current number of queued tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of one superstep's
// concurrency behavior, exposed to PrometheusMetrics and to callers probing
// for tuning feedback on MaxConcurrentTasks/QueueDepth.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	currentQueueDepth := int32(f.heap.Len())
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         currentQueueDepth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
