package queue

import (
	"container/heap"
	"context"
	"sync"

	"golang.org/x/time/rate"

	conveyor "github.com/conveyorhq/conveyor"
)

// Option configures a Queue.
type Option func(*options)

type options struct {
	limiter *rate.Limiter
}

// WithRateLimit throttles dequeues to r items per second with the given
// burst. Enqueues are never throttled.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// entry is a queued item plus its ordering keys.
type entry[T any] struct {
	item     T
	priority int
	seq      uint64
}

// entryHeap orders by ascending priority, then ascending sequence so
// equal priorities stay FIFO.
type entryHeap[T any] []entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry[T]{}
	*h = old[:n-1]
	return e
}

// Queue is a bounded, priority-ordered, concurrency-safe queue.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    entryHeap[T]
	capacity int
	seq      uint64
	closed   bool
	limiter  *rate.Limiter
}

// New creates a queue bounded at capacity items. capacity <= 0 panics;
// an unbounded queue defeats the backpressure contract.
func New[T any](capacity int, opts ...Option) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue[T]{
		items:    make(entryHeap[T], 0, capacity),
		capacity: capacity,
		limiter:  o.limiter,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds item at the given priority (lower value dequeues first).
// Returns conveyor.ErrQueueFull when the queue is at capacity and
// conveyor.ErrQueueClosed after Close.
func (q *Queue[T]) Enqueue(item T, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return conveyor.ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return conveyor.ErrQueueFull
	}

	q.seq++
	heap.Push(&q.items, entry[T]{item: item, priority: priority, seq: q.seq})
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the most urgent item, blocking until one
// is available. Returns ctx.Err() when the context is done first, and
// conveyor.ErrQueueClosed once the queue is closed and drained.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	// Wake all waiters when ctx ends so the cond loop can observe it.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return zero, conveyor.ErrQueueClosed
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		q.notEmpty.Wait()
	}

	e := heap.Pop(&q.items).(entry[T])
	return e.item, nil
}

// tryDequeue removes and returns the most urgent item without blocking.
func (q *Queue[T]) tryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	e := heap.Pop(&q.items).(entry[T])
	return e.item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Depths returns the number of queued items per priority value.
func (q *Queue[T]) Depths() map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[int]int)
	for _, e := range q.items {
		depths[e.priority]++
	}
	return depths
}

// Close marks the queue closed. Queued items remain dequeueable;
// blocked Dequeue calls return conveyor.ErrQueueClosed once drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}
