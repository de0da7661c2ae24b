// Package queue provides the bounded in-memory priority queue feeding
// the worker pool.
//
// Items dequeue strictly by ascending priority value (0 is most
// urgent), FIFO within equal priority. Enqueue never blocks: a full
// queue fails fast with conveyor.ErrQueueFull so callers can apply
// their own backpressure policy. Dequeue blocks until an item is
// available, the context is done, or the queue is closed and drained.
package queue
