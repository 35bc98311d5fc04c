package task

import "sync/atomic"

// Collector is a lock-free multi-producer/single-consumer queue: any
// number of goroutines can Add concurrently, while a single consumer
// periodically calls Collect to drain everything added since the
// last call, in insertion order. Grounded on
// original_source/tools/thread/Collector.h, translated from its
// manually-linked atomic-CAS stack plus a double-buffer swap (to let
// producers keep inserting into a fresh stack while the consumer
// drains the other one) into Go's generic atomic.Pointer.
type Collector[T any] struct {
	stacks [2]stack[T]
	active atomic.Int32 // index into stacks currently accepting Add
}

type node[T any] struct {
	data T
	next *node[T]
}

type stack[T any] struct {
	head atomic.Pointer[node[T]]
}

func (s *stack[T]) insert(data T) {
	n := &node[T]{data: data}
	for {
		old := s.head.Load()
		n.next = old
		if s.head.CompareAndSwap(old, n) {
			return
		}
	}
}

func (s *stack[T]) drainInto(out []T) []T {
	n := s.head.Swap(nil)
	start := len(out)
	for n != nil {
		out = append(out, n.data)
		n = n.next
	}
	// nodes were pushed most-recent-first; reverse the appended
	// portion so Collect returns insertion order.
	for i, j := start, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// NewCollector returns an empty Collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

// Add inserts data. Safe for concurrent use by any number of callers.
func (c *Collector[T]) Add(data T) {
	idx := c.active.Load()
	c.stacks[idx].insert(data)
}

// Collect drains everything added since the previous Collect call (or
// since construction) into out, in the order Add was called, and
// returns the extended slice. Must be called from a single consumer
// goroutine; concurrent Collect calls are not supported.
func (c *Collector[T]) Collect(out []T) []T {
	drain := c.active.Load()
	c.active.Store(1 - drain)
	return c.stacks[drain].drainInto(out)
}
