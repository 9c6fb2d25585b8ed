// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package deque

import "sync"

// A Mailbox is a FIFO queue of values shared between any number of producer
// goroutines and a single consumer. Producers never block except briefly to
// acquire the lock. The consumer waits on the [Mailbox.Ready] channel, which
// is signaled when the queue becomes non-empty.
//
// The zero value is not ready for use; use [NewMailbox].
type Mailbox[T any] struct {
	μ      sync.Mutex
	q      Deque[T]
	closed bool
	ready  chan struct{}
}

// NewMailbox constructs a new empty Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push adds vs to the end of the mailbox in order, and reports whether they
// were added. Push reports false without adding anything if the mailbox is
// closed. The values from a single call are contiguous in the queue.
func (m *Mailbox[T]) Push(vs ...T) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		return false
	}
	wasEmpty := m.q.Len() == 0
	m.q.EnsureCapacity(m.q.Len() + len(vs))
	for _, v := range vs {
		m.q.Append(v)
	}
	if wasEmpty && len(vs) != 0 {
		select {
		case m.ready <- struct{}{}:
		default:
		}
	}
	return true
}

// Ready returns a channel that receives a value when the mailbox becomes
// non-empty. A receive from Ready does not guarantee that the mailbox is
// still non-empty, and the channel may not be signaled again for values
// pushed while the mailbox was already non-empty; the consumer should drain
// the mailbox fully after each signal.
func (m *Mailbox[T]) Ready() <-chan struct{} { return m.ready }

// Drain calls f with the values of the mailbox in FIFO order. Each value for
// which f returns true is removed. Drain stops at the first value for which
// f returns false, leaving that value at the front of the mailbox. It
// reports the number of values removed.
//
// The mailbox is locked while f runs, so f must not call methods of m.
func (m *Mailbox[T]) Drain(f func(T) bool) int {
	m.μ.Lock()
	defer m.μ.Unlock()
	var n int
	for {
		v, ok := m.q.First()
		if !ok || !f(v) {
			return n
		}
		m.q.RemoveFirst()
		n++
	}
}

// Len reports the number of values in the mailbox.
func (m *Mailbox[T]) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.q.Len()
}

// Close closes the mailbox, discards its contents, and reports the number of
// values discarded. Subsequent calls to Push report false. Close is safe to
// call more than once.
func (m *Mailbox[T]) Close() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	n := m.q.Len()
	m.q.Clear()
	m.closed = true
	return n
}
