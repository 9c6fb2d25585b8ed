// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package deque implements a double-ended queue over a circular buffer, and
// a locked mailbox built on it for handing values between goroutines.
package deque

// minCapacity is the smallest backing array allocated by a Deque.
const minCapacity = 8

// A Deque is a double-ended queue of values of type T, stored in a circular
// buffer that grows as needed. Adding or removing at either end is O(1)
// amortized; insertion and removal in the middle are O(n). The zero value is
// ready for use as an empty queue.
//
// A Deque is not safe for concurrent use; see [Mailbox].
type Deque[T any] struct {
	buf   []T
	head  int // index of the first element
	count int
}

// New constructs an empty Deque with capacity for at least n elements.
func New[T any](n int) *Deque[T] {
	q := new(Deque[T])
	q.EnsureCapacity(n)
	return q
}

// Len reports the number of elements in q.
func (q *Deque[T]) Len() int { return q.count }

// slot returns the index in q.buf of the element at logical position i.
func (q *Deque[T]) slot(i int) int { return (q.head + i) % len(q.buf) }

// EnsureCapacity grows the backing array of q if necessary so that it can
// hold at least n elements without reallocation.
func (q *Deque[T]) EnsureCapacity(n int) {
	if n <= len(q.buf) {
		return
	}
	nc := max(minCapacity, len(q.buf))
	for nc < n {
		nc *= 2
	}
	nb := make([]T, nc)
	for i := range q.count {
		nb[i] = q.buf[q.slot(i)]
	}
	q.buf = nb
	q.head = 0
}

// Append adds v at the end of q.
func (q *Deque[T]) Append(v T) {
	q.EnsureCapacity(q.count + 1)
	q.buf[q.slot(q.count)] = v
	q.count++
}

// Prepend adds v at the front of q.
func (q *Deque[T]) Prepend(v T) {
	q.EnsureCapacity(q.count + 1)
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = v
	q.count++
}

// RemoveFirst removes and returns the first element of q. If q is empty, it
// returns a zero value and false.
func (q *Deque[T]) RemoveFirst() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

// RemoveLast removes and returns the last element of q. If q is empty, it
// returns a zero value and false.
func (q *Deque[T]) RemoveLast() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	i := q.slot(q.count - 1)
	v := q.buf[i]
	q.buf[i] = zero
	q.count--
	return v, true
}

// First returns the first element of q, or a zero value and false if q is
// empty.
func (q *Deque[T]) First() (T, bool) {
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// Last returns the last element of q, or a zero value and false if q is
// empty.
func (q *Deque[T]) Last() (T, bool) {
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.slot(q.count-1)], true
}

// At returns the element at position i of q, where 0 is the first element.
// It panics if i is out of range.
func (q *Deque[T]) At(i int) T {
	q.checkIndex(i, q.count)
	return q.buf[q.slot(i)]
}

// Set replaces the element at position i of q with v.
// It panics if i is out of range.
func (q *Deque[T]) Set(i int, v T) {
	q.checkIndex(i, q.count)
	q.buf[q.slot(i)] = v
}

// InsertAt inserts v at position i of q, shifting the elements at i and
// after toward the end. InsertAt(Len(), v) is equivalent to Append(v).
// It panics if i < 0 or i > Len().
func (q *Deque[T]) InsertAt(i int, v T) {
	q.checkIndex(i, q.count+1)
	q.Append(v)
	for j := q.count - 1; j > i; j-- {
		a, b := q.slot(j), q.slot(j-1)
		q.buf[a], q.buf[b] = q.buf[b], q.buf[a]
	}
}

// RemoveAt removes and returns the element at position i of q, shifting the
// elements after it toward the front. It panics if i is out of range.
func (q *Deque[T]) RemoveAt(i int) T {
	q.checkIndex(i, q.count)
	v := q.buf[q.slot(i)]
	for j := i; j < q.count-1; j++ {
		q.buf[q.slot(j)] = q.buf[q.slot(j+1)]
	}
	q.RemoveLast()
	return v
}

// IndexFunc returns the position of the last element of q for which f
// returns true, or -1 if there is none. The scan runs from the end of q
// toward the front.
func (q *Deque[T]) IndexFunc(f func(T) bool) int {
	for i := q.count - 1; i >= 0; i-- {
		if f(q.buf[q.slot(i)]) {
			return i
		}
	}
	return -1
}

// IndexOf returns the position of the last element of q equal to v, or -1.
func IndexOf[T comparable](q *Deque[T], v T) int {
	return q.IndexFunc(func(w T) bool { return w == v })
}

// Clear discards all the elements of q, retaining its backing array.
func (q *Deque[T]) Clear() {
	clear(q.buf)
	q.head, q.count = 0, 0
}

// Each calls f for each element of q in order from first to last.
func (q *Deque[T]) Each(f func(T)) {
	for i := range q.count {
		f(q.buf[q.slot(i)])
	}
}

func (q *Deque[T]) checkIndex(i, n int) {
	if i < 0 || i >= n {
		panic("deque: index out of range")
	}
}
