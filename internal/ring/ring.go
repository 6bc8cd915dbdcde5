// Package ring provides a circular list with a rotating head, used to hand
// out turns fairly among a changing set of elements.
//
// The ring is backed by a slice and a cursor index rather than linked nodes.
// The element at the cursor is the head; the element just before it is the
// tail. Ring is not safe for concurrent use.
package ring

import "iter"

// Ring is a circular list of comparable elements with a movable head.
type Ring[T comparable] struct {
	items []T
	head  int
}

// New returns an empty ring.
func New[T comparable]() *Ring[T] {
	return &Ring[T]{}
}

// Len returns the number of elements in the ring.
func (r *Ring[T]) Len() int {
	return len(r.items)
}

// InsertAtTail places e just before the head, so it is the last to get a turn.
func (r *Ring[T]) InsertAtTail(e T) {
	r.insertAt(r.head, e)
	if len(r.items) > 1 {
		r.head++
	}
}

// InsertAtHead inserts e at the tail and rotates the head back onto it.
func (r *Ring[T]) InsertAtHead(e T) {
	r.InsertAtTail(e)
	r.head = r.wrap(r.head - 1)
}

// Peek returns the head element without moving the head.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Pop removes and returns the head element. The next element becomes the head.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	e := r.items[r.head]
	r.removeAt(r.head)
	return e, true
}

// Advance returns the head element and rotates the head forward by one.
func (r *Ring[T]) Advance() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	e := r.items[r.head]
	r.head = r.wrap(r.head + 1)
	return e, true
}

// AdvanceToElement rotates forward at most once around the ring and returns
// the first element satisfying pred, leaving the head just past it. When no
// element matches, the head ends where it started and ok is false.
func (r *Ring[T]) AdvanceToElement(pred func(T) bool) (T, bool) {
	var zero T
	for range len(r.items) {
		e, _ := r.Advance()
		if pred(e) {
			return e, true
		}
	}
	return zero, false
}

// Remove unlinks the first element equal to e, scanning from the head.
func (r *Ring[T]) Remove(e T) bool {
	for i := range len(r.items) {
		idx := r.wrap(r.head + i)
		if r.items[idx] == e {
			r.removeAt(idx)
			return true
		}
	}
	return false
}

// All iterates once around the ring starting at the head. It does not move
// the head.
func (r *Ring[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := range len(r.items) {
			if !yield(r.items[r.wrap(r.head+i)]) {
				return
			}
		}
	}
}

func (r *Ring[T]) insertAt(idx int, e T) {
	var zero T
	r.items = append(r.items, zero)
	copy(r.items[idx+1:], r.items[idx:])
	r.items[idx] = e
}

func (r *Ring[T]) removeAt(idx int) {
	var zero T
	copy(r.items[idx:], r.items[idx+1:])
	r.items[len(r.items)-1] = zero
	r.items = r.items[:len(r.items)-1]

	if idx < r.head {
		r.head--
	}
	if r.head >= len(r.items) {
		r.head = 0
	}
}

func (r *Ring[T]) wrap(i int) int {
	n := len(r.items)
	if n == 0 {
		return 0
	}
	return ((i % n) + n) % n
}
