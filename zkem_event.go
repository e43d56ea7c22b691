package zkem

import (
	"sync"
)

// connEvent is the resettable variant of Future used for session state notifications.
//
// A Future settles once and is done; session states recur. connEvent bridges the two: each
// firing settles the current future, and a fresh pending future is swapped in wholesale so
// later subscribers see the next occurrence rather than a stale one. The settled instance's
// observer list is never reused across resets.
//
// The swap happens before the settled observers run. The consequence, and the documented
// contract, is that a subscriber only ever sees one firing per registration: to follow a
// recurring state it must re-register from inside its own callback, which lands the new
// registration on the already swapped-in pending future, i.e. on the next occurrence.
type connEvent[T any] struct {
	mu  sync.Mutex
	cur *Future[T]
}

func newConnEvent[T any]() *connEvent[T] {
	return &connEvent[T]{cur: NewFuture[T]()}
}

// subscribe registers fn against the current occurrence only.
func (e *connEvent[T]) subscribe(fn func(T)) {
	e.current().OnSuccess(fn)
}

// current returns the future backing the next (or, after fireFinal, the last) occurrence.
func (e *connEvent[T]) current() *Future[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

// fire delivers one occurrence: swaps in a fresh pending future, then settles the previous
// one so its observers run. Re-registrations made by those observers land on the fresh
// future and see the next firing only.
func (e *connEvent[T]) fire(v T) {

	e.mu.Lock()
	prev := e.cur
	e.cur = NewFuture[T]()
	e.mu.Unlock()

	prev.Succeed(v)
}

// fireFinal delivers a terminal occurrence without swapping, so current() keeps returning
// the same settled future forever and late subscribers are invoked immediately with the
// settled value. Used for the closed notification, which happens at most once per client.
func (e *connEvent[T]) fireFinal(v T) {
	e.current().Succeed(v)
}

// reset discards the pending occurrence, dropping any observers registered against it,
// without firing. Used during close to avoid delivering into torn-down subscribers.
func (e *connEvent[T]) reset() {
	e.mu.Lock()
	e.cur = NewFuture[T]()
	e.mu.Unlock()
}
