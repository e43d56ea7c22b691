package zkem

import (
	"sync"
)

// futureState tracks where a Future is in its settle-once lifecycle.
type futureState int32

func (state futureState) String() string {
	switch state {
	case futurePending:
		return "pending"
	case futureSucceeded:
		return "succeeded"
	case futureFailed:
		return "failed"
	}
	return "illegal"
}

const (
	// Future has not settled yet. This is the state the future is born in.
	futurePending futureState = iota
	// Future settled with a value.
	futureSucceeded
	// Future settled with a failure.
	futureFailed
)

// Future is a single-use container for the outcome of one asynchronous operation. It settles
// exactly once, to either a value or a failure, and is not restartable.
//
// Callers never block on a Future; they register observers and the observers are invoked when
// the outcome is known. Observers registered after the future has settled are invoked inline,
// immediately, with the settled outcome. Observers registered before settlement run at settle
// time, in registration order.
//
// Double settle policy is lenient: settling an already settled future is a no-op, and
// Succeed/Fail return false so the caller can count and log the collision. This is a
// deliberate choice; the condition indicates a programming error on the settling side, but
// the first outcome always wins and observers never run twice.
//
// All methods are safe for concurrent use. Observer callbacks are invoked outside the
// internal lock, so an observer may itself register observers or settle other futures.
type Future[T any] struct {
	mu        sync.Mutex
	state     futureState
	value     T
	err       error
	onSuccess []func(T)
	onFailure []func(error)
	// Diagnostic context for futures minted by the operation dispatcher. Never drives
	// control flow.
	op *OpContext
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{}
}

// Succeed settles the future with a value and runs the registered success observers in
// registration order. Returns false, without side effect, if the future has already settled.
func (f *Future[T]) Succeed(v T) bool {

	f.mu.Lock()
	if f.state != futurePending {
		f.mu.Unlock()
		return false
	}
	f.state = futureSucceeded
	f.value = v
	obs := f.onSuccess
	f.onSuccess = nil
	f.onFailure = nil
	f.mu.Unlock()

	for _, fn := range obs {
		fn(v)
	}

	return true
}

// Fail settles the future with a failure and runs the registered failure observers in
// registration order. Returns false, without side effect, if the future has already settled.
func (f *Future[T]) Fail(err error) bool {

	f.mu.Lock()
	if f.state != futurePending {
		f.mu.Unlock()
		return false
	}
	f.state = futureFailed
	f.err = err
	obs := f.onFailure
	f.onSuccess = nil
	f.onFailure = nil
	f.mu.Unlock()

	for _, fn := range obs {
		fn(err)
	}

	return true
}

// OnSuccess registers fn to run with the settled value. If the future already succeeded, fn
// is invoked inline before OnSuccess returns. If the future failed, or fails later, fn never
// runs.
func (f *Future[T]) OnSuccess(fn func(T)) {

	f.mu.Lock()
	switch f.state {
	case futurePending:
		f.onSuccess = append(f.onSuccess, fn)
		f.mu.Unlock()
		return
	case futureSucceeded:
		v := f.value
		f.mu.Unlock()
		fn(v)
		return
	}
	f.mu.Unlock()
}

// OnFailure registers fn to run with the settled failure. If the future already failed, fn
// is invoked inline before OnFailure returns. If the future succeeded, or succeeds later, fn
// never runs.
func (f *Future[T]) OnFailure(fn func(error)) {

	f.mu.Lock()
	switch f.state {
	case futurePending:
		f.onFailure = append(f.onFailure, fn)
		f.mu.Unlock()
		return
	case futureFailed:
		err := f.err
		f.mu.Unlock()
		fn(err)
		return
	}
	f.mu.Unlock()
}

// Settled indicates whether the future has an outcome yet.
func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != futurePending
}

// Outcome returns the settled value and failure, and whether the future has settled at all.
// Useful for inspection and tests; reactive consumers should prefer observers.
func (f *Future[T]) Outcome() (value T, err error, settled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.state != futurePending
}

// Op returns the diagnostic operation context attached by the dispatcher, nil for futures
// not minted by an operation (e.g. Connect, Close).
func (f *Future[T]) Op() *OpContext {
	return f.op
}
