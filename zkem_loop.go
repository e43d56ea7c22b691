package zkem

import (
	"sync"

	"go.uber.org/zap"
)

// Scheduler is the single primitive the adapter consumes from its owning event loop:
// schedule fn to run on the loop, after whatever is already queued. Scheduling must be safe
// from any goroutine, must preserve submission order, and must not block when invoked from
// inside a running tick. Ticks schedule follow-up ticks (a failure observer forwarding a
// connection loss, a subscriber issuing operations from its callback), so a scheduler which
// blocks a tick on its own queue wedges the loop against itself.
//
// Applications embedding zkem into an existing cooperative loop provide their own Scheduler
// through the WithScheduler option. Without the option, the client runs its own serial loop.
type Scheduler interface {
	ScheduleNextTick(fn func())
}

// serialLoop is the default Scheduler: an unbounded FIFO queue of ticks drained by a single
// goroutine. One consumer goroutine gives us the two properties the core depends on: FIFO
// delivery, and no two ticks ever running concurrently. The queue grows rather than makes
// the producer wait, because the producer is frequently a tick already running on the
// consumer goroutine; a bounded queue would deadlock the loop the moment a burst of
// completions overlaps with in-tick scheduling.
type serialLoop struct {
	mu    sync.Mutex
	queue []func()
	// Capacity one. A pending token means the queue may be non-empty.
	wake chan struct{}
	quit chan struct{}
}

func newSerialLoop(depth int32) *serialLoop {
	return &serialLoop{
		queue: make([]func(), 0, depth),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
}

// run drains ticks until stop. On stop, anything already queued still runs; the loop never
// abandons a tick it has accepted.
func (l *serialLoop) run(lg *zap.SugaredLogger) {

	lg.Debug("serial loop, start running")

	for {
		for fn := l.next(); fn != nil; fn = l.next() {
			fn()
		}
		select {
		case <-l.wake:
		case <-l.quit:
			for fn := l.next(); fn != nil; fn = l.next() {
				fn()
			}
			lg.Debug("serial loop, drained and done")
			return
		}
	}
}

func (l *serialLoop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

// ScheduleNextTick queues fn for the loop goroutine. Never blocks: the queue is unbounded,
// so a running tick may schedule further ticks freely. After stop, late scheduling from
// driver stragglers is discarded; by then every subscription point has been cleared or
// settled, so there is nobody left to notify.
func (l *serialLoop) ScheduleNextTick(fn func()) {

	select {
	case <-l.quit:
		return
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// stop makes the loop goroutine exit once the queue is drained. Safe to call once only;
// the client guards this with its terminal lifecycle state.
func (l *serialLoop) stop() {
	close(l.quit)
}
