package zkem

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// lifecycleState: describes the state of the client handle itself, as opposed to the
// session, which the driver reports through StateNotification.
type lifecycleState int32

func (state lifecycleState) String() string {
	switch state {
	case lifecycleUnconnected:
		return "unconnected"
	case lifecycleConnected:
		return "connected"
	case lifecycleClosing:
		return "closing"
	case lifecycleClosed:
		return "closed"
	}
	return "illegal"
}

const (
	// Client created, no session handle acquired yet. This is the initial state.
	lifecycleUnconnected lifecycleState = iota
	// Session handle acquired and attached.
	lifecycleConnected
	// Close in progress. Entered exactly once; guards re-entrant Close calls.
	lifecycleClosing
	// Terminal. There is no transition out; a new client is required.
	lifecycleClosed
)

// connTracker owns the four session notification channels and the transition logic deciding,
// from a raw state code, which channel fires. All handling runs on the loop; the tracker
// itself takes no locks beyond those inside the connEvents.
type connTracker struct {
	connecting     *connEvent[StateNotification]
	connected      *connEvent[StateNotification]
	connectionLost *connEvent[error]
	closed         *connEvent[Closed]

	// consecutive lost notifications, for logs and metrics.
	lostCount *atomic.Int64

	logger  *zap.SugaredLogger
	metrics *metricsHolder
}

func newConnTracker(lg *zap.SugaredLogger, metrics *metricsHolder) *connTracker {
	return &connTracker{
		connecting:     newConnEvent[StateNotification](),
		connected:      newConnEvent[StateNotification](),
		connectionLost: newConnEvent[error](),
		closed:         newConnEvent[Closed](),
		lostCount:      atomic.NewInt64(0),
		logger:         lg,
		metrics:        metrics,
	}
}

// routes builds the explicit raw-state mapping table the dispatcher consults. The table is
// owned by the client instance and built once at construction; there is no process-wide
// registry of handlers.
func (t *connTracker) routes() map[SessionState]func(StateNotification) {
	return map[SessionState]func(StateNotification){
		StateConnecting: t.handleConnecting,
		StateConnected:  t.handleConnected,
		StateExpired:    t.handleExpired,
	}
}

func (t *connTracker) handleConnecting(n StateNotification) {
	t.logger.Debugw("session connecting", n.logKV()...)
	t.metrics.sessionState(StateConnecting)
	t.connecting.fire(n)
}

func (t *connTracker) handleConnected(n StateNotification) {
	t.logger.Debugw("session connected", n.logKV()...)
	t.metrics.sessionState(StateConnected)
	t.connected.fire(n)
}

// handleExpired synthesises a connection-loss failure and routes it through the same shared
// channel operation-level losses use, so subscribers learn of the loss exactly once per
// occurrence regardless of how it was detected.
func (t *connTracker) handleExpired(n StateNotification) {

	err := n.Err
	if err == nil {
		err = ZkemErrorSessionExpired
	}

	t.loseConnection(zkemErrorf(err, "session expired notification from %q", n.Server))
}

// loseConnection fires the shared connection-lost channel. Called on the loop, either from
// handleExpired or from the operation dispatcher's failure forwarding.
func (t *connTracker) loseConnection(err error) {
	t.lostCount.Inc()
	t.metrics.connectionLost()
	t.logger.Warnw("connection lost", zkemErrKeyword, err.Error(), "occurrence", t.lostCount.Load())
	t.connectionLost.fire(err)
}

// clearPending drops every observer waiting on a recurring session notification. Invoked by
// close teardown so we never fire into subscribers of a client being torn down. The closed
// channel is deliberately left alone; it is about to fire.
func (t *connTracker) clearPending() {
	t.connecting.reset()
	t.connected.reset()
	t.connectionLost.reset()
}
