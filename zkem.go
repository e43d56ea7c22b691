package zkem

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ClientConfig is, well, configuration for the client. Package expects configuration to be
// passed in when creating the client using NewClient.
type ClientConfig struct {
	// Coordination service ensemble endpoints, in the form address:port. Required unless a
	// custom Driver which ignores them is supplied.
	Servers []string
	//
	// Session timeout negotiated with the ensemble. Defaults to 10s.
	SessionTimeout time.Duration
	//
	// Driver binding to the underlying client. Defaults to the ZooKeeper binding in
	// zkem_zkdriver.go. Tests substitute scripted drivers here.
	Driver Driver
	//
	// Channel depths, if not set will default to sensible values. LoopTicks sizes the
	// initial tick queue of the client's own serial loop; the queue grows on demand, so
	// this is a capacity hint, never a ceiling.
	ChannelDepth struct {
		LoopTicks int32
	}
}

// NewClientConfig returns a ClientConfig structure initialised with sensible defaults where
// possible. Caller will need to set up Servers as a minimum before using it in NewClient.
func NewClientConfig() ClientConfig {

	cfg := ClientConfig{}

	return cfg
}

const defaultSessionTimeout = 10 * time.Second

// ClientConfig.validate: provides validation function for the configuration presented by
// user. Defaults are also set if necessary.
func (cfg *ClientConfig) validate() error {

	if len(cfg.Servers) == 0 && cfg.Driver == nil {
		return zkemErrorf(
			ZkemErrorMissingClientConfig,
			"no endpoints specified in Servers, expect at least one e.g. 'zk1.example.com:2181'")
	}

	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}

	if cfg.Driver == nil {
		cfg.Driver = zkDriver{}
	}

	if cfg.ChannelDepth.LoopTicks == 0 {
		cfg.ChannelDepth.LoopTicks = 64
	}

	return nil
}

// Closed is the payload of the terminal closed notification.
type Closed struct {
}

// Client is the asynchronous adapter over one coordination service session. Public access to
// services provided by Client is concurrency safe; every operation returns a Future
// immediately and no public method ever blocks on the network.
//
// Subscriber callbacks and future settlements run on the owning event loop (the client's
// own serial loop unless WithScheduler supplied one), never inline with the underlying
// client's delivery context.
type Client struct {
	// Readonly state provided when the Client is created.
	config *ClientConfig
	// Instance id, labels logs and metrics when several clients share a process.
	id string
	// Lifecycle of the client handle; see zkem_state.go. Terminal at lifecycleClosed.
	state *atomic.Int32
	// Where deliveries hop onto the loop. ownLoop is non-nil only when the loop is ours.
	loop    Scheduler
	ownLoop *serialLoop
	// Session notification channels and transition logic.
	tracker *connTracker
	// Explicit raw-state mapping table, built once at construction. No process-wide
	// registry of handlers exists.
	routes map[SessionState]func(StateNotification)
	// Guards conn and ready.
	mu    sync.Mutex
	conn  Conn
	ready *Future[StateNotification]
	// Lenient double-settle collisions observed; indicates a driver bug.
	settleCollisions *atomic.Int64
	// metrics structure associated with this client.
	metrics *metricsHolder
	// logger for Client, configurable through WithLogger option.
	logger *zap.SugaredLogger
}

// ClientOption operator, operates on client to manage configuration.
type ClientOption func(*Client) error

// WithLogger option is invoked by the application to provide a customised zap logger option,
// or to disable logging. If logger passed in is nil, zkem will disable logging.
//
// If WithLogger generated ClientOption is not passed in, package uses its own configured zap
// logger. If application wishes to derive its logger as some variant of the default zkem
// logger, it can invoke DefaultZapLoggerConfig() to fetch the default configuration, modify
// it, build a logger through the zap library directly and pass that into WithLogger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.Sugar()
		} else {
			c.logger = zap.NewNop().Sugar()
		}
		return nil
	}
}

// WithMetrics option used with NewClient to specify metrics registry we should count in.
// Detailed option indicates whether detailed (and more expensive) metrics are tracked
// (e.g. per operation latency distribution). If nil is passed in for the registry, the
// default registry prometheus.DefaultRegisterer is used. Do note that the package does not
// set up serving metrics; that is up to the application. If the WithMetrics ClientOption is
// not passed in to NewClient, metrics collection is disabled.
func WithMetrics(registry *prometheus.Registry, detailed bool) ClientOption {
	return func(c *Client) error {
		c.metrics = initMetrics(registry, c.id, detailed)
		return nil
	}
}

// WithScheduler option embeds the client into an event loop owned by the application.
// The scheduler must run scheduled functions serially and in submission order; the client
// schedules every driver delivery and every subscriber callback through it. Without this
// option the client runs its own serial loop.
func WithScheduler(s Scheduler) ClientOption {
	return func(c *Client) error {
		if s == nil {
			return zkemErrorf(ZkemErrorBadClientOption, "nil Scheduler")
		}
		c.loop = s
		return nil
	}
}

// NewClient builds a client for the configured ensemble. The client starts out unconnected;
// call Connect to acquire the session, and Close exactly once when done with it. A closed
// client cannot be reopened.
//
// NewClient also accepts logging, metrics and scheduling options (see WithLogger,
// WithMetrics and WithScheduler).
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {

	err := cfg.validate()
	if err != nil {
		// It is too early and logging may not be set up yet. Simply return the error.
		return nil, err
	}

	c := &Client{
		config:           &cfg,
		id:               uuid.New().String(),
		state:            atomic.NewInt32(int32(lifecycleUnconnected)),
		settleCollisions: atomic.NewInt64(0),
	}

	for _, opt := range opts {
		err := opt(c)
		if err != nil {
			return nil, zkemErrorf(ZkemErrorBadClientOption, "applied option err [%v]", err)
		}
	}

	err = initLogging(c)
	if err != nil {
		// We failed to initialise logging. We cannot log (obviously), so we simply return
		// the error and bail.
		return nil, zkemErrorf(err, "init logging failed")
	}

	c.tracker = newConnTracker(c.logger, c.metrics)

	// Build the per-instance mapping table from raw state codes to tracker paths, wrapping
	// the connected path so the first firing also settles the ready future from Connect.
	c.routes = c.tracker.routes()
	connectedRoute := c.routes[StateConnected]
	c.routes[StateConnected] = func(n StateNotification) {
		c.markAttached(n)
		connectedRoute(n)
	}

	if c.loop == nil {
		c.ownLoop = newSerialLoop(cfg.ChannelDepth.LoopTicks)
		c.loop = c.ownLoop
		go c.ownLoop.run(c.logger)
	}

	c.logger.Infow("zkem client created", c.logKV()...)

	return c, nil
}

func (c *Client) logKV() []interface{} {
	return []interface{}{
		"obj", "Client",
		"id", c.id,
		"lifecycle", c.lifecycle().String(),
		"servers", c.config.Servers,
		"settleCollisions", c.settleCollisions.Load(),
	}
}

func (c *Client) lifecycle() lifecycleState {
	return lifecycleState(c.state.Load())
}

// session returns the live session handle (nil before Connect acquires one) and the
// lifecycle state it was read under.
func (c *Client) session() (Conn, lifecycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.lifecycle()
}

// settleCollision records a lenient double settle. The first outcome won; this one was
// discarded. A nonzero count means the driver delivered two completions for one operation.
func (c *Client) settleCollision(octx *OpContext) {
	c.settleCollisions.Inc()
	c.logger.Debugw("discarded second settle of a future", octx.logKV()...)
}

// markAttached runs on the loop when the driver reports the session connected: flips the
// lifecycle to connected and settles the ready future handed out by Connect. Later
// connected notifications (after a transparent reconnect by the underlying client) find the
// future settled already; Succeed is lenient so they are a no-op here.
func (c *Client) markAttached(n StateNotification) {

	c.state.CompareAndSwap(int32(lifecycleUnconnected), int32(lifecycleConnected))

	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	if ready != nil {
		ready.Succeed(n)
	}
}

// dispatchNotification is the sole bridge between the driver's notification delivery
// context and the loop: every raw notification is scheduled for the next tick, in arrival
// order, and the tracker only ever runs on the loop. Keeping subscriber logic off the
// driver's goroutine also means a subscriber can issue operations or close the client
// without re-entering the driver library's own delivery internals.
func (c *Client) dispatchNotification(n StateNotification) {
	c.loop.ScheduleNextTick(func() {

		if c.lifecycle() >= lifecycleClosing {
			c.logger.Debugw("dropping session notification, client closing", n.logKV()...)
			return
		}

		route, ok := c.routes[n.State]
		if !ok {
			c.logger.Debugw("session notification with no route", n.logKV()...)
			return
		}
		route(n)
	})
}

// Connect acquires the underlying session handle, created once, lazily, on the first call,
// and returns a future which settles with the connected notification once the transport
// reports the session attached. Repeat calls return the same future. Connect on a closed
// client fails with ZkemErrorReopenUnsupported; create a new client instead.
func (c *Client) Connect() *Future[StateNotification] {

	// The lifecycle check and the ready install sit under one lock so Close can never slip
	// between them. Close flips the lifecycle before its teardown tick reads ready under the
	// same lock, so either Connect observes closing here, or teardown observes the ready
	// future and fails it; a pending ready is never left behind for nobody to settle.
	c.mu.Lock()
	if c.lifecycle() >= lifecycleClosing {
		c.mu.Unlock()
		f := NewFuture[StateNotification]()
		f.Fail(zkemErrorf(ZkemErrorReopenUnsupported, "client %s is %s", c.id, c.lifecycle()))
		return f
	}
	if c.ready != nil {
		ready := c.ready
		c.mu.Unlock()
		return ready
	}
	ready := NewFuture[StateNotification]()
	c.ready = ready
	c.mu.Unlock()

	c.logger.Infow("connecting", c.logKV()...)

	// Session acquisition happens off the caller's goroutine; Connect never blocks on the
	// network. Notifications are held at the barrier until the handle is installed, so a
	// subscriber woken by the very first connected notification always finds the session
	// usable.
	go func() {
		installed := make(chan struct{})
		notify := func(n StateNotification) {
			<-installed
			c.dispatchNotification(n)
		}

		conn, err := c.config.Driver.Open(c.config.Servers, c.config.SessionTimeout, notify)
		if err != nil {
			close(installed)
			c.loop.ScheduleNextTick(func() {
				// Acquisition failed outright. Surface on the ready future and forget it,
				// so a later Connect may try afresh.
				c.mu.Lock()
				c.ready = nil
				c.mu.Unlock()
				ready.Fail(zkemErrorf(err, "session open failed"))
			})
			return
		}

		c.mu.Lock()
		if c.lifecycle() >= lifecycleClosing {
			c.mu.Unlock()
			close(installed)
			// Close raced the open. The teardown path has already run and will not
			// release this handle; do it here. Settle ready directly, not through the
			// loop, since teardown may already have stopped it; a no-op when teardown
			// got to the future first.
			c.logger.Infow("session opened after close, shutting it down", c.logKV()...)
			ready.Fail(zkemErrorf(ZkemErrorClientClosed, "closed while connecting"))
			conn.Close(func(error) {})
			return
		}
		c.conn = conn
		c.mu.Unlock()
		close(installed)
	}()

	return ready
}

// Close shuts the client down: clears pending session-event subscriptions (so nothing fires
// into torn-down observers), requests driver shutdown, fires the closed notification once
// shutdown completes, and releases the handle. The returned future is the same one for
// every caller; re-entrant calls while closing, and calls after closed, return it settled
// or pending as is, and the underlying shutdown sequence executes exactly once.
//
// If the client never connected, closed settles on the next tick without any driver
// involvement. In-flight operation futures are not retroactively failed; their outcome
// depends on the driver's own shutdown behaviour.
func (c *Client) Close() *Future[Closed] {

	closed := c.tracker.closed.current()

	for {
		s := c.state.Load()
		if s >= int32(lifecycleClosing) {
			return closed
		}
		if c.state.CompareAndSwap(s, int32(lifecycleClosing)) {
			break
		}
	}

	c.logger.Infow("closing", c.logKV()...)

	c.loop.ScheduleNextTick(func() {

		c.tracker.clearPending()

		c.mu.Lock()
		conn := c.conn
		ready := c.ready
		c.conn = nil
		c.mu.Unlock()

		if ready != nil {
			ready.Fail(zkemErrorf(ZkemErrorClientClosed, "closed while connecting"))
		}

		if conn == nil {
			c.finishClose(nil)
			return
		}

		conn.Close(func(err error) {
			c.loop.ScheduleNextTick(func() {
				c.finishClose(err)
			})
		})
	})

	return closed
}

func (c *Client) finishClose(err error) {

	if err != nil {
		c.logger.Warnw("driver shutdown reported error", zkemErrKeyword, err.Error())
	}

	c.state.Store(int32(lifecycleClosed))
	c.logger.Infow("closed", c.logKV()...)
	c.tracker.closed.fireFinal(Closed{})

	if c.ownLoop != nil {
		c.ownLoop.stop()
	}
}

// OnConnecting registers fn against the next connecting notification only; re-register from
// inside the callback to follow the session across occurrences.
func (c *Client) OnConnecting(fn func(StateNotification)) {
	c.tracker.connecting.subscribe(fn)
}

// OnConnected registers fn against the next connected notification only; re-register from
// inside the callback to follow the session across occurrences.
func (c *Client) OnConnected(fn func(StateNotification)) {
	c.tracker.connected.subscribe(fn)
}

// OnConnectionLost registers fn against the next confirmed connection loss only, whether
// detected through an expired-session notification or through an operation failing with a
// connection-loss error. Re-register from inside the callback to hear about subsequent
// losses. Callers which never subscribe simply miss the broadcast; per-call failures remain
// visible on the per-call futures regardless.
func (c *Client) OnConnectionLost(fn func(error)) {
	c.tracker.connectionLost.subscribe(fn)
}

// OnClose registers fn against the terminal closed notification. Unlike the session
// subscriptions this one does not recur: once fired it stays settled, and late
// registrations are invoked immediately.
func (c *Client) OnClose(fn func(Closed)) {
	c.tracker.closed.subscribe(fn)
}

// SessionID returns the server-assigned identifier of the current session, 0 before the
// session handle is acquired or after close.
func (c *Client) SessionID() int64 {
	conn, _ := c.session()
	if conn == nil {
		return 0
	}
	return conn.SessionID()
}

// SessionCredential returns the credential of the current session, nil before the session
// handle is acquired, after close, or when the driver does not expose one.
func (c *Client) SessionCredential() []byte {
	conn, _ := c.session()
	if conn == nil {
		return nil
	}
	return conn.SessionCredential()
}

// DefaultZapLoggerConfig provides a production logger configuration (logs Info and above,
// JSON to stderr, with caller and sampling disabled) which can be customised by application
// to produce its own logger. Any logger provided by the application will also have its name
// extended by the zkem package to clearly identify that log message comes from zkem. For
// example, if the application log is named "foo", then the zkem logs will be labelled with
// key "logger" value "foo.zkem".
func DefaultZapLoggerConfig() zap.Config {

	lcfg := zap.NewProductionConfig()
	lcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lcfg.DisableStacktrace = false
	lcfg.DisableCaller = true
	lcfg.Sampling = nil

	return lcfg
}

// initLogging ensures that c.logger points at something even if it is pointing to a noop
// logger. By default, we log to an opinionated pre-configured log. The WithLogger option
// can override configuration or disable logging completely.
func initLogging(c *Client) error {

	if c.logger == nil {
		logger, err := DefaultZapLoggerConfig().Build()
		if err != nil {
			return zkemErrorf(err, "failed to set up logging")
		}
		c.logger = logger.Sugar()
	}

	// We must, absolutely must, never return without a logger and without an error.
	if c.logger == nil {
		return zkemErrorf(
			ZkemErrorMissingLogger, "tried to set up a logger, but failed, zap did not indicate why")
	}

	// Set logger name. This will end up being concatenated to any preexisting log name.
	c.logger = c.logger.Named("zkem")

	return nil
}
