package zkem

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// A scripted driver standing in for the coordination service client. Completions and
// notifications are delivered from goroutines other than the loop, the way a real network
// client would deliver them.

type fakeReply struct {
	resp *Response
	err  error
}

type fakeConn struct {
	mu        sync.Mutex
	replies   map[string]fakeReply
	closes    *atomic.Int32
	sessionID int64
	cred      []byte
	// doubleComplete makes Run invoke the completion sink twice, simulating a misbehaving
	// driver, to exercise the lenient double-settle policy.
	doubleComplete bool
}

func replyKey(kind OpKind, path string) string {
	return kind.String() + ":" + path
}

func (fc *fakeConn) script(kind OpKind, path string, resp *Response, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.replies == nil {
		fc.replies = map[string]fakeReply{}
	}
	fc.replies[replyKey(kind, path)] = fakeReply{resp: resp, err: err}
}

func (fc *fakeConn) Run(req *Request, done func(*Response, error)) {

	fc.mu.Lock()
	r, ok := fc.replies[replyKey(req.Kind, req.Path)]
	double := fc.doubleComplete
	fc.mu.Unlock()

	go func() {
		if !ok {
			done(nil, zkemErrorf(ZkemErrorDriver, "unscripted %s on %q", req.Kind, req.Path))
			return
		}
		done(r.resp, r.err)
		if double {
			done(r.resp, r.err)
		}
	}()
}

func (fc *fakeConn) Close(done func(error)) {
	fc.closes.Inc()
	go done(nil)
}

func (fc *fakeConn) SessionID() int64 {
	return fc.sessionID
}

func (fc *fakeConn) SessionCredential() []byte {
	return fc.cred
}

type fakeDriver struct {
	conn    *fakeConn
	openErr error
	opens   *atomic.Int32
	// openGate, when non-nil, holds Open until closed, for forcing session acquisition to
	// race other client calls.
	openGate chan struct{}
	notifyCh chan func(StateNotification)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		conn: &fakeConn{
			closes:    atomic.NewInt32(0),
			sessionID: 99,
			cred:      []byte("secret"),
		},
		opens:    atomic.NewInt32(0),
		notifyCh: make(chan func(StateNotification), 4),
	}
}

func (d *fakeDriver) Open(servers []string, timeout time.Duration, notify func(StateNotification)) (Conn, error) {
	d.opens.Inc()
	if d.openGate != nil {
		<-d.openGate
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.notifyCh <- notify
	return d.conn, nil
}

func newTestClient(t *testing.T, drv Driver, opts ...ClientOption) *Client {
	t.Helper()

	cfg := NewClientConfig()
	cfg.Servers = []string{"test:2181"}
	cfg.Driver = drv

	c, err := NewClient(cfg, append([]ClientOption{WithLogger(nil)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func await(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// connectTestClient drives the client to connected through the fake driver and returns the
// captured notify callback for injecting further session notifications.
func connectTestClient(t *testing.T, c *Client, d *fakeDriver) func(StateNotification) {
	t.Helper()

	connected := make(chan struct{})
	c.OnConnected(func(StateNotification) { close(connected) })

	c.Connect()

	var notify func(StateNotification)
	select {
	case notify = <-d.notifyCh:
	case <-time.After(time.Second):
		t.Fatal("driver open not observed in time")
	}

	notify(StateNotification{State: StateConnected, Server: "test:2181"})
	await(t, connected, "connected notification")

	return notify
}

// nextTick runs a probe through the loop and waits for it, guaranteeing everything
// scheduled before it has run.
func nextTick(t *testing.T, c *Client) {
	t.Helper()
	probe := make(chan struct{})
	c.loop.ScheduleNextTick(func() { close(probe) })
	await(t, probe, "loop probe tick")
}

func TestClientConfigValidation(t *testing.T) {

	_, err := NewClient(NewClientConfig(), WithLogger(nil))
	if errors.Cause(err) != ZkemErrorMissingClientConfig {
		t.Errorf("empty config err %v, want missing config sentinel", err)
	}

	_, err = NewClient(ClientConfig{Servers: []string{"a:1"}}, WithScheduler(nil))
	if errors.Cause(err) != ZkemErrorBadClientOption {
		t.Errorf("nil scheduler err %v, want bad option sentinel", err)
	}
}

func TestOpBeforeConnectFailsCleanly(t *testing.T) {

	c := newTestClient(t, newFakeDriver())
	defer c.Close()

	f := c.Get("/a")
	_, err, settled := f.Outcome()
	if !settled {
		t.Fatal("future not settled synchronously for a misuse failure")
	}
	if errors.Cause(err) != ZkemErrorNotConnected {
		t.Errorf("err %v, want not-connected sentinel", err)
	}
	if f.Op() == nil || f.Op().Kind != OpGet || f.Op().Path != "/a" {
		t.Errorf("diagnostic context missing or wrong: %+v", f.Op())
	}
}

func TestConnectIsIdempotent(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	defer c.Close()

	f1 := c.Connect()
	f2 := c.Connect()
	if f1 != f2 {
		t.Error("repeat Connect returned a different future")
	}
	if got := d.opens.Load(); got > 1 {
		t.Errorf("driver opened %d times", got)
	}
}

func TestConnectOpenFailureAllowsRetry(t *testing.T) {

	d := newFakeDriver()
	d.openErr = fmt.Errorf("resolver down")
	c := newTestClient(t, d)
	defer c.Close()

	failed := make(chan struct{})
	c.Connect().OnFailure(func(error) { close(failed) })
	await(t, failed, "connect failure")

	// The failed attempt is forgotten; a fresh Connect opens again.
	d.openErr = nil
	ready := make(chan struct{})
	c.Connect().OnSuccess(func(StateNotification) { close(ready) })

	notify := <-d.notifyCh
	notify(StateNotification{State: StateConnected})
	await(t, ready, "connect ready after retry")

	if d.opens.Load() != 2 {
		t.Errorf("driver opened %d times, want 2", d.opens.Load())
	}
}

// The full scenario: connect, connected fires with the state payload, a stat succeeds, close
// fires exactly once and repeat closes return the settled outcome instantly.
func TestConnectStatCloseScenario(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)

	var connectedPayload StateNotification
	connected := make(chan struct{})
	c.OnConnected(func(n StateNotification) {
		connectedPayload = n
		close(connected)
	})

	ready := make(chan struct{})
	c.Connect().OnSuccess(func(StateNotification) { close(ready) })

	notify := <-d.notifyCh
	notify(StateNotification{State: StateConnected, Server: "zk1:2181"})
	await(t, connected, "connected subscription")
	await(t, ready, "connect future")

	if connectedPayload.Server != "zk1:2181" {
		t.Errorf("connected payload %+v", connectedPayload)
	}

	d.conn.script(OpStat, "/a", &Response{Stat: &Stat{Version: 7}, Exists: true}, nil)

	statDone := make(chan struct{})
	var stat StatResponse
	c.Stat("/a").OnSuccess(func(r StatResponse) {
		stat = r
		close(statDone)
	})
	await(t, statDone, "stat response")
	if stat.Stat.Version != 7 {
		t.Errorf("stat shaped wrong: %+v", stat)
	}

	closeCount := 0
	closedCh := make(chan struct{})
	c.OnClose(func(Closed) {
		closeCount++
		close(closedCh)
	})

	f1 := c.Close()
	await(t, closedCh, "closed notification")

	f2 := c.Close()
	if f1 != f2 {
		t.Error("repeat Close returned a different future")
	}
	if !f2.Settled() {
		t.Error("repeat Close future not settled instantly")
	}
	if closeCount != 1 {
		t.Errorf("closed fired %d times", closeCount)
	}
	if d.conn.closes.Load() != 1 {
		t.Errorf("driver shutdown ran %d times", d.conn.closes.Load())
	}
}

func TestConnectionLossDualRouting(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	defer c.Close()
	connectTestClient(t, c, d)

	d.conn.script(OpGet, "/a", nil, zkemErrorf(ZkemErrorConnectionLost, "socket reset"))

	// Both the per-call observer and the broadcast subscriber fire, caller first.
	var order []string
	broadcast := make(chan struct{})
	c.OnConnectionLost(func(err error) {
		order = append(order, "broadcast")
		if errors.Cause(err) != ZkemErrorConnectionLost {
			t.Errorf("broadcast err %v", err)
		}
		close(broadcast)
	})

	c.Get("/a").OnFailure(func(err error) {
		order = append(order, "caller")
		if errors.Cause(err) != ZkemErrorConnectionLost {
			t.Errorf("caller err %v", err)
		}
	})

	await(t, broadcast, "connection-lost broadcast")

	if len(order) != 2 || order[0] != "caller" || order[1] != "broadcast" {
		t.Errorf("relative order %v, want caller then broadcast", order)
	}
}

// A burst of connection-loss failures arriving while the loop is busy: each failure tick
// schedules the shared broadcast from inside the loop, and the tick queue has to absorb
// that without the loop wedging against itself, even at minimal configured depth.
func TestConnectionLossBurstDoesNotStallLoop(t *testing.T) {

	d := newFakeDriver()

	cfg := NewClientConfig()
	cfg.Servers = []string{"test:2181"}
	cfg.Driver = d
	cfg.ChannelDepth.LoopTicks = 1

	c, err := NewClient(cfg, WithLogger(nil))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()
	connectTestClient(t, c, d)

	d.conn.script(OpGet, "/a", nil, zkemErrorf(ZkemErrorConnectionLost, "socket reset"))
	d.conn.script(OpGet, "/b", nil, zkemErrorf(ZkemErrorConnectionLost, "socket reset"))

	losses := atomic.NewInt32(0)
	var handler func(error)
	handler = func(error) {
		losses.Inc()
		c.OnConnectionLost(handler)
	}
	c.OnConnectionLost(handler)

	// Hold the loop on a gate while both failing completions pile up behind it, then
	// release everything in one burst.
	gate := make(chan struct{})
	held := make(chan struct{})
	c.loop.ScheduleNextTick(func() {
		close(held)
		<-gate
	})
	await(t, held, "blocker tick")

	failed := make(chan struct{}, 2)
	c.Get("/a").OnFailure(func(error) { failed <- struct{}{} })
	c.Get("/b").OnFailure(func(error) { failed <- struct{}{} })

	// Let the scripted completions queue up behind the blocker before it lifts.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	await(t, failed, "first loss failure")
	await(t, failed, "second loss failure")

	// The loop is still alive and the broadcasts went out, one per lost operation.
	nextTick(t, c)
	if losses.Load() != 2 {
		t.Errorf("broadcast heard %d losses, want 2", losses.Load())
	}
}

func TestOperationErrorIsNotBroadcast(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	defer c.Close()
	connectTestClient(t, c, d)

	d.conn.script(OpGet, "/missing", nil, ZkemErrorNoNode)

	lost := false
	c.OnConnectionLost(func(error) { lost = true })

	failed := make(chan struct{})
	c.Get("/missing").OnFailure(func(err error) {
		if errors.Cause(err) != ZkemErrorNoNode {
			t.Errorf("caller err %v", err)
		}
		close(failed)
	})
	await(t, failed, "get failure")

	// One more tick so a wrongly scheduled broadcast would have landed.
	nextTick(t, c)
	if lost {
		t.Error("connectionLost fired for a caller-local operation error")
	}
}

func TestConnectionLostResubscribeCycles(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	defer c.Close()
	notify := connectTestClient(t, c, d)

	// A resubscribing observer hears each induced expiry; one-shot observer hears exactly
	// the first. Verified over three consecutive cycles.
	heard := make(chan error, 8)
	cycles := 0
	var handler func(error)
	handler = func(err error) {
		cycles++
		if cycles < 3 {
			c.OnConnectionLost(handler)
		}
		heard <- err
	}
	c.OnConnectionLost(handler)

	oneShotCount := 0
	c.OnConnectionLost(func(error) { oneShotCount++ })

	for i := 0; i < 3; i++ {
		notify(StateNotification{State: StateExpired, Err: fmt.Errorf("expiry %d", i)})
		select {
		case err := <-heard:
			if errors.Cause(err) == nil {
				t.Fatalf("cycle %d delivered nil", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("cycle %d not delivered", i)
		}
	}

	// A fourth expiry: the resubscriber stopped after three, and the one-shot observer is
	// long gone, so nothing more arrives.
	notify(StateNotification{State: StateExpired, Err: fmt.Errorf("expiry 3")})
	nextTick(t, c)

	if cycles != 3 {
		t.Errorf("resubscriber heard %d cycles, want 3", cycles)
	}
	if oneShotCount != 1 {
		t.Errorf("one-shot observer heard %d, want exactly 1", oneShotCount)
	}
	select {
	case err := <-heard:
		t.Errorf("unexpected extra delivery %v", err)
	default:
	}
}

func TestConnectingNotificationReachesSubscribers(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	defer c.Close()
	notify := connectTestClient(t, c, d)

	// The underlying client drops and redials transparently: connecting fires with the
	// notification payload, and a resubscribing observer follows the session across a full
	// connecting -> connected -> connecting cycle.
	type firing struct {
		state  SessionState
		server string
	}
	heard := make(chan firing, 4)

	var onConnecting func(StateNotification)
	onConnecting = func(n StateNotification) {
		heard <- firing{n.State, n.Server}
		c.OnConnecting(onConnecting)
	}
	c.OnConnecting(onConnecting)
	c.OnConnected(func(n StateNotification) { heard <- firing{n.State, n.Server} })

	notify(StateNotification{State: StateConnecting, Server: "zk2:2181"})
	notify(StateNotification{State: StateConnected, Server: "zk2:2181"})
	notify(StateNotification{State: StateConnecting, Server: "zk3:2181"})

	want := []firing{
		{StateConnecting, "zk2:2181"},
		{StateConnected, "zk2:2181"},
		{StateConnecting, "zk3:2181"},
	}
	for i, w := range want {
		select {
		case got := <-heard:
			if got != w {
				t.Errorf("firing %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("firing %d never delivered", i)
		}
	}
}

func TestExpiredSessionRoutesLikeOperationLoss(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	defer c.Close()
	notify := connectTestClient(t, c, d)

	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	notify(StateNotification{State: StateExpired, Server: "zk1:2181"})

	select {
	case err := <-lost:
		if errors.Cause(err) != ZkemErrorSessionExpired {
			t.Errorf("synthesised loss %v, want session-expired sentinel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expired session did not reach connectionLost")
	}
}

func TestCloseConcurrentReturnsSameFuture(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	connectTestClient(t, c, d)

	futures := make(chan *Future[Closed], 2)
	for i := 0; i < 2; i++ {
		go func() { futures <- c.Close() }()
	}

	f1 := <-futures
	f2 := <-futures
	if f1 != f2 {
		t.Error("concurrent Close calls returned different futures")
	}

	settled := make(chan struct{})
	f1.OnSuccess(func(Closed) { close(settled) })
	await(t, settled, "close completion")

	if d.conn.closes.Load() != 1 {
		t.Errorf("driver shutdown ran %d times, want exactly 1", d.conn.closes.Load())
	}
}

func TestCloseWithoutConnect(t *testing.T) {

	c := newTestClient(t, newFakeDriver())

	closed := make(chan struct{})
	c.OnClose(func(Closed) { close(closed) })
	c.Close()
	await(t, closed, "close of never-connected client")
}

// Close arriving while session acquisition is still in flight: the connect future has to
// settle either way, and the handle the driver eventually yields must be shut down rather
// than leaked.
func TestCloseDuringConnectSettlesReady(t *testing.T) {

	d := newFakeDriver()
	d.openGate = make(chan struct{})
	c := newTestClient(t, d)

	readyErr := make(chan error, 1)
	c.Connect().OnFailure(func(err error) { readyErr <- err })

	closed := make(chan struct{})
	c.OnClose(func(Closed) { close(closed) })
	c.Close()
	await(t, closed, "close completion")

	// The open completes only now, against a fully closed client.
	close(d.openGate)

	select {
	case err := <-readyErr:
		if errors.Cause(err) != ZkemErrorClientClosed {
			t.Errorf("connect future err %v, want client-closed sentinel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("connect future never settled after close raced the open")
	}

	deadline := time.Now().Add(time.Second)
	for d.conn.closes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("orphaned session handle never shut down")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseClearsPendingSubscriptions(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	notify := connectTestClient(t, c, d)

	fired := atomic.NewInt32(0)
	c.OnConnecting(func(StateNotification) { fired.Inc() })
	c.OnConnectionLost(func(error) { fired.Inc() })

	closed := make(chan struct{})
	c.OnClose(func(Closed) { close(closed) })
	c.Close()
	await(t, closed, "close completion")

	// Notifications delivered after teardown must not fire into the torn-down observers.
	// The loop is stopped at this point so a probe tick cannot be used; a grace period has
	// to do.
	notify(StateNotification{State: StateConnecting})
	notify(StateNotification{State: StateExpired})
	time.Sleep(100 * time.Millisecond)

	if fired.Load() != 0 {
		t.Errorf("%d subscriptions fired after close", fired.Load())
	}
}

func TestOpsAfterCloseFail(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)
	connectTestClient(t, c, d)

	closed := make(chan struct{})
	c.OnClose(func(Closed) { close(closed) })
	c.Close()
	await(t, closed, "close completion")

	_, err, settled := c.Set("/a", []byte("x"), -1).Outcome()
	if !settled || errors.Cause(err) != ZkemErrorClientClosed {
		t.Errorf("op after close: settled %v err %v", settled, err)
	}

	_, err, settled = c.Connect().Outcome()
	if !settled || errors.Cause(err) != ZkemErrorReopenUnsupported {
		t.Errorf("connect after close: settled %v err %v", settled, err)
	}
}

func TestSessionAccessors(t *testing.T) {

	d := newFakeDriver()
	c := newTestClient(t, d)

	if c.SessionID() != 0 || c.SessionCredential() != nil {
		t.Error("session accessors not zero before connect")
	}

	connectTestClient(t, c, d)

	if c.SessionID() != 99 {
		t.Errorf("session id %d", c.SessionID())
	}
	if string(c.SessionCredential()) != "secret" {
		t.Errorf("session credential %q", c.SessionCredential())
	}

	closed := make(chan struct{})
	c.OnClose(func(Closed) { close(closed) })
	c.Close()
	await(t, closed, "close completion")

	if c.SessionID() != 0 || c.SessionCredential() != nil {
		t.Error("session accessors not released after close")
	}
}

func TestOperationResponses(t *testing.T) {

	testCases := []struct {
		name   string
		script func(fc *fakeConn)
		issue  func(c *Client, done chan struct{}) func() error
	}{
		{
			"get shapes data and stat",
			func(fc *fakeConn) {
				fc.script(OpGet, "/a", &Response{Data: []byte("v"), Stat: &Stat{Version: 3}}, nil)
			},
			func(c *Client, done chan struct{}) func() error {
				var r GetResponse
				c.Get("/a").OnSuccess(func(g GetResponse) { r = g; close(done) })
				return func() error {
					if string(r.Data) != "v" || r.Stat.Version != 3 {
						return fmt.Errorf("get shaped wrong: %+v", r)
					}
					return nil
				}
			},
		},
		{
			"create yields the created path",
			func(fc *fakeConn) {
				fc.script(OpCreate, "/q", &Response{Path: "/q0000000007"}, nil)
			},
			func(c *Client, done chan struct{}) func() error {
				var r CreateResponse
				c.Create("/q", []byte("v"), FlagSequence, WorldACL(PermAll)).
					OnSuccess(func(cr CreateResponse) { r = cr; close(done) })
				return func() error {
					if r.Path != "/q0000000007" {
						return fmt.Errorf("create shaped wrong: %+v", r)
					}
					return nil
				}
			},
		},
		{
			"children shapes names",
			func(fc *fakeConn) {
				fc.script(OpChildren, "/dir", &Response{Children: []string{"a", "b"}, Stat: &Stat{NumChildren: 2}}, nil)
			},
			func(c *Client, done chan struct{}) func() error {
				var r ChildrenResponse
				c.Children("/dir").OnSuccess(func(cr ChildrenResponse) { r = cr; close(done) })
				return func() error {
					if len(r.Children) != 2 || r.Stat.NumChildren != 2 {
						return fmt.Errorf("children shaped wrong: %+v", r)
					}
					return nil
				}
			},
		},
		{
			"exists reports absence as success",
			func(fc *fakeConn) {
				fc.script(OpExists, "/nope", &Response{Exists: false}, nil)
			},
			func(c *Client, done chan struct{}) func() error {
				var r ExistsResponse
				c.Exists("/nope").OnSuccess(func(er ExistsResponse) { r = er; close(done) })
				return func() error {
					if r.Exists {
						return fmt.Errorf("exists shaped wrong: %+v", r)
					}
					return nil
				}
			},
		},
		{
			"delete settles empty",
			func(fc *fakeConn) {
				fc.script(OpDelete, "/a", &Response{}, nil)
			},
			func(c *Client, done chan struct{}) func() error {
				c.Delete("/a", -1).OnSuccess(func(DeleteResponse) { close(done) })
				return func() error { return nil }
			},
		},
		{
			"acl round trip shapes",
			func(fc *fakeConn) {
				fc.script(OpGetACL, "/a", &Response{ACL: WorldACL(PermAll), Stat: &Stat{Aversion: 1}}, nil)
				fc.script(OpSetACL, "/a", &Response{Stat: &Stat{Aversion: 2}}, nil)
			},
			func(c *Client, done chan struct{}) func() error {
				var got GetACLResponse
				var after SetACLResponse
				c.GetACL("/a").OnSuccess(func(g GetACLResponse) {
					got = g
					c.SetACL("/a", g.ACL, g.Stat.Aversion).OnSuccess(func(s SetACLResponse) {
						after = s
						close(done)
					})
				})
				return func() error {
					if len(got.ACL) != 1 || got.ACL[0].Scheme != "world" {
						return fmt.Errorf("getacl shaped wrong: %+v", got)
					}
					if after.Stat.Aversion != 2 {
						return fmt.Errorf("setacl shaped wrong: %+v", after)
					}
					return nil
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {

			d := newFakeDriver()
			c := newTestClient(t, d)
			defer c.Close()
			connectTestClient(t, c, d)

			tc.script(d.conn)

			done := make(chan struct{})
			check := tc.issue(c, done)
			await(t, done, "operation completion")

			if err := check(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestDoubleCompletionIsLenient(t *testing.T) {

	d := newFakeDriver()
	d.conn.doubleComplete = true
	c := newTestClient(t, d)
	defer c.Close()
	connectTestClient(t, c, d)

	d.conn.script(OpGet, "/a", &Response{Data: []byte("v")}, nil)

	count := 0
	done := make(chan struct{})
	c.Get("/a").OnSuccess(func(GetResponse) {
		count++
		close(done)
	})
	await(t, done, "first completion")
	nextTick(t, c)

	if count != 1 {
		t.Errorf("observer ran %d times on double completion", count)
	}
	if c.settleCollisions.Load() != 1 {
		t.Errorf("collision count %d, want 1", c.settleCollisions.Load())
	}
}

func TestWithMetricsCounts(t *testing.T) {

	reg := prometheus.NewRegistry()
	d := newFakeDriver()
	c := newTestClient(t, d, WithMetrics(reg, true))
	defer c.Close()
	connectTestClient(t, c, d)

	d.conn.script(OpGet, "/a", &Response{Data: []byte("v")}, nil)
	done := make(chan struct{})
	c.Get("/a").OnSuccess(func(GetResponse) { close(done) })
	await(t, done, "get completion")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, want := range []string{"zkem_session_state", "zkem_ops_started_total", "zkem_op_latency_seconds"} {
		if !found[want] {
			t.Errorf("metric %s not registered, have %v", want, found)
		}
	}
}
