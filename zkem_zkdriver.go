package zkem

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	zklib "github.com/go-zookeeper/zk"
)

// The production driver binding, fronting github.com/go-zookeeper/zk. The zk library is
// synchronous per call and delivers session events over a channel; this binding turns each
// call into a completion-sink submission on its own goroutine and pumps the event channel
// into the notify callback. Everything it hands back is mapped onto the package sentinels
// and the closed SessionState set, so the core never sees a zk type.

// Immediate session open failures (typically endpoint resolution) are retried this many
// times with exponential backoff before Open gives up. The dialling proper happens inside
// the zk library, continuously, for the life of the session.
const zkOpenRetries = 3

// zkDriver is the Driver installed by default when ClientConfig.Driver is left nil.
type zkDriver struct {
}

func (zkDriver) Open(servers []string, sessionTimeout time.Duration, notify func(StateNotification)) (Conn, error) {

	var zc *zklib.Conn
	var events <-chan zklib.Event

	op := func() error {
		var err error
		zc, events, err = zklib.Connect(servers, sessionTimeout, zklib.WithLogInfo(false))
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), zkOpenRetries))
	if err != nil {
		return nil, zkemErrorf(err, "open session to %v", servers)
	}

	conn := &zkConn{zc: zc}
	go conn.pump(events, notify)

	return conn, nil
}

// zkConn is one live zk session handle.
type zkConn struct {
	zc *zklib.Conn
}

// pump forwards session events to the core for the life of the session. The zk library
// closes the channel when the connection is closed, which ends the goroutine.
func (z *zkConn) pump(events <-chan zklib.Event, notify func(StateNotification)) {
	for e := range events {
		if e.Type != zklib.EventSession {
			continue
		}
		notify(mapSessionEvent(e))
	}
}

func mapSessionEvent(e zklib.Event) StateNotification {

	n := StateNotification{Server: e.Server, Err: e.Err}

	switch e.State {
	case zklib.StateConnecting, zklib.StateConnected:
		// zk reports StateConnected when the link is up but before the session handshake
		// completes; to the core that is still connecting.
		n.State = StateConnecting
	case zklib.StateHasSession:
		n.State = StateConnected
	case zklib.StateExpired:
		n.State = StateExpired
		if n.Err == nil {
			n.Err = zkemErrorf(ZkemErrorSessionExpired, "reported by %q", e.Server)
		}
	case zklib.StateDisconnected:
		n.State = StateDisconnected
	default:
		n.State = StateUnknown
	}

	return n
}

func (z *zkConn) Run(req *Request, done func(*Response, error)) {
	// One goroutine per in-flight call; the zk library serialises on the wire itself.
	go func() {
		resp, err := z.run(req)
		done(resp, err)
	}()
}

func (z *zkConn) run(req *Request) (*Response, error) {

	switch req.Kind {

	case OpGet:
		data, st, err := z.zc.Get(req.Path)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{Data: data, Stat: fromZkStat(st)}, nil

	case OpCreate:
		path, err := z.zc.Create(req.Path, req.Data, req.Flags, toZkACL(req.ACL))
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{Path: path}, nil

	case OpSet:
		st, err := z.zc.Set(req.Path, req.Data, req.Version)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{Stat: fromZkStat(st)}, nil

	case OpDelete:
		err := z.zc.Delete(req.Path, req.Version)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{}, nil

	case OpChildren:
		children, st, err := z.zc.Children(req.Path)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{Children: children, Stat: fromZkStat(st)}, nil

	case OpStat:
		ok, st, err := z.zc.Exists(req.Path)
		if err != nil {
			return nil, mapZkError(err)
		}
		if !ok {
			return nil, mapZkError(zklib.ErrNoNode)
		}
		return &Response{Stat: fromZkStat(st), Exists: true}, nil

	case OpExists:
		ok, st, err := z.zc.Exists(req.Path)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{Stat: fromZkStat(st), Exists: ok}, nil

	case OpGetACL:
		acl, st, err := z.zc.GetACL(req.Path)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{ACL: fromZkACL(acl), Stat: fromZkStat(st)}, nil

	case OpSetACL:
		st, err := z.zc.SetACL(req.Path, toZkACL(req.ACL), req.Version)
		if err != nil {
			return nil, mapZkError(err)
		}
		return &Response{Stat: fromZkStat(st)}, nil
	}

	return nil, zkemErrorf(ZkemErrorDriver, "unsupported operation kind %s", req.Kind)
}

func (z *zkConn) Close(done func(error)) {
	go func() {
		z.zc.Close()
		done(nil)
	}()
}

func (z *zkConn) SessionID() int64 {
	return z.zc.SessionID()
}

// SessionCredential: the zk library keeps the session password private, so the binding has
// no credential to expose.
func (z *zkConn) SessionCredential() []byte {
	return nil
}

// mapZkError folds zk library errors onto the package sentinels so the core can classify
// connection loss without knowing the library.
func mapZkError(err error) error {

	switch err {
	case zklib.ErrConnectionClosed, zklib.ErrClosing, zklib.ErrNoServer:
		return zkemErrorf(ZkemErrorConnectionLost, "%v", err)
	case zklib.ErrSessionExpired, zklib.ErrSessionMoved:
		return zkemErrorf(ZkemErrorSessionExpired, "%v", err)
	case zklib.ErrNoNode:
		return ZkemErrorNoNode
	case zklib.ErrNodeExists:
		return ZkemErrorNodeExists
	case zklib.ErrBadVersion:
		return ZkemErrorBadVersion
	case zklib.ErrNotEmpty:
		return ZkemErrorNotEmpty
	}

	return zkemErrorf(ZkemErrorDriver, "%v", err)
}

func fromZkStat(st *zklib.Stat) *Stat {
	if st == nil {
		return nil
	}
	return &Stat{
		Czxid:          st.Czxid,
		Mzxid:          st.Mzxid,
		Ctime:          st.Ctime,
		Mtime:          st.Mtime,
		Version:        st.Version,
		Cversion:       st.Cversion,
		Aversion:       st.Aversion,
		EphemeralOwner: st.EphemeralOwner,
		DataLength:     st.DataLength,
		NumChildren:    st.NumChildren,
		Pzxid:          st.Pzxid,
	}
}

func toZkACL(acl []ACL) []zklib.ACL {
	out := make([]zklib.ACL, 0, len(acl))
	for _, a := range acl {
		out = append(out, zklib.ACL{Perms: a.Perms, Scheme: a.Scheme, ID: a.ID})
	}
	return out
}

func fromZkACL(acl []zklib.ACL) []ACL {
	out := make([]ACL, 0, len(acl))
	for _, a := range acl {
		out = append(out, ACL{Perms: a.Perms, Scheme: a.Scheme, ID: a.ID})
	}
	return out
}
