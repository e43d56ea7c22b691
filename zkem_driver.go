package zkem

import (
	"fmt"
	"time"
)

// The driver contract: everything zkem consumes from the underlying coordination service
// client, and nothing more. A binding for the real ZooKeeper client lives in
// zkem_zkdriver.go; tests script their own.
//
// Completion sinks and state notifications may be invoked from whatever goroutine the
// underlying client uses for delivery. The core never runs subscriber logic in that
// context; it hops everything onto the loop first.

// SessionState is the raw session state code delivered by the driver with each
// notification.
type SessionState int32

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	// StateUnknown covers state codes the driver cannot map. The core logs and ignores
	// them.
	StateUnknown SessionState = iota
	// StateConnecting: the client is (re)establishing its link to the ensemble.
	StateConnecting
	// StateConnected: the session is established and usable.
	StateConnected
	// StateExpired: the server confirmed the session is gone. Terminal for the session.
	StateExpired
	// StateDisconnected: the link dropped; the client library will retry on its own.
	StateDisconnected
)

// StateNotification carries one raw session state change from the driver.
type StateNotification struct {
	// State code, mapped by the driver binding onto the closed set above.
	State SessionState
	// Endpoint which reported the transition, when known.
	Server string
	// Failure detail accompanying expired/lost states, nil otherwise.
	Err error
}

func (n StateNotification) logKV() []interface{} {
	return []interface{}{"obj", "StateNotification", "state", n.State.String(), "server", n.Server}
}

// OpKind enumerates the coordination service operations the adapter dispatches. The set is
// closed; response shaping for each kind is selected statically at the call site, never by
// runtime lookup.
type OpKind int32

const (
	OpGet OpKind = iota
	OpCreate
	OpSet
	OpDelete
	OpChildren
	OpStat
	// OpExists is OpStat with a different response shape: absence of the node is a
	// successful outcome, not a failure.
	OpExists
	OpGetACL
	OpSetACL
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpCreate:
		return "create"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpChildren:
		return "children"
	case OpStat:
		return "stat"
	case OpExists:
		return "exists"
	case OpGetACL:
		return "getacl"
	case OpSetACL:
		return "setacl"
	}
	return fmt.Sprintf("opkind(%d)", int32(k))
}

// Node creation flags, passed through to the driver.
const (
	FlagEphemeral int32 = 1 << iota
	FlagSequence
)

// ACL permission bits.
const (
	PermRead int32 = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// ACL is one access control entry on a node.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// WorldACL returns the open-to-anyone ACL list with the given permission bits.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// Stat is the node metadata returned alongside most responses.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Ctime          int64
	Mtime          int64
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          int64
}

// Request is the generic per-operation envelope handed to the driver. Which fields are
// meaningful depends on Kind; unused fields are zero.
type Request struct {
	Kind    OpKind
	Path    string
	Data    []byte
	Version int32
	Flags   int32
	ACL     []ACL
}

// Response is the generic driver response envelope. The dispatcher shapes it into the typed
// per-operation response before settling the caller's future.
type Response struct {
	Data     []byte
	Path     string
	Stat     *Stat
	Children []string
	ACL      []ACL
	// Exists is meaningful for OpExists only.
	Exists bool
}

// Driver opens sessions against the coordination service. A Driver implementation owns the
// network/session protocol entirely; zkem only ever talks through this interface.
type Driver interface {
	// Open establishes a session against the given servers. notify will be invoked, from
	// any goroutine, with every raw session state change for the life of the session.
	Open(servers []string, sessionTimeout time.Duration, notify func(StateNotification)) (Conn, error)
}

// Conn is one live session handle.
type Conn interface {
	// Run submits one operation. done is invoked exactly once, from any goroutine, with
	// either a response or a failure. Failures must be mapped onto the package sentinels
	// (see zkem_errors.go) so the core can classify them.
	Run(req *Request, done func(*Response, error))
	// Close tears the session down and invokes done once shutdown completes.
	Close(done func(error))
	// SessionID returns the server-assigned session identifier.
	SessionID() int64
	// SessionCredential returns the session credential, nil if the underlying client does
	// not expose one.
	SessionCredential() []byte
}
