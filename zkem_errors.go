package zkem

import (
	werrors "github.com/pkg/errors"
)

// For the same reason as we centralise metrics, we also centralise errors: to make it
// as easy as possible to keep errors consistent.
//
// The package relies on pkg/errors to wrap errors from beneath without obscuring them.
// Errors originating within zkem use sentinel errors (which can be processed
// programmatically) as cause, wrapped with message and context so they translate into
// useful logs upstream.
//
// A driver binding is expected to map the errors of whichever client library it fronts
// onto the sentinels below; the core only ever classifies through errors.Cause. When
// processing an error returned by zkem, a client can do one of a couple of ways...
//
// A. if simply logging a message, the error can be treated like any other error.
// B. if wishing to test an error against a sentinel, call errors.Cause() on it and
//    compare it to sentinel values.
//

// Keyword for error field in logger...
const zkemErrKeyword = "err"
const zkemSentinel = "errCode: "

// Error implements the error interface and represents sentinel errors for the zkem package
// (as per https://dave.cheney.net/2016/04/07/constant-errors).
type Error string

func (e Error) Error() string { return string(e) }

// Connection-loss class. Failures with either of these as cause are dual-routed: to the
// per-call future, and to the shared connection-lost subscription point.

// ZkemErrorConnectionLost is the cause (extracted using errors.Cause(err)) when the link to
// the ensemble is lost in a way that invalidates in-flight operations. Recoverable by
// creating a fresh client and reconnecting.
const ZkemErrorConnectionLost = Error(zkemSentinel + "connection to ensemble lost")

// ZkemErrorSessionExpired is the cause (extracted using errors.Cause(err)) when the server
// confirms the session has expired. Ephemeral nodes owned by the session are gone; a fresh
// client is required.
const ZkemErrorSessionExpired = Error(zkemSentinel + "session expired")

// Operation class. These are reported to the immediate caller only, never broadcast.

// ZkemErrorNoNode is the cause (extracted using errors.Cause(err)) when the target node of an
// operation does not exist.
const ZkemErrorNoNode = Error(zkemSentinel + "no such node")

// ZkemErrorNodeExists is the cause (extracted using errors.Cause(err)) when a create hits a
// preexisting node.
const ZkemErrorNodeExists = Error(zkemSentinel + "node already exists")

// ZkemErrorBadVersion is the cause (extracted using errors.Cause(err)) when the version
// presented with a conditional write, delete or set-ACL does not match the node.
const ZkemErrorBadVersion = Error(zkemSentinel + "version conflict")

// ZkemErrorNotEmpty is the cause (extracted using errors.Cause(err)) when deleting a node
// which still has children.
const ZkemErrorNotEmpty = Error(zkemSentinel + "node has children")

// ZkemErrorDriver is the cause (extracted using errors.Cause(err)) for driver failures which
// do not map to a more specific sentinel.
const ZkemErrorDriver = Error(zkemSentinel + "driver error")

// Misuse class. These indicate a caller bug and surface synchronously on the returned
// future, never asynchronously.

// ZkemErrorNotConnected is the cause (extracted using errors.Cause(err)) when an operation is
// issued before Connect has acquired a session handle. The call is never silently dropped.
const ZkemErrorNotConnected = Error(zkemSentinel + "not connected, call Connect first")

// ZkemErrorClientClosed is the cause (extracted using errors.Cause(err)) when an operation is
// issued while the client is closing or closed.
const ZkemErrorClientClosed = Error(zkemSentinel + "client closed")

// ZkemErrorReopenUnsupported is the cause (extracted using errors.Cause(err)) when Connect is
// called on a closed client. Reopening is not supported; create a new client instead.
const ZkemErrorReopenUnsupported = Error(zkemSentinel + "reopen of closed client unsupported")

// ZkemErrorBadClientOption is returned (extracted using errors.Cause(err)) if options
// provided at construction fail to apply.
const ZkemErrorBadClientOption = Error(zkemSentinel + "bad NewClient option")

// ZkemErrorMissingClientConfig is returned (extracted using errors.Cause(err)) if required
// ClientConfig fields are missing.
const ZkemErrorMissingClientConfig = Error(zkemSentinel + "client config insufficient")

// ZkemErrorMissingLogger is returned (extracted using errors.Cause(err)) if logger setup
// fails without zap indicating why.
const ZkemErrorMissingLogger = Error(zkemSentinel + "no logger setup")

// zkemErrorf is a simple wrapper which ensures that all zkem errors are prefixed
// consistently, and that we always either wrap a root cause error bubbling up from
// packages beneath zkem, or a sentinel error from above.
func zkemErrorf(rootCause error, format string, args ...interface{}) error {
	return werrors.WithMessagef(rootCause, "zkem: "+format, args...)
}

// isConnectionLoss classifies a failure as session-invalidating. Only failures in this
// class are forwarded to the shared connection-lost subscription point; everything else
// stays with the caller.
func isConnectionLoss(err error) bool {
	switch werrors.Cause(err) {
	case ZkemErrorConnectionLost, ZkemErrorSessionExpired:
		return true
	}
	return false
}
