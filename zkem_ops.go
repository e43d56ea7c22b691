package zkem

// The operation dispatcher: one public method per coordination service operation. Every
// method follows the same shape...
//
//   1. mint a pending Future and an OpContext describing the call for diagnostics,
//   2. attach the failure observer which forwards connection-loss failures to the shared
//      connection-lost channel,
//   3. submit to the driver with a completion sink that hops back onto the loop,
//   4. return the future immediately.
//
// Response shaping from the driver's generic envelope to the typed per-operation response is
// chosen statically here, at each call site; there is no runtime registry of shapers.

// OpContext is an immutable diagnostic record describing one dispatched operation. It is
// attached to the operation's future for error reporting and logging, and is never
// inspected for control flow.
type OpContext struct {
	Kind    OpKind
	Path    string
	Payload []byte
	Version int32
	Flags   int32
}

func newOpContext(req *Request) *OpContext {
	return &OpContext{
		Kind:    req.Kind,
		Path:    req.Path,
		Payload: req.Data,
		Version: req.Version,
		Flags:   req.Flags,
	}
}

// wrap decorates a failure with the call-site context, preserving the sentinel cause.
func (o *OpContext) wrap(err error) error {
	return zkemErrorf(err, "%s %q failed", o.Kind, o.Path)
}

func (o *OpContext) logKV() []interface{} {
	return []interface{}{"op", o.Kind.String(), "path", o.Path, "payloadLen", len(o.Payload)}
}

// GetResponse carries the node data and metadata returned by Get.
type GetResponse struct {
	Data []byte
	Stat Stat
}

// CreateResponse carries the name of the created node, which differs from the requested
// path for sequential nodes.
type CreateResponse struct {
	Path string
}

// SetResponse carries the node metadata after the write.
type SetResponse struct {
	Stat Stat
}

// DeleteResponse is empty; the future settling is the outcome.
type DeleteResponse struct {
}

// ChildrenResponse carries the child names and the parent node metadata.
type ChildrenResponse struct {
	Children []string
	Stat     Stat
}

// StatResponse carries the node metadata. Stat on an absent node fails with
// ZkemErrorNoNode; use Exists when absence is an expected outcome.
type StatResponse struct {
	Stat Stat
}

// ExistsResponse is the existence-check shaping of a stat: absence is a successful outcome.
// Stat is meaningful only when Exists is true.
type ExistsResponse struct {
	Exists bool
	Stat   Stat
}

// GetACLResponse carries the node's access control list and metadata.
type GetACLResponse struct {
	ACL  []ACL
	Stat Stat
}

// SetACLResponse carries the node metadata after the ACL write.
type SetACLResponse struct {
	Stat Stat
}

func statOrZero(st *Stat) Stat {
	if st == nil {
		return Stat{}
	}
	return *st
}

// Get fetches the data and metadata of the node at path.
func (c *Client) Get(path string) *Future[GetResponse] {
	return dispatch(c, &Request{Kind: OpGet, Path: path},
		func(r *Response) GetResponse {
			return GetResponse{Data: r.Data, Stat: statOrZero(r.Stat)}
		})
}

// Create creates a node at path with the given data, creation flags (FlagEphemeral,
// FlagSequence) and ACL, and yields the name actually created.
func (c *Client) Create(path string, data []byte, flags int32, acl []ACL) *Future[CreateResponse] {
	return dispatch(c, &Request{Kind: OpCreate, Path: path, Data: data, Flags: flags, ACL: acl},
		func(r *Response) CreateResponse {
			return CreateResponse{Path: r.Path}
		})
}

// Set writes data to the node at path, conditional on version (-1 to write
// unconditionally).
func (c *Client) Set(path string, data []byte, version int32) *Future[SetResponse] {
	return dispatch(c, &Request{Kind: OpSet, Path: path, Data: data, Version: version},
		func(r *Response) SetResponse {
			return SetResponse{Stat: statOrZero(r.Stat)}
		})
}

// Delete removes the node at path, conditional on version (-1 to delete unconditionally).
func (c *Client) Delete(path string, version int32) *Future[DeleteResponse] {
	return dispatch(c, &Request{Kind: OpDelete, Path: path, Version: version},
		func(r *Response) DeleteResponse {
			return DeleteResponse{}
		})
}

// Children lists the names of the children of the node at path.
func (c *Client) Children(path string) *Future[ChildrenResponse] {
	return dispatch(c, &Request{Kind: OpChildren, Path: path},
		func(r *Response) ChildrenResponse {
			return ChildrenResponse{Children: r.Children, Stat: statOrZero(r.Stat)}
		})
}

// Stat fetches the metadata of the node at path, failing with ZkemErrorNoNode if absent.
func (c *Client) Stat(path string) *Future[StatResponse] {
	return dispatch(c, &Request{Kind: OpStat, Path: path},
		func(r *Response) StatResponse {
			return StatResponse{Stat: statOrZero(r.Stat)}
		})
}

// Exists is the existence-check mode of Stat: same operation downstream, different response
// shape, with absence reported as success.
func (c *Client) Exists(path string) *Future[ExistsResponse] {
	return dispatch(c, &Request{Kind: OpExists, Path: path},
		func(r *Response) ExistsResponse {
			return ExistsResponse{Exists: r.Exists, Stat: statOrZero(r.Stat)}
		})
}

// GetACL fetches the access control list of the node at path.
func (c *Client) GetACL(path string) *Future[GetACLResponse] {
	return dispatch(c, &Request{Kind: OpGetACL, Path: path},
		func(r *Response) GetACLResponse {
			return GetACLResponse{ACL: r.ACL, Stat: statOrZero(r.Stat)}
		})
}

// SetACL replaces the access control list of the node at path, conditional on the ACL
// version (-1 to write unconditionally).
func (c *Client) SetACL(path string, acl []ACL, version int32) *Future[SetACLResponse] {
	return dispatch(c, &Request{Kind: OpSetACL, Path: path, ACL: acl, Version: version},
		func(r *Response) SetACLResponse {
			return SetACLResponse{Stat: statOrZero(r.Stat)}
		})
}

// dispatch implements steps 1..4 above for one operation. Methods cannot carry type
// parameters, hence the free function.
func dispatch[T any](c *Client, req *Request, shape func(*Response) T) *Future[T] {

	f := NewFuture[T]()
	octx := newOpContext(req)
	f.op = octx

	// Forward connection-loss failures to the shared channel, one tick later. Scheduling
	// rather than firing inline keeps the relative order fixed: the per-call observers
	// always run before the broadcast subscribers, and the tracker is only ever touched
	// from the loop.
	f.OnFailure(func(err error) {
		if isConnectionLoss(err) {
			c.loop.ScheduleNextTick(func() {
				c.tracker.loseConnection(err)
			})
		}
	})

	// Misuse surfaces now, synchronously, on the returned future: the caller finds it
	// settled on return and any observer it registers runs immediately. Never a crash,
	// never a silent drop.
	conn, state := c.session()
	switch state {
	case lifecycleClosing, lifecycleClosed:
		c.metrics.opRejected(req.Kind)
		f.Fail(octx.wrap(zkemErrorf(ZkemErrorClientClosed, "client %s is %s", c.id, state)))
		return f
	}
	if conn == nil {
		c.metrics.opRejected(req.Kind)
		f.Fail(octx.wrap(zkemErrorf(ZkemErrorNotConnected, "client %s has no session", c.id)))
		return f
	}

	c.logger.Debugw("dispatching operation", octx.logKV()...)
	done := c.metrics.opStarted(req.Kind)

	conn.Run(req, func(resp *Response, err error) {
		// Driver delivery context. Hop onto the loop before settling; completions for one
		// session reach the loop in the order the driver reported them.
		c.loop.ScheduleNextTick(func() {
			done(err == nil)
			if err != nil {
				if !f.Fail(octx.wrap(err)) {
					c.settleCollision(octx)
				}
				return
			}
			if !f.Succeed(shape(resp)) {
				c.settleCollision(octx)
			}
		})
	})

	return f
}
