package proxy

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Func invokes a Function member.
type Func func(args ...any) *Future

// StreamFunc invokes a StreamFactory member. Every call returns an independent stream.
type StreamFunc func(args ...any) *Stream

// accessor is the one entry a client installs per declared member.
// Exactly one of its fields is set, according to the member's kind.
type accessor struct {
	kind    Kind
	get     func() *Future
	call    Func
	stream  func() *Stream
	factory StreamFunc
}

// Client is the capability object for one channel. Every access is checked
// against the descriptor locally; nothing undeclared ever reaches the transport.
type Client struct {
	log       *zap.SugaredLogger
	desc      Descriptor
	transport Transport
	peer      PeerID
	accessors map[string]accessor

	removeTerminated func()

	mu      sync.Mutex
	streams map[string]*Stream
	open    map[string]*StreamSubscription
	pending map[string]*Future
	closed  bool
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("proxy_client")
	}
}

// WithPeer addresses requests to peer instead of the transport's default peer.
func WithPeer(peer PeerID) ClientOption {
	return func(c *Client) {
		c.peer = peer
	}
}

// NewClient builds the capability object for desc, installing one accessor per declared member.
func NewClient(desc Descriptor, transport Transport, opts ...ClientOption) (*Client, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		log:       zap.NewNop().Sugar(),
		desc:      desc.clone(),
		transport: transport,
		accessors: map[string]accessor{},
		streams:   map[string]*Stream{},
		open:      map[string]*StreamSubscription{},
		pending:   map[string]*Future{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("Channel", c.desc.Channel)
	c.removeTerminated = transport.OnTerminated(c.peerTerminated)

	for name, kind := range c.desc.Properties {
		name := name
		a := accessor{kind: kind}
		switch kind {
		case KindValue:
			a.get = func() *Future {
				return c.request(Request{Type: RequestGet, Member: name})
			}
		case KindFunction:
			a.call = func(args ...any) *Future {
				return c.request(Request{Type: RequestApply, Member: name, Args: normalizeArgs(args)})
			}
		case KindStream:
			a.stream = func() *Stream { return c.memoizedStream(name) }
		case KindStreamFactory:
			a.factory = func(args ...any) *Stream {
				return &Stream{client: c, member: name, kind: KindStreamFactory, args: normalizeArgs(args)}
			}
		}
		c.accessors[name] = a
	}
	return c, nil
}

func normalizeArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// Descriptor returns a copy of the descriptor the client was built from.
func (c *Client) Descriptor() Descriptor { return c.desc.clone() }

func (c *Client) accessor(member string, kind Kind) (accessor, error) {
	a, ok := c.accessors[member]
	if !ok {
		return accessor{}, unexposedMember(c.desc.Channel, member)
	}
	if a.kind != kind {
		return accessor{}, kindMismatch(c.desc.Channel, member, a.kind, kind)
	}
	return a, nil
}

// Get reads a Value member. Every call sends a fresh request.
// Capability violations reject the returned future without a round trip.
func (c *Client) Get(member string) *Future {
	a, err := c.accessor(member, KindValue)
	if err != nil {
		return Rejected(err)
	}
	return a.get()
}

// Func returns the invoker of a Function member.
func (c *Client) Func(member string) (Func, error) {
	a, err := c.accessor(member, KindFunction)
	if err != nil {
		return nil, err
	}
	return a.call, nil
}

// Call invokes a Function member with args.
func (c *Client) Call(member string, args ...any) *Future {
	fn, err := c.Func(member)
	if err != nil {
		return Rejected(err)
	}
	return fn(args...)
}

// Stream returns the stream of a Stream member. The same *Stream is returned
// for every access to the same member of this client.
func (c *Client) Stream(member string) (*Stream, error) {
	a, err := c.accessor(member, KindStream)
	if err != nil {
		return nil, err
	}
	return a.stream(), nil
}

// StreamFactory returns the invoker of a StreamFactory member.
func (c *Client) StreamFactory(member string) (StreamFunc, error) {
	a, err := c.accessor(member, KindStreamFactory)
	if err != nil {
		return nil, err
	}
	return a.factory, nil
}

// OpenStream invokes a StreamFactory member with args.
func (c *Client) OpenStream(member string, args ...any) (*Stream, error) {
	fn, err := c.StreamFactory(member)
	if err != nil {
		return nil, err
	}
	return fn(args...), nil
}

// Set always fails: capability objects cannot be assigned to.
func (c *Client) Set(member string, value any) error {
	return immutable(c.desc.Channel, member, "set")
}

// Delete always fails: members cannot be removed from a capability object.
func (c *Client) Delete(member string) error {
	return immutable(c.desc.Channel, member, "delete")
}

// Define always fails: members cannot be added to or redefined on a capability object.
func (c *Client) Define(member string, kind Kind) error {
	return immutable(c.desc.Channel, member, "define")
}

// Close cancels every stream subscription opened through this client and
// rejects the requests still waiting for an answer.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	open := make([]*StreamSubscription, 0, len(c.open))
	for _, sub := range c.open {
		open = append(open, sub)
	}
	c.mu.Unlock()
	for _, sub := range open {
		sub.Cancel()
	}
	c.failPending(fmt.Errorf("client for channel %q is closed", c.desc.Channel))
	c.removeTerminated()
}

// peerTerminated fails everything waiting on the server once it is gone.
func (c *Client) peerTerminated(peer PeerID) {
	if c.peer != "" && peer != c.peer {
		return
	}
	err := newError(ErrorUnavailable, CodePeerTerminated, c.desc.Channel, "",
		"peer %q serving channel %q terminated", peer, c.desc.Channel)
	c.failPending(err)

	c.mu.Lock()
	open := make([]*StreamSubscription, 0, len(c.open))
	for _, sub := range c.open {
		open = append(open, sub)
	}
	c.mu.Unlock()
	for _, sub := range open {
		if sub.finish() {
			sub.observer.error(err)
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := make(map[string]*Future, len(c.pending))
	for id, fut := range c.pending {
		pending[id] = fut
	}
	c.mu.Unlock()
	for id, fut := range pending {
		c.release(id)
		fut.Reject(err)
	}
}

// release stops listening for the answer to correlationID.
func (c *Client) release(correlationID string) {
	c.mu.Lock()
	_, ok := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()
	if ok {
		c.transport.RemoveAllListeners(correlationID)
	}
}

// Pending is the number of requests waiting for an answer.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) memoizedStream(member string) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[member]
	if !ok {
		s = &Stream{client: c, member: member, kind: KindStream}
		c.streams[member] = s
	}
	return s
}

// request sends a correlated request and returns the future its single answer settles.
func (c *Client) request(req Request) *Future {
	fut := NewFuture()
	correlationID := newID()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fut.Reject(fmt.Errorf("sending %s request for %q: client is closed", req.Type, req.Member))
		return fut
	}
	c.pending[correlationID] = fut
	c.mu.Unlock()
	fut.abandon = func(err error) {
		c.release(correlationID)
		fut.Reject(err)
	}

	c.transport.Once(correlationID, func(_ PeerID, env Envelope) {
		c.release(correlationID)
		fut.settleResponse(env.Response)
	})
	err := c.transport.Send(c.peer, Envelope{
		Event:         c.desc.Channel,
		CorrelationID: correlationID,
		Request:       &req,
	})
	if err != nil {
		c.release(correlationID)
		fut.Reject(fmt.Errorf("sending %s request for %q: %w", req.Type, req.Member, err))
	}
	return fut
}

// notify sends an uncorrelated request. Nothing answers it.
func (c *Client) notify(req Request) error {
	return c.transport.Send(c.peer, Envelope{Event: c.desc.Channel, Request: &req})
}

func (c *Client) track(sub *StreamSubscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.open[sub.id] = sub
	return true
}

func (c *Client) forget(sub *StreamSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, sub.id)
}
