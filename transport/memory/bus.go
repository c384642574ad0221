// Package memory is an in-process message bus. A Bus has one host endpoint and
// any number of client endpoints, each with its own delivery goroutine, and
// copies every envelope through a codec so that peers never share memory.
package memory

import (
	"fmt"
	"sync"

	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport"
	"go.uber.org/zap"
)

// HostPeer is the peer id of the host endpoint.
const HostPeer proxy.PeerID = "host"

type Bus struct {
	log   *zap.SugaredLogger
	codec transport.Codec

	mu      sync.Mutex
	host    *Endpoint
	clients map[proxy.PeerID]*Endpoint
	// peer ids are never reused, so late answers for a terminated peer cannot reach a new one
	terminated map[proxy.PeerID]struct{}
	closed     bool
}

type Option func(b *Bus)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Bus) {
		b.log = l.Named("memory_bus")
	}
}

// WithCodec selects the codec envelopes are copied through. The default is JSON.
func WithCodec(c transport.Codec) Option {
	return func(b *Bus) {
		b.codec = c
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		log:        zap.NewNop().Sugar(),
		codec:      transport.JSON,
		clients:    map[proxy.PeerID]*Endpoint{},
		terminated: map[proxy.PeerID]struct{}{},
	}
	for _, o := range opts {
		o(b)
	}
	b.host = newEndpoint(b, HostPeer, "")
	return b
}

// Host returns the host endpoint, which is where registries usually live.
func (b *Bus) Host() *Endpoint { return b.host }

// Connect creates a client endpoint whose only remote peer is the host.
func (b *Bus) Connect(peer proxy.PeerID) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if peer == "" || peer == HostPeer {
		return nil, fmt.Errorf("invalid peer id %q", peer)
	}
	if _, ok := b.clients[peer]; ok {
		return nil, fmt.Errorf("peer %q is already connected", peer)
	}
	if _, ok := b.terminated[peer]; ok {
		return nil, fmt.Errorf("peer id %q belonged to a terminated peer", peer)
	}
	e := newEndpoint(b, peer, HostPeer)
	b.clients[peer] = e
	return e, nil
}

// Terminate disconnects a client endpoint. The host's termination handlers run
// on the host's delivery goroutine, after every envelope the peer already sent.
// The client endpoint sees the host terminate.
func (b *Bus) Terminate(peer proxy.PeerID) error {
	b.mu.Lock()
	e, ok := b.clients[peer]
	delete(b.clients, peer)
	if ok {
		b.terminated[peer] = struct{}{}
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %q is not connected: %w", peer, transport.ErrPeerTerminated)
	}
	b.log.Debugw("terminating peer", "Peer", peer)
	e.inbox.push(delivery{sender: HostPeer, terminated: true})
	e.inbox.close()
	b.host.inbox.push(delivery{sender: peer, terminated: true})
	return nil
}

// Close terminates every client, then the host, and waits for delivery to stop.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := b.clients
	b.clients = map[proxy.PeerID]*Endpoint{}
	b.mu.Unlock()

	for peer, e := range clients {
		b.host.inbox.push(delivery{sender: peer, terminated: true})
		e.inbox.push(delivery{sender: HostPeer, terminated: true})
		e.inbox.close()
	}
	b.host.inbox.close()
	b.host.inbox.wait()
	for _, e := range clients {
		e.inbox.wait()
	}
}

func (b *Bus) client(peer proxy.PeerID) (*Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.clients[peer]
	return e, ok
}

// Endpoint is one side of the bus. It implements proxy.Transport.
type Endpoint struct {
	transport.Listeners

	bus    *Bus
	id     proxy.PeerID
	remote proxy.PeerID
	inbox  *inbox
}

var _ proxy.Transport = (*Endpoint)(nil)

func newEndpoint(b *Bus, id, remote proxy.PeerID) *Endpoint {
	e := &Endpoint{bus: b, id: id, remote: remote}
	e.inbox = newInbox(e.deliver)
	return e
}

// ID is the peer id other endpoints see as the sender.
func (e *Endpoint) ID() proxy.PeerID { return e.id }

// Send copies env and queues it on the peer's delivery goroutine.
// Client endpoints send to the host; an empty peer means the host.
func (e *Endpoint) Send(peer proxy.PeerID, env proxy.Envelope) error {
	var dest *Endpoint
	if e.remote != "" {
		if peer != "" && peer != e.remote {
			return fmt.Errorf("endpoint %q can only send to %q, not %q", e.id, e.remote, peer)
		}
		if _, ok := e.bus.client(e.id); !ok {
			return fmt.Errorf("sending from %q: %w", e.id, transport.ErrPeerTerminated)
		}
		dest = e.bus.host
	} else {
		client, ok := e.bus.client(peer)
		if !ok {
			return fmt.Errorf("sending to %q: %w", peer, transport.ErrPeerTerminated)
		}
		dest = client
	}

	copied, err := transport.Copy(e.bus.codec, env)
	if err != nil {
		return err
	}
	if !dest.inbox.push(delivery{sender: e.id, env: copied}) {
		return fmt.Errorf("sending to %q: %w", dest.id, transport.ErrClosed)
	}
	return nil
}

func (e *Endpoint) deliver(d delivery) {
	if d.terminated {
		e.Terminated(d.sender)
		return
	}
	if !e.Dispatch(d.sender, d.env) {
		e.bus.log.Debugw("dropping envelope with no listener", "Endpoint", e.id, "Sender", d.sender, "Event", d.env.Event)
	}
}

type delivery struct {
	sender     proxy.PeerID
	env        proxy.Envelope
	terminated bool
}

// inbox is an unbounded FIFO drained by a single goroutine, so senders never block.
type inbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	closed  bool
	stopped chan struct{}
}

func newInbox(deliver func(delivery)) *inbox {
	in := &inbox{stopped: make(chan struct{})}
	in.cond = sync.NewCond(&in.mu)
	go in.run(deliver)
	return in
}

func (in *inbox) push(d delivery) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.queue = append(in.queue, d)
	in.cond.Signal()
	return true
}

// close stops accepting deliveries. Queued deliveries are still delivered.
func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.cond.Signal()
}

func (in *inbox) wait() { <-in.stopped }

func (in *inbox) run(deliver func(delivery)) {
	defer close(in.stopped)
	for {
		in.mu.Lock()
		for len(in.queue) == 0 && !in.closed {
			in.cond.Wait()
		}
		if len(in.queue) == 0 {
			in.mu.Unlock()
			return
		}
		d := in.queue[0]
		in.queue = in.queue[1:]
		in.mu.Unlock()
		deliver(d)
	}
}
