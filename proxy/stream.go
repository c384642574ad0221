package proxy

import (
	"context"
	"fmt"
	"sync"
)

// Stream is the local side of a remote live sequence. Every Subscribe opens an
// independent remote subscription with its own subscription id.
type Stream struct {
	client *Client
	member string
	kind   Kind
	args   []any
}

// Member is the name of the member backing the stream.
func (s *Stream) Member() string { return s.member }

// Subscribe starts a remote subscription and delivers its events to o on the
// transport's delivery goroutine. The returned Subscription is a *StreamSubscription.
func (s *Stream) Subscribe(o Observer) Subscription {
	return s.Open(o)
}

// Open is Subscribe with the concrete handle type.
func (s *Stream) Open(o Observer) *StreamSubscription {
	c := s.client
	sub := &StreamSubscription{id: newID(), stream: s, observer: o}
	if !c.track(sub) {
		sub.done = true
		o.error(fmt.Errorf("subscribing to %q: client is closed", s.member))
		return sub
	}

	c.transport.On(sub.id, sub.receive)

	req := Request{Type: RequestSubscribe, Member: s.member, SubscriptionID: sub.id}
	if s.kind == KindStreamFactory {
		req.Type = RequestApplySubscribe
		req.Args = s.args
	}
	if err := c.notify(req); err != nil {
		if sub.finish() {
			o.error(fmt.Errorf("sending %s request for %q: %w", req.Type, s.member, err))
		}
	}
	return sub
}

// Values subscribes and delivers values on a channel. The channel is closed when
// the stream terminates or ctx is done; the terminal error, if any, is then
// available from the returned func.
func (s *Stream) Values(ctx context.Context) (<-chan any, func() error) {
	values := make(chan any)
	var (
		mu      sync.Mutex
		termErr error
	)
	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func(err error) {
		closeOnce.Do(func() {
			mu.Lock()
			termErr = err
			mu.Unlock()
			close(done)
		})
	}

	buffer := newValueQueue()
	sub := s.Open(Observer{
		OnNext:     buffer.push,
		OnError:    func(err error) { buffer.close(); finish(err) },
		OnComplete: func() { buffer.close(); finish(nil) },
	})

	go func() {
		defer close(values)
		defer sub.Cancel()
		for {
			v, ok := buffer.pop(ctx)
			if !ok {
				if ctx.Err() != nil {
					finish(ctx.Err())
				}
				return
			}
			select {
			case values <- v:
			case <-ctx.Done():
				finish(ctx.Err())
				return
			}
		}
	}()

	return values, func() error {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return termErr
	}
}

// StreamSubscription is one remote subscription.
type StreamSubscription struct {
	id       string
	stream   *Stream
	observer Observer

	mu   sync.Mutex
	done bool
}

// ID is the subscription id sent to the server.
func (s *StreamSubscription) ID() string { return s.id }

// Cancel stops listening for the subscription's events and tells the server,
// best effort. It is idempotent and a no-op once the stream has terminated.
func (s *StreamSubscription) Cancel() {
	if !s.finish() {
		return
	}
	c := s.stream.client
	if err := c.notify(Request{Type: RequestUnsubscribe, SubscriptionID: s.id}); err != nil {
		c.log.Debugw("sending unsubscribe failed", "Subscription", s.id, "Error", err)
	}
}

// finish marks the subscription done and releases its listener.
// It reports whether this call was the one that finished it.
func (s *StreamSubscription) finish() bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.done = true
	s.mu.Unlock()
	c := s.stream.client
	c.transport.RemoveAllListeners(s.id)
	c.forget(s)
	return true
}

func (s *StreamSubscription) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// receive handles a stream response tagged with the subscription id.
func (s *StreamSubscription) receive(_ PeerID, env Envelope) {
	resp := env.Response
	if resp == nil {
		s.protocolError(malformedResponse("stream event for %q carries no response", s.stream.member))
		return
	}
	switch resp.Type {
	case ResponseNext:
		if !s.isDone() {
			s.observer.next(resp.Value)
		}
	case ResponseComplete:
		if s.finish() {
			s.observer.complete()
		}
	case ResponseError:
		if s.finish() {
			s.observer.error(DeserializeError(resp.Error))
		}
	default:
		s.protocolError(malformedResponse("unhandled stream response type [%s]", resp.Type))
	}
}

// protocolError fails the subscription locally and releases it on the server.
func (s *StreamSubscription) protocolError(err error) {
	if !s.finish() {
		return
	}
	c := s.stream.client
	_ = c.notify(Request{Type: RequestUnsubscribe, SubscriptionID: s.id})
	s.observer.error(err)
}

// valueQueue is an unbounded FIFO between the delivery goroutine and a reader,
// so a slow reader never blocks the transport.
type valueQueue struct {
	mu     sync.Mutex
	items  []any
	closed bool
	signal chan struct{}
}

func newValueQueue() *valueQueue {
	return &valueQueue{signal: make(chan struct{}, 1)}
}

func (q *valueQueue) push(v any) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
}

func (q *valueQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *valueQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the next value, or false once the queue is closed and drained or ctx is done.
func (q *valueQueue) pop(ctx context.Context) (any, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}
