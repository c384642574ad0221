package proxy

import (
	"sync"

	"go.uber.org/zap"
)

type subscriptionKey struct {
	peer PeerID
	id   string
}

// subscriptions tracks the live sequences a channel forwards to its peers.
// Subscription ids are scoped to the peer that chose them.
type subscriptions struct {
	log     *zap.SugaredLogger
	channel string

	mu   sync.Mutex
	subs map[subscriptionKey]*subscription
	// closed is set once the channel is unregistered; no new subscriptions are accepted.
	closed bool
}

func newSubscriptions(log *zap.SugaredLogger, channel string) *subscriptions {
	return &subscriptions{
		log:     log,
		channel: channel,
		subs:    map[subscriptionKey]*subscription{},
	}
}

// subscription forwards one live sequence to one peer.
//
// mu is held while a response is sent, so once teardown returns no further
// response for this subscription will be sent.
type subscription struct {
	key   subscriptionKey
	owner *subscriptions
	send  func(resp *Response) error

	mu     sync.Mutex
	closed bool
	handle Subscription
}

// reserve claims the slot for a subscription before its sequence is known, so
// an unsubscribe or peer termination that arrives first still finds it.
func (s *subscriptions) reserve(peer PeerID, id string, send func(*Response) error) (*subscription, error) {
	key := subscriptionKey{peer: peer, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, channelNotFound(s.channel)
	}
	if _, ok := s.subs[key]; ok {
		return nil, duplicateSubscription(s.channel, id)
	}
	sub := &subscription{key: key, owner: s, send: send}
	s.subs[key] = sub
	return sub, nil
}

func (s *subscriptions) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.key] == sub {
		delete(s.subs, sub.key)
	}
}

// unsubscribe tears down the subscription id owned by peer.
func (s *subscriptions) unsubscribe(peer PeerID, id string) error {
	s.mu.Lock()
	sub, ok := s.subs[subscriptionKey{peer: peer, id: id}]
	s.mu.Unlock()
	if !ok {
		return subscriptionNotFound(s.channel, id)
	}
	sub.cancel()
	return nil
}

// dropPeer tears down every subscription owned by peer and returns how many there were.
func (s *subscriptions) dropPeer(peer PeerID) int {
	return s.drop(false, func(key subscriptionKey) bool { return key.peer == peer })
}

// dropAll tears down every subscription regardless of owner and refuses new ones.
func (s *subscriptions) dropAll() int {
	return s.drop(true, func(subscriptionKey) bool { return true })
}

func (s *subscriptions) drop(closing bool, match func(subscriptionKey) bool) int {
	s.mu.Lock()
	if closing {
		s.closed = true
	}
	var dropped []*subscription
	for key, sub := range s.subs {
		if match(key) {
			dropped = append(dropped, sub)
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
	for _, sub := range dropped {
		sub.cancel()
	}
	return len(dropped)
}

func (s *subscriptions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *subscriptions) peerLen(peer PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.subs {
		if key.peer == peer {
			n++
		}
	}
	return n
}

// start subscribes to seq and forwards its events. If the subscription was torn
// down while the sequence was being resolved, the sequence is cancelled at once.
func (sub *subscription) start(seq Sequence) {
	handle := seq.Subscribe(Observer{
		OnNext:     sub.next,
		OnError:    sub.fail,
		OnComplete: sub.complete,
	})
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
		return
	}
	sub.handle = handle
	sub.mu.Unlock()
}

func (sub *subscription) next(v any) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	err := sub.send(nextResponse(v))
	if err == nil {
		sub.mu.Unlock()
		return
	}
	sub.owner.log.Debugw("forwarding value failed, ending subscription",
		"Peer", sub.key.peer, "Subscription", sub.key.id, "Error", err)
	sub.closed = true
	_ = sub.send(errorResponse(err))
	handle := sub.handle
	sub.mu.Unlock()
	sub.owner.remove(sub)
	if handle != nil {
		go handle.Cancel()
	}
}

func (sub *subscription) complete() {
	sub.terminate(completeResponse())
}

// fail ends the subscription with err. It is also used when the sequence could not be resolved.
func (sub *subscription) fail(err error) {
	sub.terminate(errorResponse(err))
}

func (sub *subscription) terminate(resp *Response) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	if err := sub.send(resp); err != nil {
		sub.owner.log.Debugw("sending terminal event failed",
			"Peer", sub.key.peer, "Subscription", sub.key.id, "Error", err)
	}
	sub.mu.Unlock()
	sub.owner.remove(sub)
}

// cancel stops forwarding without notifying the peer. It is idempotent.
func (sub *subscription) cancel() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	handle := sub.handle
	sub.mu.Unlock()
	sub.owner.remove(sub)
	if handle != nil {
		handle.Cancel()
	}
}
