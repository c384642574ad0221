package proxy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Registry owns the channels served by a process: one registration per channel,
// each with its dispatcher and its subscriptions.
type Registry struct {
	log            *zap.SugaredLogger
	requestTimeout time.Duration
	rateLimit      rate.Limit
	rateBurst      int

	mu            sync.Mutex
	registrations map[string]*registration
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l.Named("registry")
	}
}

// WithRequestTimeout bounds how long a get or apply request may wait on the target.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.requestTimeout = d
	}
}

// WithRateLimit limits the requests each channel accepts. Requests above the
// limit are refused with an ErrUnavailable error, and are not retried.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Registry) {
		r.rateLimit = rate.Limit(perSecond)
		r.rateBurst = burst
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:           zap.NewNop().Sugar(),
		rateLimit:     rate.Inf,
		registrations: map[string]*registration{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register serves target on desc.Channel over transport. It fails if the
// channel is already registered. The returned func unregisters the channel.
func (r *Registry) Register(target any, desc Descriptor, transport Transport) (unregister func() error, err error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc = desc.clone()
	t, err := newTarget(desc.Channel, target)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registrations[desc.Channel]; ok {
		return nil, alreadyRegistered(desc.Channel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := r.log.With("Channel", desc.Channel)
	reg := &registration{
		log:            log,
		desc:           desc,
		target:         t,
		transport:      transport,
		requestTimeout: r.requestTimeout,
		subs:           newSubscriptions(log, desc.Channel),
		ctx:            ctx,
		cancel:         cancel,
		dead:           map[PeerID]time.Time{},
	}
	if r.rateLimit != rate.Inf {
		reg.limiter = rate.NewLimiter(r.rateLimit, r.rateBurst)
	}
	r.registrations[desc.Channel] = reg

	transport.On(desc.Channel, reg.handle)
	reg.removeTerminated = transport.OnTerminated(reg.peerTerminated)
	log.Debugw("registered channel", "Members", desc.Members())

	return func() error { return r.unregister(desc.Channel, reg) }, nil
}

// Unregister tears down the channel. It fails with ErrNotFound if the channel is not registered.
func (r *Registry) Unregister(channel string) error {
	return r.unregister(channel, nil)
}

// unregister removes the listener, unsubscribes everything, then releases the slot.
// If only is set, the channel is unregistered only if it is still that registration.
func (r *Registry) unregister(channel string, only *registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[channel]
	if !ok || (only != nil && reg != only) {
		return channelNotFound(channel)
	}
	reg.close()
	delete(r.registrations, channel)
	return nil
}

// Close unregisters every channel.
func (r *Registry) Close() {
	for _, channel := range r.Channels() {
		_ = r.Unregister(channel)
	}
}

// Channels returns the registered channel names in sorted order.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels := make([]string, 0, len(r.registrations))
	for channel := range r.registrations {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Descriptors returns the descriptors of the registered channels, sorted by channel.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	descs := make([]Descriptor, 0, len(r.registrations))
	for _, reg := range r.registrations {
		descs = append(descs, reg.desc.clone())
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Channel < descs[j].Channel })
	return descs
}

// Subscriptions is the number of live subscriptions on channel.
func (r *Registry) Subscriptions(channel string) int {
	if reg := r.lookup(channel); reg != nil {
		return reg.subs.len()
	}
	return 0
}

// PeerSubscriptions is the number of live subscriptions peer holds on channel.
func (r *Registry) PeerSubscriptions(channel string, peer PeerID) int {
	if reg := r.lookup(channel); reg != nil {
		return reg.subs.peerLen(peer)
	}
	return 0
}

func (r *Registry) lookup(channel string) *registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registrations[channel]
}

// registration is the dispatcher for one channel.
type registration struct {
	log              *zap.SugaredLogger
	desc             Descriptor
	target           *target
	transport        Transport
	requestTimeout   time.Duration
	limiter          *rate.Limiter
	subs             *subscriptions
	removeTerminated func()

	// ctx is cancelled when the channel is unregistered.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// dead holds recently terminated peers; answers still in flight for them are dropped.
	dead map[PeerID]time.Time
}

// deadPeerRetention is how long a terminated peer is remembered. Peer ids are not reused.
const deadPeerRetention = 10 * time.Minute

func (reg *registration) close() {
	reg.transport.RemoveAllListeners(reg.desc.Channel)
	if reg.removeTerminated != nil {
		reg.removeTerminated()
	}
	n := reg.subs.dropAll()
	reg.cancel()
	reg.log.Debugw("unregistered channel", "DroppedSubscriptions", n)
}

// peerTerminated tears down everything bound to a peer that went away.
func (reg *registration) peerTerminated(peer PeerID) {
	reg.mu.Lock()
	now := time.Now()
	for p, at := range reg.dead {
		if now.Sub(at) > deadPeerRetention {
			delete(reg.dead, p)
		}
	}
	reg.dead[peer] = now
	reg.mu.Unlock()
	n := reg.subs.dropPeer(peer)
	reg.log.Debugw("peer terminated", "Peer", peer, "DroppedSubscriptions", n)
}

func (reg *registration) isDead(peer PeerID) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.dead[peer]
	return ok
}

// handle is the channel's transport listener. It never blocks on the target:
// gets, applies and stream resolution run on their own goroutines.
func (reg *registration) handle(sender PeerID, env Envelope) {
	req := env.Request
	if reg.ctx.Err() != nil {
		// dispatched concurrently with unregistering
		if req != nil {
			reg.reject(sender, env.CorrelationID, *req, channelNotFound(reg.desc.Channel))
		}
		return
	}
	if req == nil {
		reg.answer(sender, env.CorrelationID, nil, malformedRequest("envelope on channel %q carries no request", reg.desc.Channel))
		return
	}
	reg.log.Debugw("received request", "Peer", sender, "Type", req.Type, "Member", req.Member,
		"Correlation", env.CorrelationID, "Subscription", req.SubscriptionID)

	if err := req.Validate(); err != nil {
		reg.answer(sender, env.CorrelationID, nil, err)
		return
	}
	if reg.limiter != nil && !reg.limiter.Allow() {
		err := newError(ErrorUnavailable, CodeRateLimited, reg.desc.Channel, req.Member,
			"rate limit exceeded on channel %q", reg.desc.Channel)
		reg.reject(sender, env.CorrelationID, *req, err)
		return
	}
	if req.Type != RequestUnsubscribe {
		if err := reg.desc.Lookup(req.Member, req.Type.kind()); err != nil {
			reg.reject(sender, env.CorrelationID, *req, err)
			return
		}
	}

	switch req.Type {
	case RequestGet, RequestApply:
		go reg.serveCall(sender, env.CorrelationID, *req)
	case RequestSubscribe, RequestApplySubscribe:
		reg.serveSubscribe(sender, env.CorrelationID, *req)
	case RequestUnsubscribe:
		err := reg.subs.unsubscribe(sender, req.SubscriptionID)
		if err != nil && env.CorrelationID == "" {
			reg.log.Debugw("unsubscribe failed", "Peer", sender, "Error", err)
		}
		reg.answer(sender, env.CorrelationID, nil, err)
	}
}

// reject answers a request that was refused before it was dispatched.
// Stream requests without a correlation id are refused on their subscription id.
func (reg *registration) reject(sender PeerID, correlationID string, req Request, err error) {
	if correlationID == "" && req.SubscriptionID != "" && req.Type != RequestUnsubscribe {
		reg.send(sender, Envelope{Event: req.SubscriptionID, Response: errorResponse(err)})
		return
	}
	reg.answer(sender, correlationID, nil, err)
}

func (reg *registration) serveCall(sender PeerID, correlationID string, req Request) {
	ctx := reg.ctx
	if reg.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.requestTimeout)
		defer cancel()
	}
	value, err := reg.call(ctx, req)
	reg.answer(sender, correlationID, value, err)
}

// call runs a Get or Apply against the target and awaits the result.
// Panics in target code, including in Awaiters, become PanicErrors.
func (reg *registration) call(ctx context.Context, req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, newPanicError(r)
		}
	}()
	switch req.Type {
	case RequestGet:
		value, err = reg.target.read(ctx, req.Member)
		if _, ok := value.(Sequence); ok && err == nil {
			err = newError(ErrorCapability, CodeKindMismatch, reg.desc.Channel, req.Member,
				"member %q on channel %q is a live sequence, not a value", req.Member, reg.desc.Channel)
		}
	case RequestApply:
		value, err = reg.target.apply(ctx, req.Member, req.Args)
	}
	if err == nil {
		value, err = await(ctx, value)
	}
	return value, err
}

// serveSubscribe reserves the subscription synchronously, then resolves the
// sequence in the background.
func (reg *registration) serveSubscribe(sender PeerID, correlationID string, req Request) {
	if reg.isDead(sender) {
		return
	}
	id := req.SubscriptionID
	sub, err := reg.subs.reserve(sender, id, func(resp *Response) error {
		return reg.send(sender, Envelope{Event: id, Response: resp})
	})
	if err != nil {
		// The existing subscription owns the id; the refusal must not reach its listener.
		if correlationID == "" {
			reg.log.Debugw("refused subscription", "Peer", sender, "Subscription", id, "Error", err)
		}
		reg.answer(sender, correlationID, nil, err)
		return
	}
	reg.answer(sender, correlationID, nil, nil)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				sub.fail(newPanicError(r))
			}
		}()
		seq, err := reg.resolveSequence(req)
		if err != nil {
			sub.fail(err)
			return
		}
		sub.start(seq)
	}()
}

func (reg *registration) resolveSequence(req Request) (seq Sequence, err error) {
	defer func() {
		if r := recover(); r != nil {
			seq, err = nil, newPanicError(r)
		}
	}()
	var value any
	switch req.Type {
	case RequestSubscribe:
		value, err = reg.target.read(reg.ctx, req.Member)
	case RequestApplySubscribe:
		value, err = reg.target.apply(reg.ctx, req.Member, req.Args)
		if err == nil {
			value, err = await(reg.ctx, value)
		}
	}
	if err != nil {
		return nil, err
	}
	seq, ok := value.(Sequence)
	if !ok || isNil(seq) {
		return nil, notStream(reg.desc.Channel, req.Member)
	}
	return seq, nil
}

// answer sends the single terminal response for a correlated request.
// Requests without a correlation id are not answered.
func (reg *registration) answer(sender PeerID, correlationID string, value any, err error) {
	if correlationID == "" {
		return
	}
	resp := resultResponse(value)
	if err != nil {
		resp = errorResponse(err)
		reg.log.Debugw("request failed", "Peer", sender, "Correlation", correlationID, "Error", err)
	}
	sendErr := reg.send(sender, Envelope{Event: correlationID, Response: resp})
	if sendErr != nil && err == nil {
		// The result itself could not be sent, typically because it does not encode.
		reg.send(sender, Envelope{Event: correlationID, Response: errorResponse(
			fmt.Errorf("sending result: %w", sendErr))})
	}
}

func (reg *registration) send(peer PeerID, env Envelope) error {
	if reg.isDead(peer) {
		reg.log.Debugw("dropping response for terminated peer", "Peer", peer, "Event", env.Event)
		return nil
	}
	err := reg.transport.Send(peer, env)
	if err != nil {
		reg.log.Debugw("send failed", "Peer", peer, "Event", env.Event, "Error", err)
	}
	return err
}
