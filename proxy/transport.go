package proxy

// PeerID identifies the remote end of one transport connection.
type PeerID string

// Handler receives an envelope sent by a peer.
type Handler func(sender PeerID, env Envelope)

// Transport is the bidirectional named-event bus the runtime runs on.
//
// Implementations must deliver envelopes from one peer in the order they were
// sent, and must deliver an envelope only to the listeners registered for its
// exact Event. Framing, reconnection and authentication are the transport's
// business.
type Transport interface {
	// Send delivers env to peer. Client-side transports have a single remote
	// peer and accept the empty PeerID for it.
	Send(peer PeerID, env Envelope) error
	// On registers h for every envelope whose Event is event.
	On(event string, h Handler)
	// Once registers h for the next envelope whose Event is event.
	Once(event string, h Handler)
	// RemoveAllListeners drops every On and Once listener for event.
	RemoveAllListeners(event string)
	// OnTerminated registers h to be told when a peer goes away.
	// The returned func removes the registration.
	OnTerminated(h func(peer PeerID)) (remove func())
}
