/*
Package ws provides a WebSocket message bus for proxy channels. It only needs an HTTP(S) server, so it can share a listener with anything else a host serves.

Every WebSocket connection is one peer. The server assigns each connection a random peer id, and the connection's lifetime is the peer's lifetime: when the connection closes for any reason, the server's termination handlers run for that peer, which tears down its subscriptions. A client sees the server as the single peer ServerPeer.

Envelopes are encoded according to the negotiated subprotocol:

  - capproxy.json: one JSON envelope per text message (the default)
  - capproxy.cbor: one CBOR envelope per binary message

Envelopes read from one connection are dispatched in order on that connection's read goroutine, so listeners must not block.

Reconnection is not implemented; a client that loses its connection dials again and resubscribes.
*/
package ws
