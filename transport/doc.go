// Package transport holds what the bus implementations share: the listener
// table behind proxy.Transport's On/Once/RemoveAllListeners/OnTerminated, and
// the JSON and CBOR envelope codecs.
//
// Implementations live in the memory (same process) and ws (WebSocket) subpackages.
package transport
