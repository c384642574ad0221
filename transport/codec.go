package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/guseggert/capproxy/proxy"
)

// ErrPeerTerminated is returned when sending to a peer that is gone.
var ErrPeerTerminated = errors.New("peer terminated")

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Codec encodes envelopes for the wire. Values inside envelopes come back as
// generic values (numbers, strings, []any, map[string]any), never as the
// sender's concrete types.
type Codec interface {
	Name() string
	Marshal(env proxy.Envelope) ([]byte, error)
	Unmarshal(b []byte, env *proxy.Envelope) error
	// Binary reports whether encoded envelopes are binary rather than text.
	Binary() bool
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// CodecByName returns the codec with the given name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(env proxy.Envelope) ([]byte, error) { return json.Marshal(env) }

func (jsonCodec) Unmarshal(b []byte, env *proxy.Envelope) error { return json.Unmarshal(b, env) }

var CBOR Codec

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// Times travel as RFC 3339 strings, as they do in JSON.
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		// Decoded values must look like JSON values, so maps are keyed by string.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return CodecCBOR }

func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(env proxy.Envelope) ([]byte, error) { return c.enc.Marshal(env) }

func (c cborCodec) Unmarshal(b []byte, env *proxy.Envelope) error { return c.dec.Unmarshal(b, env) }

// Copy passes env through codec, so the receiver sees exactly what a remote peer would.
func Copy(codec Codec, env proxy.Envelope) (proxy.Envelope, error) {
	b, err := codec.Marshal(env)
	if err != nil {
		return proxy.Envelope{}, fmt.Errorf("encoding %s: %w", env, err)
	}
	var out proxy.Envelope
	if err := codec.Unmarshal(b, &out); err != nil {
		return proxy.Envelope{}, fmt.Errorf("decoding %s: %w", env, err)
	}
	return out, nil
}
