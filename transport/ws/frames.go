package ws

import (
	"context"
	"fmt"

	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	SubprotocolJSON = "capproxy.json"
	SubprotocolCBOR = "capproxy.cbor"

	readLimit = 1 << 20
)

func subprotocolFor(codec string) (string, error) {
	switch codec {
	case transport.CodecJSON, "":
		return SubprotocolJSON, nil
	case transport.CodecCBOR:
		return SubprotocolCBOR, nil
	}
	return "", fmt.Errorf("unknown codec %q", codec)
}

// frames reads and writes one envelope per WebSocket message.
type frames interface {
	read(ctx context.Context, conn *websocket.Conn) (proxy.Envelope, error)
	write(ctx context.Context, conn *websocket.Conn, env proxy.Envelope) error
	name() string
}

// framesFor picks the framing for a negotiated subprotocol. Peers that did not
// negotiate one get JSON.
func framesFor(subprotocol string) frames {
	if subprotocol == SubprotocolCBOR {
		return binaryFrames{codec: transport.CBOR}
	}
	return jsonFrames{}
}

type jsonFrames struct{}

func (jsonFrames) name() string { return transport.CodecJSON }

func (jsonFrames) read(ctx context.Context, conn *websocket.Conn) (proxy.Envelope, error) {
	var env proxy.Envelope
	err := wsjson.Read(ctx, conn, &env)
	return env, err
}

func (jsonFrames) write(ctx context.Context, conn *websocket.Conn, env proxy.Envelope) error {
	return wsjson.Write(ctx, conn, env)
}

type binaryFrames struct {
	codec transport.Codec
}

func (f binaryFrames) name() string { return f.codec.Name() }

func (f binaryFrames) read(ctx context.Context, conn *websocket.Conn) (proxy.Envelope, error) {
	var env proxy.Envelope
	typ, b, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if typ != websocket.MessageBinary {
		return env, fmt.Errorf("expected a binary message, got %s", typ)
	}
	if err := f.codec.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

func (f binaryFrames) write(ctx context.Context, conn *websocket.Conn, env proxy.Envelope) error {
	b, err := f.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env, err)
	}
	return conn.Write(ctx, websocket.MessageBinary, b)
}

// closeReason trims reason to what fits in a close frame.
func closeReason(reason string) string {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}
