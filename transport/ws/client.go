package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ServerPeer is the peer id a Conn reports for the server side of the connection.
const ServerPeer proxy.PeerID = "server"

// Conn is the client end of a bus connection. It implements proxy.Transport
// with a single peer, the server.
type Conn struct {
	transport.Listeners

	log          *zap.SugaredLogger
	conn         *websocket.Conn
	frames       frames
	writeTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

var _ proxy.Transport = (*Conn)(nil)

type dialConfig struct {
	log          *zap.SugaredLogger
	httpClient   *http.Client
	header       http.Header
	codec        string
	writeTimeout time.Duration
}

type DialOption func(c *dialConfig)

func WithLogger(l *zap.SugaredLogger) DialOption {
	return func(c *dialConfig) {
		c.log = l
	}
}

// WithHTTPClient sets the client used for the handshake, e.g. one configured for mTLS.
func WithHTTPClient(client *http.Client) DialOption {
	return func(c *dialConfig) {
		c.httpClient = client
	}
}

func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) {
		c.header = h
	}
}

// WithCodec selects the frame codec by name, "json" (the default) or "cbor".
func WithCodec(name string) DialOption {
	return func(c *dialConfig) {
		c.codec = name
	}
}

func WithDialWriteTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) {
		c.writeTimeout = d
	}
}

// Dial connects to the bus at url.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	cfg := &dialConfig{
		log:          zap.NewNop().Sugar(),
		writeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}
	subprotocol, err := subprotocolFor(cfg.codec)
	if err != nil {
		return nil, err
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      cfg.httpClient,
		HTTPHeader:      cfg.header,
		Subprotocols:    []string{subprotocol},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing bus: %w", err)
	}
	if got := wsConn.Subprotocol(); got != subprotocol {
		wsConn.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, fmt.Errorf("server did not accept subprotocol %q (got %q)", subprotocol, got)
	}
	wsConn.SetReadLimit(readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:          cfg.log.Named("ws_conn"),
		conn:         wsConn,
		frames:       framesFor(subprotocol),
		writeTimeout: cfg.writeTimeout,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.Terminated(ServerPeer)
		close(c.done)
		c.log.Debug("server terminated")
	}()
	for {
		env, err := c.frames.read(ctx, c.conn)
		if err != nil {
			c.setErr(err)
			if websocket.CloseStatus(err) == -1 {
				c.conn.Close(websocket.StatusInternalError, closeReason(err.Error()))
			}
			c.log.Debugw("read loop exiting", "Error", err)
			return
		}
		if !c.Dispatch(ServerPeer, env) {
			c.log.Debugw("dropping envelope with no listener", "Event", env.Event)
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that ended the connection, if it has ended.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes env to the server. The only valid peers are ServerPeer and "".
func (c *Conn) Send(peer proxy.PeerID, env proxy.Envelope) error {
	if peer != "" && peer != ServerPeer {
		return fmt.Errorf("sending to %q: %w", peer, transport.ErrPeerTerminated)
	}
	select {
	case <-c.done:
		return fmt.Errorf("sending %s: %w", env, transport.ErrClosed)
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.frames.write(ctx, c.conn, env)
}

// Done is closed once the connection has ended and termination handlers have run.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close closes the connection and waits for the read loop to exit.
func (c *Conn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
