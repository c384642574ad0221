package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server accepts bus connections over HTTP. It implements proxy.Transport, with
// one peer per connection.
type Server struct {
	transport.Listeners

	log          *zap.SugaredLogger
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[proxy.PeerID]*serverConn
	closed bool
	wg     sync.WaitGroup
}

var _ proxy.Transport = (*Server)(nil)

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("ws_bus")
	}
}

// WithWriteTimeout bounds each envelope write. A peer that cannot keep up is disconnected.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:          zap.NewNop().Sugar(),
		writeTimeout: 10 * time.Second,
		conns:        map[proxy.PeerID]*serverConn{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type serverConn struct {
	conn   *websocket.Conn
	frames frames
	cancel context.CancelFunc
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    []string{SubprotocolJSON, SubprotocolCBOR},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := proxy.PeerID(uuid.NewString())
	sc := &serverConn{conn: wsConn, frames: framesFor(wsConn.Subprotocol()), cancel: cancel}
	if !s.add(peer, sc) {
		wsConn.Close(websocket.StatusGoingAway, "bus is closed")
		return
	}
	defer s.wg.Done()
	log := s.log.With("Peer", peer)
	log.Debugw("accepted bus conn", "Codec", sc.frames.name(), "Remote", r.RemoteAddr)

	defer func() {
		s.remove(peer)
		s.Terminated(peer)
		log.Debug("peer terminated")
	}()

	for {
		env, err := sc.frames.read(ctx, wsConn)
		if websocket.CloseStatus(err) != -1 {
			log.Debugw("conn closed", "Status", websocket.CloseStatus(err))
			return
		}
		if err != nil {
			log.Debugf("message reader got error: %s", err)
			wsConn.Close(websocket.StatusInternalError, closeReason(err.Error()))
			return
		}
		if !s.Dispatch(peer, env) {
			log.Debugw("dropping envelope with no listener", "Event", env.Event)
		}
	}
}

func (s *Server) add(peer proxy.PeerID, sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[peer] = sc
	s.wg.Add(1)
	return true
}

func (s *Server) remove(peer proxy.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, peer)
}

// Send writes env to the connection of peer.
func (s *Server) Send(peer proxy.PeerID, env proxy.Envelope) error {
	s.mu.Lock()
	sc, ok := s.conns[peer]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sending to %q: %w", peer, transport.ErrPeerTerminated)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	err := sc.frames.write(ctx, sc.conn, env)
	if errors.Is(err, context.DeadlineExceeded) {
		sc.cancel()
	}
	return err
}

// Peers returns the ids of the connected peers.
func (s *Server) Peers() []proxy.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]proxy.PeerID, 0, len(s.conns))
	for peer := range s.conns {
		peers = append(peers, peer)
	}
	return peers
}

// Disconnect closes the connection of peer, which terminates it.
func (s *Server) Disconnect(peer proxy.PeerID, reason string) error {
	s.mu.Lock()
	sc, ok := s.conns[peer]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("disconnecting %q: %w", peer, transport.ErrPeerTerminated)
	}
	return sc.conn.Close(websocket.StatusNormalClosure, closeReason(reason))
}

// Close disconnects every peer and waits for their termination handlers to run.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close(websocket.StatusGoingAway, "bus is closing")
		sc.cancel()
	}
	s.wg.Wait()
	return nil
}
