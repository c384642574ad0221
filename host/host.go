package host

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport/ws"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Host serves the channels of a registry over HTTP. Peers connect to the bus at
// /bus; each WebSocket connection is one peer. When TLS is configured, the host
// requires mTLS for both traffic encryption and authz.
type Host struct {
	logger *zap.SugaredLogger

	registry  *proxy.Registry
	bus       *ws.Server
	tlsConfig *tls.Config

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer *http.Server
	listener   net.Listener

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(h *Host)

// WithHeartbeatTimeout sets how long the host waits for a heartbeat before running the failure handler.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(h *Host) {
		h.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(h *Host) {
		h.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		h.logger = l.Named("host").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(h *Host) {
		h.logger = h.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLS serves over TLS with cfg, which should require client certs (see ServerTLSConfig).
func WithTLS(cfg *tls.Config) Option {
	return func(h *Host) {
		h.tlsConfig = cfg
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs a host for registry. A nil registry gets a fresh one.
func New(registry *proxy.Registry, opts ...Option) (*Host, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	h := &Host{
		logger:           logger.Named("host").Sugar(),
		registry:         registry,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.registry == nil {
		h.registry = proxy.NewRegistry(proxy.WithLogger(h.logger))
	}
	h.bus = ws.NewServer(ws.WithServerLogger(h.logger))
	h.httpServer = &http.Server{Handler: h.router()}
	return h, nil
}

// Registry is the registry whose channels the host serves.
func (h *Host) Registry() *proxy.Registry { return h.registry }

// Bus is the transport peers reach through /bus.
func (h *Host) Bus() *ws.Server { return h.bus }

// Register registers target on the host's bus.
func (h *Host) Register(target any, desc proxy.Descriptor) (unregister func() error, err error) {
	return h.registry.Register(target, desc, h.bus)
}

// startHeartbeatCheck starts a goroutine that runs the failure handler each time a heartbeat timeout elapses.
func (h *Host) startHeartbeatCheck() {
	if h.heartbeatFailureHandler == nil {
		return
	}
	h.heartbeatMut.Lock()
	h.lastHeartbeat = time.Now()
	h.heartbeatMut.Unlock()

	go func() {
		interval := h.heartbeatTimeout / 4
		if interval > time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.closed:
				return
			case <-ticker.C:
			}

			h.heartbeatMut.Lock()
			expired := h.lastHeartbeat.Add(h.heartbeatTimeout).Before(time.Now())
			if expired {
				h.lastHeartbeat = time.Now()
			}
			h.heartbeatMut.Unlock()

			if expired {
				h.logger.Debugw("heartbeat timed out", "Timeout", h.heartbeatTimeout)
				h.heartbeatFailureHandler()
			}
		}
	}()
}

// Listen binds the listen address. Run calls it if it has not been called.
func (h *Host) Listen() error {
	if h.listener != nil {
		return nil
	}
	tcpListener, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	h.listener = tcpListener
	if h.tlsConfig != nil {
		h.listener = tls.NewListener(tcpListener, h.tlsConfig)
	}
	return nil
}

// Addr is the bound address. It is only valid after Listen.
func (h *Host) Addr() string {
	if h.listener == nil {
		return h.listenAddr
	}
	return h.listener.Addr().String()
}

func (h *Host) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", h.heartbeat)
	router.GET("/channels", h.channels)
	router.GET("/channels/:channel", h.channel)
	router.GET("/bus", h.busWS)
	return router
}

func (h *Host) runHTTPServer() error {
	if err := h.Listen(); err != nil {
		return err
	}
	err := h.httpServer.Serve(h.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the host and returns once the host has stopped.
func (h *Host) Run() error {
	h.logger.Infow("starting host", "Addr", h.Addr(), "TLS", h.tlsConfig != nil, "Channels", h.registry.Channels())
	h.startHeartbeatCheck()
	return h.runHTTPServer()
}

func (h *Host) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h.heartbeatMut.Lock()
	lastHeartbeat := h.lastHeartbeat
	h.lastHeartbeat = time.Now()
	h.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	writeJSON(h.logger, w, response)
}

func (h *Host) channels(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(h.logger, w, h.registry.Descriptors())
}

func (h *Host) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("channel")
	for _, desc := range h.registry.Descriptors() {
		if desc.Channel == name {
			writeJSON(h.logger, w, desc)
			return
		}
	}
	http.Error(w, fmt.Sprintf("no channel %q", name), http.StatusNotFound)
}

func (h *Host) busWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h.bus.ServeHTTP(w, r)
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop stops serving and disconnects every peer. Registrations stay in the registry.
func (h *Host) Stop() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = h.httpServer.Close()
		if h.listener != nil {
			h.listener.Close()
		}
		h.bus.Close()
	})
	return err
}
