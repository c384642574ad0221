package host

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport/ws"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a host over HTTP and dials its bus.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	tlsClientConfig          *tls.Config
	baseURL                  string
	codec                    string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("host_client").Sugar()
	}
}

// WithClientTLS connects over TLS with cfg (see ClientTLSConfig).
func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

// WithClientCodec sets the codec DialBus negotiates.
func WithClientCodec(name string) ClientOption {
	return func(c *Client) {
		c.codec = name
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the host at addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("parsing host address %q: %w", addr, err)
	}
	c := &Client{
		Logger:        log.Named("host_client"),
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	scheme := "http"
	if c.tlsClientConfig != nil {
		scheme = "https"
	}
	c.baseURL = fmt.Sprintf("%s://%s", scheme, addr)

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialer.DialContext,
			MaxConnsPerHost: 0,
			TLSClientConfig: c.tlsClientConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// BaseURL is the host's HTTP base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return fmt.Errorf("non-200 HTTP status code %d received from %s: %s", resp.StatusCode, path, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp struct{ LastHeartbeat string }
	return c.getJSON(ctx, "/heartbeat", &resp)
}

// Channels lists the descriptors the host serves.
func (c *Client) Channels(ctx context.Context) ([]proxy.Descriptor, error) {
	var descs []proxy.Descriptor
	if err := c.getJSON(ctx, "/channels", &descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// Descriptor fetches the descriptor of one channel.
func (c *Client) Descriptor(ctx context.Context, channel string) (proxy.Descriptor, error) {
	var desc proxy.Descriptor
	err := c.getJSON(ctx, "/channels/"+url.PathEscape(channel), &desc)
	return desc, err
}

// DialBus opens a bus connection to the host.
func (c *Client) DialBus(ctx context.Context, opts ...ws.DialOption) (*ws.Conn, error) {
	u := c.baseURL + "/bus"
	c.Logger.Debugw("dialing bus", "URL", u, "Codec", c.codec)
	opts = append([]ws.DialOption{
		ws.WithHTTPClient(c.HTTPClient),
		ws.WithCodec(c.codec),
		ws.WithLogger(c.Logger),
	}, opts...)
	return ws.Dial(ctx, u, opts...)
}

// Connect fetches the descriptor of channel, dials the bus and builds a client for it.
// Closing the returned conn terminates the client's subscriptions on the host.
func (c *Client) Connect(ctx context.Context, channel string) (*proxy.Client, *ws.Conn, error) {
	desc, err := c.Descriptor(ctx, channel)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching descriptor: %w", err)
	}
	conn, err := c.DialBus(ctx)
	if err != nil {
		return nil, nil, err
	}
	client, err := proxy.NewClient(desc, conn, proxy.WithClientLogger(c.Logger))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("building client for %q: %w", channel, err)
	}
	return client, conn, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) StartHeartbeat(interval time.Duration) {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
