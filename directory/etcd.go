package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Etcd is a Directory stored in etcd.
//
//	Key:   {prefix}{channel}/{addr}
//	Value: JSON-encoded Entry
//
// Entries are attached to a TTL lease that is kept alive while the directory is
// open, so the entries of a host that dies expire on their own.
type Etcd struct {
	log    *zap.SugaredLogger
	client *clientv3.Client
	prefix string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

var _ Directory = (*Etcd)(nil)

type EtcdOption func(e *Etcd)

func WithLogger(l *zap.SugaredLogger) EtcdOption {
	return func(e *Etcd) {
		e.log = l.Named("etcd_directory")
	}
}

// WithTTL sets the lease TTL of published entries. etcd rounds it to whole seconds.
func WithTTL(d time.Duration) EtcdOption {
	return func(e *Etcd) {
		e.ttl = d
	}
}

func WithPrefix(prefix string) EtcdOption {
	return func(e *Etcd) {
		e.prefix = prefix
	}
}

// NewEtcd connects to the etcd cluster at endpoints.
func NewEtcd(endpoints []string, opts ...EtcdOption) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return NewEtcdFromClient(c, opts...), nil
}

// NewEtcdFromClient uses an existing client. Close closes it.
func NewEtcdFromClient(c *clientv3.Client, opts ...EtcdOption) *Etcd {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Etcd{
		log:    zap.NewNop().Sugar(),
		client: c,
		prefix: "/capproxy/channels/",
		ttl:    10 * time.Second,
		ctx:    ctx,
		cancel: cancel,
		leases: map[string]clientv3.LeaseID{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Etcd) channelPrefix(channel string) string { return e.prefix + channel + "/" }

func (e *Etcd) key(channel, addr string) string { return e.channelPrefix(channel) + addr }

func (e *Etcd) Publish(ctx context.Context, channel string, entry Entry) error {
	if err := entry.validate(channel); err != nil {
		return fmt.Errorf("publishing %q: %w", channel, err)
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	ttl := int64(e.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := e.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	key := e.key(channel, entry.Addr)
	if _, err := e.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		e.revoke(ctx, lease.ID)
		return fmt.Errorf("putting %s: %w", key, err)
	}

	// keep-alives run until the entry is withdrawn or the directory is closed
	keepAliveCtx, cancel := context.WithCancel(e.ctx)
	ch, err := e.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		e.revoke(ctx, lease.ID)
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		defer cancel()
		for range ch {
		}
		e.log.Debugw("lease keep-alive stopped", "Key", key, "Lease", lease.ID)
	}()

	e.mu.Lock()
	old, replaced := e.leases[key]
	e.leases[key] = lease.ID
	e.mu.Unlock()
	if replaced {
		e.revoke(ctx, old)
	}
	e.log.Debugw("published", "Key", key, "Lease", lease.ID, "TTL", ttl)
	return nil
}

func (e *Etcd) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := e.client.Revoke(ctx, id); err != nil {
		e.log.Debugw("error revoking lease", "Lease", id, "Error", err)
	}
}

func (e *Etcd) Withdraw(ctx context.Context, channel, addr string) error {
	key := e.key(channel, addr)
	e.mu.Lock()
	lease, ok := e.leases[key]
	delete(e.leases, key)
	e.mu.Unlock()

	if _, err := e.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if ok {
		e.revoke(ctx, lease)
	}
	return nil
}

func (e *Etcd) Lookup(ctx context.Context, channel string) ([]Entry, error) {
	entries, err := e.list(ctx, channel)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("looking up %q: %w", channel, ErrNotFound)
	}
	return entries, nil
}

func (e *Etcd) list(ctx context.Context, channel string) ([]Entry, error) {
	prefix := e.channelPrefix(channel)
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry Entry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			e.log.Debugw("skipping malformed entry", "Key", string(kv.Key), "Error", err)
			continue
		}
		if strings.Contains(strings.TrimPrefix(string(kv.Key), prefix), "/") {
			// belongs to a channel whose name extends this one
			continue
		}
		entries = append(entries, entry)
	}
	return sortEntries(entries), nil
}

// Watch re-lists the channel on every change under its prefix.
func (e *Etcd) Watch(ctx context.Context, channel string) <-chan []Entry {
	ch := make(chan []Entry, 1)
	go func() {
		defer close(ch)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-e.ctx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		watchChan := e.client.Watch(ctx, e.channelPrefix(channel), clientv3.WithPrefix())
		if entries, err := e.list(ctx, channel); err == nil {
			sendLatest(ch, entries)
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				e.log.Debugw("watch error", "Channel", channel, "Error", err)
				continue
			}
			entries, err := e.list(ctx, channel)
			if err != nil {
				e.log.Debugw("error listing after change", "Channel", channel, "Error", err)
				continue
			}
			sendLatest(ch, entries)
		}
	}()
	return ch
}

// Close revokes every lease this directory granted and closes the client.
func (e *Etcd) Close() error {
	e.cancel()
	e.mu.Lock()
	leases := e.leases
	e.leases = map[string]clientv3.LeaseID{}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range leases {
		e.revoke(ctx, id)
	}
	return e.client.Close()
}
