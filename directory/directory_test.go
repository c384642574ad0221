package directory

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/capproxy/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clockDesc = proxy.Descriptor{
	Channel:    "clock",
	Properties: map[string]proxy.Kind{"now": proxy.KindValue},
}

func entry(addr string) Entry {
	return Entry{Addr: addr, Codec: "json", Descriptor: clockDesc}
}

// testDirectory runs the behavior every Directory shares.
func testDirectory(t *testing.T, d Directory) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.Lookup(ctx, "clock")
	require.ErrorIs(t, err, ErrNotFound)

	err = d.Publish(ctx, "other", entry("127.0.0.1:1"))
	require.ErrorContains(t, err, "not \"other\"")

	watch := d.Watch(ctx, "clock")

	require.NoError(t, d.Publish(ctx, "clock", entry("127.0.0.1:2")))
	require.NoError(t, d.Publish(ctx, "clock", entry("127.0.0.1:1")))
	require.NoError(t, d.Publish(ctx, "clock", entry("127.0.0.1:1")))

	entries, err := d.Lookup(ctx, "clock")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "127.0.0.1:1", entries[0].Addr)
	assert.Equal(t, "127.0.0.1:2", entries[1].Addr)
	assert.Equal(t, clockDesc, entries[0].Descriptor)

	require.Eventually(t, func() bool {
		select {
		case latest := <-watch:
			return len(latest) == 2
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Withdraw(ctx, "clock", "127.0.0.1:1"))
	require.NoError(t, d.Withdraw(ctx, "clock", "127.0.0.1:1"))
	entries, err = d.Lookup(ctx, "clock")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.Eventually(t, func() bool {
		select {
		case latest := <-watch:
			return len(latest) == 1
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Withdraw(ctx, "clock", "127.0.0.1:2"))
	_, err = d.Lookup(ctx, "clock")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory(t *testing.T) {
	d := NewMemory()
	defer d.Close()
	testDirectory(t, d)
}

func TestMemoryWatchEndsWithContext(t *testing.T) {
	d := NewMemory()
	defer d.Close()
	ctx, cancel := context.WithCancel(context.Background())
	watch := d.Watch(ctx, "clock")
	assert.Empty(t, <-watch)
	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-watch
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPublishAll(t *testing.T) {
	d := NewMemory()
	defer d.Close()

	registry := proxy.NewRegistry()
	defer registry.Close()
	clockTarget := map[string]any{"now": "noon"}
	_, err := registry.Register(clockTarget, clockDesc, nopTransport{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, PublishAll(ctx, d, registry, "127.0.0.1:9", true, "cbor"))
	entries, err := d.Lookup(ctx, "clock")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TLS)
	assert.Equal(t, "cbor", entries[0].Codec)

	require.NoError(t, WithdrawAll(ctx, d, registry, "127.0.0.1:9"))
	_, err = d.Lookup(ctx, "clock")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEtcd(t *testing.T) {
	endpoints := os.Getenv("CAPPROXY_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("CAPPROXY_ETCD_ENDPOINTS is not set")
	}
	d, err := NewEtcd(strings.Split(endpoints, ","),
		WithPrefix("/capproxy-test/"+uuid.NewString()+"/"),
		WithTTL(2*time.Second),
	)
	require.NoError(t, err)
	defer d.Close()
	testDirectory(t, d)
}

type nopTransport struct{}

func (nopTransport) Send(proxy.PeerID, proxy.Envelope) error         { return nil }
func (nopTransport) On(string, proxy.Handler)                        {}
func (nopTransport) Once(string, proxy.Handler)                      {}
func (nopTransport) RemoveAllListeners(string)                       {}
func (nopTransport) OnTerminated(func(proxy.PeerID)) (remove func()) { return func() {} }
