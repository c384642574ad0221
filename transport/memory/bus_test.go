package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/capproxy/proxy"
	"github.com/guseggert/capproxy/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	mu     sync.Mutex
	events []string
}

func (r *received) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *received) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestDeliveryOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got received
	bus.Host().On("ch", func(sender proxy.PeerID, env proxy.Envelope) {
		got.add(string(sender) + ":" + env.CorrelationID)
	})

	c, err := bus.Connect("a")
	require.NoError(t, err)
	var want []string
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, c.Send("", proxy.Envelope{Event: "ch", CorrelationID: id}))
		want = append(want, "a:"+id)
	}

	require.Eventually(t, func() bool { return len(got.get()) == len(want) }, time.Second, time.Millisecond)
	assert.Equal(t, want, got.get())
}

func TestHostAnswersClient(t *testing.T) {
	bus := NewBus(WithCodec(transport.CBOR))
	defer bus.Close()

	bus.Host().On("ch", func(sender proxy.PeerID, env proxy.Envelope) {
		_ = bus.Host().Send(sender, proxy.Envelope{
			Event:    env.CorrelationID,
			Response: &proxy.Response{Type: proxy.ResponseResult, Value: "pong"},
		})
	})

	c, err := bus.Connect("a")
	require.NoError(t, err)
	answer := make(chan any, 1)
	c.Once("c1", func(_ proxy.PeerID, env proxy.Envelope) { answer <- env.Response.Value })
	require.NoError(t, c.Send("", proxy.Envelope{Event: "ch", CorrelationID: "c1"}))

	select {
	case v := <-answer:
		assert.Equal(t, "pong", v)
	case <-time.After(time.Second):
		t.Fatal("no answer")
	}
}

func TestTerminationRunsAfterPriorMessages(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got received
	bus.Host().On("ch", func(sender proxy.PeerID, env proxy.Envelope) { got.add("msg " + env.CorrelationID) })
	bus.Host().OnTerminated(func(peer proxy.PeerID) { got.add("terminated " + string(peer)) })

	c, err := bus.Connect("a")
	require.NoError(t, err)
	require.NoError(t, c.Send("", proxy.Envelope{Event: "ch", CorrelationID: "1"}))
	require.NoError(t, c.Send("", proxy.Envelope{Event: "ch", CorrelationID: "2"}))
	require.NoError(t, bus.Terminate("a"))

	require.Eventually(t, func() bool { return len(got.get()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"msg 1", "msg 2", "terminated a"}, got.get())

	err = c.Send("", proxy.Envelope{Event: "ch"})
	assert.True(t, errors.Is(err, transport.ErrPeerTerminated))
	err = bus.Host().Send("a", proxy.Envelope{Event: "x"})
	assert.True(t, errors.Is(err, transport.ErrPeerTerminated))
	assert.ErrorIs(t, bus.Terminate("a"), transport.ErrPeerTerminated)
}

func TestPeerIDsAreNotReused(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, err := bus.Connect("a")
	require.NoError(t, err)
	_, err = bus.Connect("a")
	assert.Error(t, err)

	require.NoError(t, bus.Terminate("a"))
	_, err = bus.Connect("a")
	assert.Error(t, err)

	_, err = bus.Connect(HostPeer)
	assert.Error(t, err)
	_, err = bus.Connect("")
	assert.Error(t, err)
}

func TestClientSendsOnlyToHost(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, err := bus.Connect("a")
	require.NoError(t, err)
	_, err = bus.Connect("b")
	require.NoError(t, err)
	assert.Error(t, a.Send("b", proxy.Envelope{Event: "x"}))
	assert.NoError(t, a.Send(HostPeer, proxy.Envelope{Event: "x"}))
}

func TestCloseTerminatesEveryone(t *testing.T) {
	bus := NewBus()

	var hostSaw, clientSaw received
	bus.Host().OnTerminated(func(peer proxy.PeerID) { hostSaw.add(string(peer)) })
	c, err := bus.Connect("a")
	require.NoError(t, err)
	c.OnTerminated(func(peer proxy.PeerID) { clientSaw.add(string(peer)) })

	bus.Close()
	bus.Close()

	assert.Equal(t, []string{"a"}, hostSaw.get())
	assert.Equal(t, []string{string(HostPeer)}, clientSaw.get())

	_, err = bus.Connect("b")
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Error(t, c.Send("", proxy.Envelope{Event: "x"}))
}
