package transport

import (
	"testing"
	"time"

	"github.com/guseggert/capproxy/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRemovesOnceListeners(t *testing.T) {
	var l Listeners
	var on, once int
	l.On("ev", func(proxy.PeerID, proxy.Envelope) { on++ })
	l.Once("ev", func(proxy.PeerID, proxy.Envelope) { once++ })
	require.Equal(t, 2, l.Len("ev"))

	assert.True(t, l.Dispatch("p", proxy.Envelope{Event: "ev"}))
	assert.True(t, l.Dispatch("p", proxy.Envelope{Event: "ev"}))
	assert.False(t, l.Dispatch("p", proxy.Envelope{Event: "other"}))

	assert.Equal(t, 2, on)
	assert.Equal(t, 1, once)
	assert.Equal(t, 1, l.Len("ev"))

	l.RemoveAllListeners("ev")
	assert.False(t, l.Dispatch("p", proxy.Envelope{Event: "ev"}))
}

func TestListenersMayReregisterWhileDispatching(t *testing.T) {
	var l Listeners
	var calls []string
	l.Once("ev", func(_ proxy.PeerID, env proxy.Envelope) {
		calls = append(calls, "first")
		l.Once("ev", func(proxy.PeerID, proxy.Envelope) { calls = append(calls, "second") })
	})
	l.Dispatch("p", proxy.Envelope{Event: "ev"})
	l.Dispatch("p", proxy.Envelope{Event: "ev"})
	l.Dispatch("p", proxy.Envelope{Event: "ev"})
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestOnTerminatedRemove(t *testing.T) {
	var l Listeners
	var a, b []proxy.PeerID
	removeA := l.OnTerminated(func(p proxy.PeerID) { a = append(a, p) })
	l.OnTerminated(func(p proxy.PeerID) { b = append(b, p) })

	l.Terminated("x")
	removeA()
	l.Terminated("y")

	assert.Equal(t, []proxy.PeerID{"x"}, a)
	assert.Equal(t, []proxy.PeerID{"x", "y"}, b)
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestCopyProducesGenericValues(t *testing.T) {
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := proxy.Envelope{
		Event:         "clock",
		CorrelationID: "c1",
		Request: &proxy.Request{
			Type:   proxy.RequestApply,
			Member: "plot",
			Args:   []any{point{X: 1, Y: -2}, "s", 1.5, when},
		},
	}

	t.Run("json", func(t *testing.T) {
		out, err := Copy(JSON, env)
		require.NoError(t, err)
		assert.Equal(t, "clock", out.Event)
		assert.Equal(t, "c1", out.CorrelationID)
		require.NotNil(t, out.Request)
		assert.Equal(t, []any{
			map[string]any{"x": float64(1), "y": float64(-2)},
			"s",
			1.5,
			"2024-01-02T03:04:05Z",
		}, out.Request.Args)
	})

	t.Run("cbor", func(t *testing.T) {
		out, err := Copy(CBOR, env)
		require.NoError(t, err)
		assert.Equal(t, "clock", out.Event)
		require.NotNil(t, out.Request)
		require.Len(t, out.Request.Args, 4)
		assert.Equal(t, map[string]any{"x": uint64(1), "y": int64(-2)}, out.Request.Args[0])
		assert.Equal(t, "s", out.Request.Args[1])
		assert.Equal(t, 1.5, out.Request.Args[2])
		assert.Equal(t, "2024-01-02T03:04:05Z", out.Request.Args[3])
	})
}

func TestCopyCarriesErrors(t *testing.T) {
	env := proxy.Envelope{
		Event: "c1",
		Response: &proxy.Response{
			Type:  proxy.ResponseError,
			Error: &proxy.SerializedError{Kind: proxy.ErrorApplication, Name: "boom", Message: "it broke"},
		},
	}
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			out, err := Copy(codec, env)
			require.NoError(t, err)
			require.NotNil(t, out.Response)
			require.NotNil(t, out.Response.Error)
			err = proxy.DeserializeError(out.Response.Error)
			assert.EqualError(t, err, "it broke")
		})
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())
	assert.False(t, c.Binary())

	c, err = CodecByName(CodecCBOR)
	require.NoError(t, err)
	assert.True(t, c.Binary())

	_, err = CodecByName("xml")
	assert.EqualError(t, err, `unknown codec "xml"`)
}
