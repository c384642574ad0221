package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu       sync.Mutex
	values   []any
	err      error
	complete bool
}

func (c *collector) observer() Observer {
	return Observer{
		OnNext: func(v any) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.values = append(c.values, v)
		},
		OnError: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.err = err
		},
		OnComplete: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.complete = true
		},
	}
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

func TestFromSlice(t *testing.T) {
	var c collector
	FromSlice(1, 2, 3).Subscribe(c.observer())
	assert.Equal(t, []any{1, 2, 3}, c.values)
	assert.True(t, c.complete)
	assert.NoError(t, c.err)
}

func TestFail(t *testing.T) {
	var c collector
	boom := errors.New("boom")
	Fail(boom).Subscribe(c.observer())
	assert.Empty(t, c.values)
	assert.ErrorIs(t, c.err, boom)
	assert.False(t, c.complete)
}

func TestFromChannel(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	close(ch)

	var c collector
	FromChannel(ch).Subscribe(c.observer())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.complete
	}, time.Second, time.Millisecond)
	assert.Equal(t, []any{1, 2}, c.values)
}

func TestIntervalCancel(t *testing.T) {
	var c collector
	sub := Interval(time.Millisecond, func(n int) any { return n }).Subscribe(c.observer())
	require.Eventually(t, func() bool { return c.len() >= 3 }, time.Second, time.Millisecond)
	sub.Cancel()
	sub.Cancel()
	time.Sleep(5 * time.Millisecond)
	n := c.len()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, c.len())
	assert.Equal(t, 0, c.values[0])
}

func TestSubject(t *testing.T) {
	s := NewSubject()
	var early, late collector
	subEarly := s.Subscribe(early.observer())
	s.Next("a")
	s.Subscribe(late.observer())
	s.Next("b")
	assert.Equal(t, 2, s.Len())

	subEarly.Cancel()
	s.Next("c")
	s.Complete()
	s.Next("ignored")

	assert.Equal(t, []any{"a", "b"}, early.values)
	assert.False(t, early.complete)
	assert.Equal(t, []any{"b", "c"}, late.values)
	assert.True(t, late.complete)
	assert.Zero(t, s.Len())

	var after collector
	s.Subscribe(after.observer())
	assert.True(t, after.complete)
}

func TestFutureSettlesOnce(t *testing.T) {
	f := NewFuture()
	assert.True(t, f.Resolve(1))
	assert.False(t, f.Reject(errors.New("late")))
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureAwaitContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := NewFuture().Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGoRecoversPanics(t *testing.T) {
	_, err := Go(func() (any, error) { panic("oops") }).Await(context.Background())
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "oops", perr.Value)
}

func TestAwaitChains(t *testing.T) {
	v, err := await(context.Background(), Resolved(Resolved("deep")))
	require.NoError(t, err)
	assert.Equal(t, "deep", v)

	_, err = await(context.Background(), Resolved(Rejected(errors.New("nope"))))
	assert.EqualError(t, err, "nope")
}

func TestSettleResponse(t *testing.T) {
	f := NewFuture()
	f.settleResponse(&Response{Type: ResponseNext, Value: 1})
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)

	f = NewFuture()
	f.settleResponse(nil)
	_, err = f.Await(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestConvert(t *testing.T) {
	type point struct {
		X    int           `json:"x"`
		Y    int           `json:"y"`
		At   time.Time     `json:"at"`
		Wait time.Duration `json:"wait"`
	}
	var p point
	require.NoError(t, Convert(map[string]any{
		"x":    float64(1),
		"y":    uint64(2),
		"at":   "2024-01-02T03:04:05Z",
		"wait": "1m",
	}, &p))
	assert.Equal(t, 1, p.X)
	assert.Equal(t, 2, p.Y)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), p.At)
	assert.Equal(t, time.Minute, p.Wait)

	var n int
	assert.Error(t, Convert("seven", &n))
}
