package proxy

import (
	"context"
	"sync"
)

// Awaiter is a value that becomes available later.
// The server awaits Awaiter results before answering a request.
type Awaiter interface {
	Await(ctx context.Context) (any, error)
}

// Future is a value or error that is settled exactly once.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
	// abandon, if set, runs when an Await gives up before the future settles.
	abandon func(err error)
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already fulfilled with v.
func Resolved(v any) *Future {
	f := NewFuture()
	f.Resolve(v)
	return f
}

// Rejected returns a future already rejected with err.
func Rejected(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

// Go runs fn on a new goroutine and settles the returned future with its result.
func Go(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Reject(newPanicError(r))
			}
		}()
		f.settle(fn())
	}()
	return f
}

// Resolve fulfills the future. It reports false if the future was already settled.
func (f *Future) Resolve(v any) bool { return f.settle(v, nil) }

// Reject rejects the future. It reports false if the future was already settled.
func (f *Future) Reject(err error) bool { return f.settle(nil, err) }

func (f *Future) settle(v any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future settles or ctx is done.
// A future returned by a Client is abandoned when ctx ends first: it is
// rejected with ctx's error and its answer is no longer listened for.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		if f.abandon != nil {
			f.abandon(ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Decode awaits the future and converts its value into dst, which must be a pointer.
func (f *Future) Decode(ctx context.Context, dst any) error {
	v, err := f.Await(ctx)
	if err != nil {
		return err
	}
	return Convert(v, dst)
}

// settleResponse settles f from the single response to a correlated request.
func (f *Future) settleResponse(resp *Response) {
	if resp == nil {
		f.Reject(malformedResponse("correlated answer carries no response"))
		return
	}
	switch resp.Type {
	case ResponseResult:
		f.Resolve(resp.Value)
	case ResponseError:
		f.Reject(DeserializeError(resp.Error))
	default:
		f.Reject(malformedResponse("unhandled response type [%s]", resp.Type))
	}
}

// await resolves v through any chain of Awaiters. A nil Awaiter is a nil value.
func await(ctx context.Context, v any) (any, error) {
	for {
		a, ok := v.(Awaiter)
		if !ok {
			return v, nil
		}
		if isNil(a) {
			return nil, nil
		}
		var err error
		v, err = a.Await(ctx)
		if err != nil {
			return nil, err
		}
	}
}
