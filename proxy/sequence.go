package proxy

import (
	"sync"
	"time"
)

// Observer receives the events of a live sequence. OnNext calls are never
// concurrent, and at most one of OnError or OnComplete is called, last.
// Nil callbacks are ignored.
type Observer struct {
	OnNext     func(v any)
	OnError    func(err error)
	OnComplete func()
}

func (o Observer) next(v any) {
	if o.OnNext != nil {
		o.OnNext(v)
	}
}

func (o Observer) error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

func (o Observer) complete() {
	if o.OnComplete != nil {
		o.OnComplete()
	}
}

// Subscription is a handle on a running subscription.
// Cancel must be idempotent and safe to call after the sequence has terminated.
type Subscription interface {
	Cancel()
}

// Sequence is a live sequence: it emits zero or more values over time and then
// completes or fails exactly once.
type Sequence interface {
	Subscribe(o Observer) Subscription
}

// SequenceFunc adapts a function to a Sequence.
type SequenceFunc func(o Observer) Subscription

func (f SequenceFunc) Subscribe(o Observer) Subscription { return f(o) }

// CancelFunc adapts a function to a Subscription.
type CancelFunc func()

func (f CancelFunc) Cancel() {
	if f != nil {
		f()
	}
}

func cancelOnce(f func()) Subscription {
	var once sync.Once
	return CancelFunc(func() { once.Do(f) })
}

// FromSlice returns a sequence that synchronously emits items and completes.
func FromSlice(items ...any) Sequence {
	return SequenceFunc(func(o Observer) Subscription {
		for _, item := range items {
			o.next(item)
		}
		o.complete()
		return CancelFunc(nil)
	})
}

// Fail returns a sequence that fails immediately with err.
func Fail(err error) Sequence {
	return SequenceFunc(func(o Observer) Subscription {
		o.error(err)
		return CancelFunc(nil)
	})
}

// FromChannel returns a sequence that emits every value received from ch and
// completes when ch is closed. Each subscriber competes for values of the same channel.
func FromChannel[T any](ch <-chan T) Sequence {
	return SequenceFunc(func(o Observer) Subscription {
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				case v, ok := <-ch:
					if !ok {
						o.complete()
						return
					}
					select {
					case <-stop:
						return
					default:
					}
					o.next(v)
				}
			}
		}()
		return cancelOnce(func() { close(stop) })
	})
}

// Interval returns a cold sequence that emits fn(n) every d, with n counting
// from 0, until the subscription is cancelled.
func Interval(d time.Duration, fn func(n int) any) Sequence {
	return SequenceFunc(func(o Observer) Subscription {
		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(d)
			defer ticker.Stop()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				case <-ticker.C:
				}
				select {
				case <-stop:
					return
				default:
				}
				o.next(fn(n))
			}
		}()
		return cancelOnce(func() { close(stop) })
	})
}

// Subject is a hot sequence that multicasts the values pushed into it.
// Subscribers only see values pushed after they subscribed. A subscriber that
// arrives after the subject terminated gets the terminal event immediately.
type Subject struct {
	mu        sync.Mutex
	nextID    int
	observers map[int]Observer
	done      bool
	err       error
}

func NewSubject() *Subject {
	return &Subject{observers: map[int]Observer{}}
}

func (s *Subject) Subscribe(o Observer) Subscription {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			o.error(err)
		} else {
			o.complete()
		}
		return CancelFunc(nil)
	}
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.mu.Unlock()
	return cancelOnce(func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	})
}

// Next emits v to every current subscriber.
func (s *Subject) Next(v any) {
	for _, o := range s.snapshot(false, nil) {
		o.next(v)
	}
}

// Error fails every current subscriber and terminates the subject.
func (s *Subject) Error(err error) {
	for _, o := range s.snapshot(true, err) {
		o.error(err)
	}
}

// Complete completes every current subscriber and terminates the subject.
func (s *Subject) Complete() {
	for _, o := range s.snapshot(true, nil) {
		o.complete()
	}
}

// Len is the number of current subscribers.
func (s *Subject) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Subject) snapshot(terminate bool, err error) []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	if terminate {
		s.done = true
		s.err = err
		s.observers = map[int]Observer{}
	}
	return observers
}
