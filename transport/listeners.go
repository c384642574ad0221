package transport

import (
	"sync"

	"github.com/guseggert/capproxy/proxy"
)

// Listeners is the event listener table shared by the transports.
// Embedding it provides On, Once, RemoveAllListeners and OnTerminated.
type Listeners struct {
	mu         sync.Mutex
	nextID     uint64
	events     map[string][]listener
	terminated map[uint64]func(proxy.PeerID)
}

type listener struct {
	id      uint64
	once    bool
	handler proxy.Handler
}

func (l *Listeners) add(event string, h proxy.Handler, once bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = map[string][]listener{}
	}
	l.nextID++
	l.events[event] = append(l.events[event], listener{id: l.nextID, once: once, handler: h})
}

func (l *Listeners) On(event string, h proxy.Handler) { l.add(event, h, false) }

func (l *Listeners) Once(event string, h proxy.Handler) { l.add(event, h, true) }

func (l *Listeners) RemoveAllListeners(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, event)
}

func (l *Listeners) OnTerminated(h func(proxy.PeerID)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminated == nil {
		l.terminated = map[uint64]func(proxy.PeerID){}
	}
	l.nextID++
	id := l.nextID
	l.terminated[id] = h
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.terminated, id)
	}
}

// Dispatch calls the listeners registered for env.Event and reports whether there were any.
// Once listeners are removed before they are called. Listeners may modify the table.
func (l *Listeners) Dispatch(sender proxy.PeerID, env proxy.Envelope) bool {
	l.mu.Lock()
	registered := l.events[env.Event]
	handlers := make([]proxy.Handler, 0, len(registered))
	kept := registered[:0:0]
	for _, ln := range registered {
		handlers = append(handlers, ln.handler)
		if !ln.once {
			kept = append(kept, ln)
		}
	}
	if len(kept) == 0 {
		delete(l.events, env.Event)
	} else if len(kept) != len(registered) {
		l.events[env.Event] = kept
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(sender, env)
	}
	return len(handlers) > 0
}

// Terminated tells the termination handlers that peer went away.
func (l *Listeners) Terminated(peer proxy.PeerID) {
	l.mu.Lock()
	handlers := make([]func(proxy.PeerID), 0, len(l.terminated))
	for _, h := range l.terminated {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(peer)
	}
}

// Len is the number of listeners registered for event.
func (l *Listeners) Len(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events[event])
}
