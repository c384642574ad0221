package directory

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Directory.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]map[string]Entry
	watchers map[string]map[chan []Entry]struct{}
	closed   bool
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		entries:  map[string]map[string]Entry{},
		watchers: map[string]map[chan []Entry]struct{}{},
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, e Entry) error {
	if err := e.validate(channel); err != nil {
		return fmt.Errorf("publishing %q: %w", channel, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("publishing %q: directory is closed", channel)
	}
	if m.entries[channel] == nil {
		m.entries[channel] = map[string]Entry{}
	}
	m.entries[channel][e.Addr] = e
	m.notify(channel)
	return nil
}

func (m *Memory) Withdraw(ctx context.Context, channel, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[channel][addr]; !ok {
		return nil
	}
	delete(m.entries[channel], addr)
	if len(m.entries[channel]) == 0 {
		delete(m.entries, channel)
	}
	m.notify(channel)
	return nil
}

func (m *Memory) Lookup(ctx context.Context, channel string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.list(channel)
	if len(entries) == 0 {
		return nil, fmt.Errorf("looking up %q: %w", channel, ErrNotFound)
	}
	return entries, nil
}

func (m *Memory) Watch(ctx context.Context, channel string) <-chan []Entry {
	ch := make(chan []Entry, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	if m.watchers[channel] == nil {
		m.watchers[channel] = map[chan []Entry]struct{}{}
	}
	m.watchers[channel][ch] = struct{}{}
	ch <- m.list(channel)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[channel][ch]; ok {
			delete(m.watchers[channel], ch)
			close(ch)
		}
	}()
	return ch
}

// Close ends every watch.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for channel, watchers := range m.watchers {
		for ch := range watchers {
			close(ch)
		}
		delete(m.watchers, channel)
	}
	return nil
}

func (m *Memory) list(channel string) []Entry {
	entries := make([]Entry, 0, len(m.entries[channel]))
	for _, e := range m.entries[channel] {
		entries = append(entries, e)
	}
	return sortEntries(entries)
}

func (m *Memory) notify(channel string) {
	if len(m.watchers[channel]) == 0 {
		return
	}
	entries := m.list(channel)
	for ch := range m.watchers[channel] {
		sendLatest(ch, entries)
	}
}
