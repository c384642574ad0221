// Package directory records which hosts serve which channels.
//
// Hosts publish one entry per channel they serve. Consumers look a channel up,
// pick an entry, and connect to that host's bus with the entry's descriptor.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/guseggert/capproxy/proxy"
)

// ErrNotFound is returned by Lookup when no host serves a channel.
var ErrNotFound = errors.New("channel not found")

// Entry is one host serving one channel.
type Entry struct {
	Addr       string           `json:"addr"`
	TLS        bool             `json:"tls,omitempty"`
	Codec      string           `json:"codec,omitempty"`
	Descriptor proxy.Descriptor `json:"descriptor"`
}

func (e Entry) validate(channel string) error {
	if e.Addr == "" {
		return errors.New("entry has no address")
	}
	if e.Descriptor.Channel != channel {
		return fmt.Errorf("entry describes channel %q, not %q", e.Descriptor.Channel, channel)
	}
	return e.Descriptor.Validate()
}

type Directory interface {
	// Publish records that e.Addr serves channel. Publishing the same address again replaces the entry.
	Publish(ctx context.Context, channel string, e Entry) error
	// Withdraw removes the entry of addr for channel. Withdrawing a missing entry is not an error.
	Withdraw(ctx context.Context, channel, addr string) error
	// Lookup returns the entries for channel sorted by address, or ErrNotFound.
	Lookup(ctx context.Context, channel string) ([]Entry, error)
	// Watch emits the entries for channel on every change until ctx is done.
	Watch(ctx context.Context, channel string) <-chan []Entry
	Close() error
}

// PublishAll publishes every channel of registry as served at addr.
func PublishAll(ctx context.Context, d Directory, registry *proxy.Registry, addr string, tls bool, codec string) error {
	for _, desc := range registry.Descriptors() {
		e := Entry{Addr: addr, TLS: tls, Codec: codec, Descriptor: desc}
		if err := d.Publish(ctx, desc.Channel, e); err != nil {
			return fmt.Errorf("publishing %q: %w", desc.Channel, err)
		}
	}
	return nil
}

// WithdrawAll withdraws every channel of registry served at addr.
func WithdrawAll(ctx context.Context, d Directory, registry *proxy.Registry, addr string) error {
	var errs []error
	for _, channel := range registry.Channels() {
		if err := d.Withdraw(ctx, channel, addr); err != nil {
			errs = append(errs, fmt.Errorf("withdrawing %q: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

func sortEntries(entries []Entry) []Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })
	return entries
}

// sendLatest replaces any unread value in ch with entries.
func sendLatest(ch chan []Entry, entries []Entry) {
	for {
		select {
		case ch <- entries:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
