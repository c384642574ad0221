package proxy

import (
	"fmt"
	"sort"
)

// Kind is the access mode a descriptor declares for a member.
type Kind string

const (
	// KindValue is a property read on every access. Values are never cached.
	KindValue Kind = "value"
	// KindFunction is a remote method. Arguments and the result travel by value.
	KindFunction Kind = "function"
	// KindStream is a property that is itself a live sequence.
	KindStream Kind = "stream"
	// KindStreamFactory is a method whose invocation returns a live sequence.
	KindStreamFactory Kind = "streamFactory"
)

func (k Kind) Valid() bool {
	switch k {
	case KindValue, KindFunction, KindStream, KindStreamFactory:
		return true
	}
	return false
}

// Descriptor declares which members of an object are exposed on a channel and how.
// The same Descriptor value is normally shared by both sides of the boundary.
type Descriptor struct {
	Channel    string          `json:"channel" yaml:"channel" cbor:"channel"`
	Properties map[string]Kind `json:"properties" yaml:"properties" cbor:"properties"`
}

func (d Descriptor) Validate() error {
	if d.Channel == "" {
		return fmt.Errorf("descriptor has no channel: %w", ErrProtocol)
	}
	for name, kind := range d.Properties {
		if name == "" {
			return fmt.Errorf("descriptor for channel %q has an unnamed member: %w", d.Channel, ErrProtocol)
		}
		if !kind.Valid() {
			return fmt.Errorf("member %q of channel %q has unknown kind %q: %w", name, d.Channel, kind, ErrProtocol)
		}
	}
	return nil
}

// Lookup checks that member is exposed with exactly the given kind.
// There is no coercion between kinds, e.g. a StreamFactory is not a Function.
func (d Descriptor) Lookup(member string, kind Kind) error {
	declared, ok := d.Properties[member]
	if !ok {
		return unexposedMember(d.Channel, member)
	}
	if declared != kind {
		return kindMismatch(d.Channel, member, declared, kind)
	}
	return nil
}

// Members returns the exposed member names in sorted order.
func (d Descriptor) Members() []string {
	names := make([]string, 0, len(d.Properties))
	for name := range d.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clone returns a copy whose property table is not shared with the caller.
func (d Descriptor) clone() Descriptor {
	props := make(map[string]Kind, len(d.Properties))
	for name, kind := range d.Properties {
		props[name] = kind
	}
	return Descriptor{Channel: d.Channel, Properties: props}
}
