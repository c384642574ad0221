package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDescriptorValidate(t *testing.T) {
	cases := []struct {
		name string
		desc Descriptor
		err  bool
	}{
		{name: "valid", desc: Descriptor{Channel: "c", Properties: map[string]Kind{"a": KindValue, "b": KindStreamFactory}}},
		{name: "no members", desc: Descriptor{Channel: "c"}},
		{name: "no channel", desc: Descriptor{Properties: map[string]Kind{"a": KindValue}}, err: true},
		{name: "unnamed member", desc: Descriptor{Channel: "c", Properties: map[string]Kind{"": KindValue}}, err: true},
		{name: "unknown kind", desc: Descriptor{Channel: "c", Properties: map[string]Kind{"a": "observable"}}, err: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := c.desc.Validate()
			if c.err {
				assert.ErrorIs(t, err, ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDescriptorLookup(t *testing.T) {
	d := Descriptor{Channel: "c", Properties: map[string]Kind{"f": KindFunction, "sf": KindStreamFactory}}

	require.NoError(t, d.Lookup("f", KindFunction))

	err := d.Lookup("missing", KindValue)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeUnexposedMember, perr.Code)
	assert.Equal(t, ErrorCapability, perr.Kind)

	err = d.Lookup("sf", KindFunction)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeKindMismatch, perr.Code)
	assert.ErrorIs(t, err, ErrCapability)
}

func TestDescriptorCloneAndMembers(t *testing.T) {
	d := Descriptor{Channel: "c", Properties: map[string]Kind{"b": KindValue, "a": KindValue}}
	c := d.clone()
	c.Properties["z"] = KindFunction
	assert.Equal(t, []string{"a", "b"}, d.Members())
	assert.Equal(t, []string{"a", "b", "z"}, c.Members())
}

func TestDescriptorYAML(t *testing.T) {
	var d Descriptor
	require.NoError(t, yaml.Unmarshal([]byte(`
channel: service
properties:
  add: function
  time: stream
`), &d))
	require.NoError(t, d.Validate())
	assert.Equal(t, Descriptor{Channel: "service", Properties: map[string]Kind{"add": KindFunction, "time": KindStream}}, d)
}

func TestRequestValidate(t *testing.T) {
	valid := []Request{
		{Type: RequestGet, Member: "a"},
		{Type: RequestApply, Member: "a", Args: []any{1}},
		{Type: RequestSubscribe, Member: "a", SubscriptionID: "s"},
		{Type: RequestApplySubscribe, Member: "a", SubscriptionID: "s"},
		{Type: RequestUnsubscribe, SubscriptionID: "s"},
	}
	for _, r := range valid {
		assert.NoError(t, r.Validate(), r.Type)
	}
	invalid := []Request{
		{Type: RequestGet},
		{Type: RequestSubscribe, Member: "a"},
		{Type: RequestUnsubscribe},
		{Type: "observe", Member: "a"},
	}
	for _, r := range invalid {
		err := r.Validate()
		assert.ErrorIs(t, err, ErrProtocol, r.Type)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := newID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
