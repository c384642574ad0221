package proxy

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

// Members is an explicit member table. Targets implementing it are not reflected on.
type Members interface {
	Member(name string) (any, bool)
}

// MemberMap is a Members backed by a map, the closest thing to a plain object.
type MemberMap map[string]any

func (m MemberMap) Member(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

var (
	contextType  = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	sequenceType = reflect.TypeOf((*Sequence)(nil)).Elem()
	awaiterType  = reflect.TypeOf((*Awaiter)(nil)).Elem()
)

// target resolves member names against the object served on a channel.
//
// Struct targets expose exported methods and fields. A wire name matches the Go
// name, its upper-cased first letter ("add" finds Add), or a `proxy:"name"`
// field tag. Fields are read on every access; targets that mutate exposed
// fields concurrently should expose getter methods instead.
type target struct {
	channel string
	members Members
	value   reflect.Value
}

func newTarget(channel string, t any) (*target, error) {
	switch m := t.(type) {
	case Members:
		return &target{channel: channel, members: m}, nil
	case map[string]any:
		return &target{channel: channel, members: MemberMap(m)}, nil
	}
	v := reflect.ValueOf(t)
	if !v.IsValid() {
		return nil, newError(ErrorCapability, CodeUnsupportedTarget, channel, "", "target for channel %q is nil", channel)
	}
	base := v
	for base.Kind() == reflect.Pointer {
		if base.IsNil() {
			return nil, newError(ErrorCapability, CodeUnsupportedTarget, channel, "", "target for channel %q is a nil pointer", channel)
		}
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return nil, newError(ErrorCapability, CodeUnsupportedTarget, channel, "",
			"target for channel %q must be a struct, a map[string]any or a Members, got %T", channel, t)
	}
	return &target{channel: channel, value: v}, nil
}

func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// lookup returns the member's current value.
func (t *target) lookup(name string) (reflect.Value, bool) {
	if t.members != nil {
		v, ok := t.members.Member(name)
		if !ok {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(v), true
	}

	candidates := []string{name}
	if exported := exportedName(name); exported != name {
		candidates = append(candidates, exported)
	}
	for _, candidate := range candidates {
		if m := t.value.MethodByName(candidate); m.IsValid() {
			return m, true
		}
	}

	base := t.value
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	typ := base.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		if tag := field.Tag.Get("proxy"); tag != "" {
			if tag == name {
				return base.Field(i), true
			}
			continue
		}
		for _, candidate := range candidates {
			if field.Name == candidate {
				return base.Field(i), true
			}
		}
	}
	return reflect.Value{}, false
}

func (t *target) member(name string) (reflect.Value, error) {
	v, ok := t.lookup(name)
	if !ok {
		return reflect.Value{}, newError(ErrorCapability, CodeUnexposedMember, t.channel, name,
			"member %q does not exist on the target of channel %q", name, t.channel)
	}
	for v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	return v, nil
}

// read returns the value of a property. Sequences and awaiters are returned
// as they are; a function taking no arguments is called as a getter.
func (t *target) read(ctx context.Context, name string) (any, error) {
	v, err := t.member(name)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() {
		return nil, nil
	}
	if v.Type().Implements(sequenceType) || v.Type().Implements(awaiterType) {
		return v.Interface(), nil
	}
	if v.Kind() == reflect.Func {
		if v.IsNil() || countArgs(v.Type()) != 0 {
			return nil, newError(ErrorCapability, CodeNotInvocable, t.channel, name,
				"member %q on channel %q is a function, not a value", name, t.channel)
		}
		return t.call(ctx, name, v, nil)
	}
	return v.Interface(), nil
}

// apply invokes the member with args.
func (t *target) apply(ctx context.Context, name string, args []any) (any, error) {
	v, err := t.member(name)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, notInvocable(t.channel, name)
	}
	return t.call(ctx, name, v, args)
}

// countArgs is the number of parameters a caller supplies, excluding a leading context.
func countArgs(typ reflect.Type) int {
	n := typ.NumIn()
	if n > 0 && typ.In(0) == contextType {
		n--
	}
	return n
}

func (t *target) call(ctx context.Context, name string, fn reflect.Value, args []any) (result any, err error) {
	typ := fn.Type()
	in := make([]reflect.Value, 0, typ.NumIn())
	first := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}

	fixed := typ.NumIn() - first
	if typ.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, badArguments(t.channel, name, "takes at least %d arguments, got %d", fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, badArguments(t.channel, name, "takes %d arguments, got %d", fixed, len(args))
	}

	for i, arg := range args {
		var paramType reflect.Type
		if i < fixed {
			paramType = typ.In(first + i)
		} else {
			paramType = typ.In(typ.NumIn() - 1).Elem()
		}
		v, err := convertTo(arg, paramType)
		if err != nil {
			return nil, badArguments(t.channel, name, "argument %d: %s", i, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, newPanicError(r)
		}
	}()
	return results(fn.Call(in))
}

func badArguments(channel, member, format string, args ...any) *Error {
	return newError(ErrorProtocol, CodeBadArguments, channel, member,
		"member %q on channel %q %s", member, channel, fmt.Sprintf(format, args...))
}

// results maps Go return values onto a single value and an error.
// A trailing error is the application error; several values become a slice.
func results(out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if errV := out[n-1]; !errV.IsNil() {
			return nil, errV.Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	values := make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, nil
}

// isNil reports whether v is nil or an interface holding a nil pointer, map, func, chan or slice.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
