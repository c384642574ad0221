package proxy

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Convert copies a value decoded from the wire (numbers, strings, []any,
// map[string]any) into dst, which must be a non-nil pointer. Struct fields are
// matched by their json tag, or by name case-insensitively.
func Convert(src any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  dst,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("converting %T to %T: %w", src, dst, err)
	}
	return nil
}

// convertTo converts src into a new value of typ.
func convertTo(src any, typ reflect.Type) (reflect.Value, error) {
	if src == nil {
		return reflect.Zero(typ), nil
	}
	if v := reflect.ValueOf(src); v.Type().AssignableTo(typ) {
		return v, nil
	}
	ptr := reflect.New(typ)
	if err := Convert(src, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
