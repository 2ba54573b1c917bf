// Package serializer round-trips arbitrary object graphs to strings for
// storage in the KV backend, preserving timestamps and
// nested structures, and distinguishing null from absent.
package serializer

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// timestampPrefix marks an encoded string as a wrapped time.Time so
// Deserialize can decode it back into a native instant rather than a
// plain string.
const timestampPrefix = "\x00ts:"

var timeType = reflect.TypeOf(time.Time{})

// Serialize encodes v to a string. Every time.Time anywhere in the
// graph (including behind pointers, inside slices/maps/structs) is
// rewritten into a sentinel-prefixed string before JSON marshaling, so
// Deserialize can restore it as a native instant rather than a plain
// string. Fails on NaN/Inf floats and unsupported kinds (channels,
// funcs, cyclic graphs are not supported — this system's payloads are
// trees, not graphs).
func Serialize(v any) (string, error) {
	wrapped, err := wrap(reflect.ValueOf(v))
	if err != nil {
		return "", fmt.Errorf("serializer: %w", err)
	}
	b, err := json.Marshal(wrapped)
	if err != nil {
		return "", fmt.Errorf("serializer: %w", err)
	}
	return string(b), nil
}

// Deserialize decodes s into a generic any value (map[string]any,
// []any, string, float64, bool, nil), unwrapping sentinel-prefixed
// timestamp strings back into time.Time.
func Deserialize(s string) (any, error) {
	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("serializer: %w", err)
	}
	return unwrap(raw), nil
}

// DeserializeInto decodes s into dest (a pointer to a concrete type).
// Used by callers (internal/queue, internal/instance) that want a
// typed struct rather than a generic any. It routes through Deserialize
// first so sentinel-wrapped timestamps become real time.Time values,
// then re-marshals with encoding/json — whose native time.Time
// MarshalJSON produces a plain RFC3339 string — before the final
// Unmarshal into dest. A direct json.Unmarshal([]byte(s), dest) would
// fail on any field holding a wrapped timestamp, since dest's
// time.Time.UnmarshalJSON does not understand the sentinel prefix.
func DeserializeInto(s string, dest any) error {
	generic, err := Deserialize(s)
	if err != nil {
		return err
	}
	b, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("serializer: %w", err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("serializer: %w", err)
	}
	return nil
}

// wrap walks v by reflection, rewriting every time.Time into its
// sentinel string form, and returns a value made only of
// maps/slices/strings/float64/bool/nil that json.Marshal can encode
// without re-triggering time.Time's own MarshalJSON.
func wrap(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil, nil
		}
		return wrap(v.Elem())
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return wrap(v.Elem())
	case reflect.Struct:
		if v.Type() == timeType {
			t := v.Interface().(time.Time)
			return timestampPrefix + t.UTC().Format(time.RFC3339Nano), nil
		}
		return wrapStruct(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			wv, err := wrap(iter.Value())
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", iter.Key().Interface())] = wv
		}
		return out, nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		return wrapSeq(v)
	case reflect.Array:
		return wrapSeq(v)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot serialize NaN/Inf float")
		}
		return f, nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, fmt.Errorf("cannot serialize kind %s", v.Kind())
	default:
		return v.Interface(), nil
	}
}

func wrapSeq(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		wv, err := wrap(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = wv
	}
	return out, nil
}

// wrapStruct walks a struct's exported fields by their `json` tag,
// honoring `-` (skip) and `omitempty` (skip zero values), matching the
// shape encoding/json would produce for the same struct.
func wrapStruct(v reflect.Value) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name, opts := parseJSONTag(f)
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		if opts.omitempty && isEmptyValue(fv) {
			continue
		}
		wv, err := wrap(fv)
		if err != nil {
			return nil, err
		}
		out[name] = wv
	}
	return out, nil
}

type tagOpts struct{ omitempty bool }

func parseJSONTag(f reflect.StructField) (string, tagOpts) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return "", tagOpts{}
	}
	parts := strings.Split(tag, ",")
	opts := tagOpts{}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			opts.omitempty = true
		}
	}
	return parts[0], opts
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map:
		return v.IsNil() || v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Struct:
		if v.Type() == timeType {
			return v.Interface().(time.Time).IsZero()
		}
		return false
	default:
		return false
	}
}

// unwrap walks a generically-decoded JSON value and turns every
// sentinel-prefixed timestamp string back into a time.Time.
func unwrap(v any) any {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, timestampPrefix) {
			if parsed, err := time.Parse(time.RFC3339Nano, t[len(timestampPrefix):]); err == nil {
				return parsed
			}
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = unwrap(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = unwrap(v)
		}
		return out
	default:
		return t
	}
}
