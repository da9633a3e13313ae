// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package codec encodes and decodes channel payloads.
//
// Payloads are encoded as CBOR (RFC 8949) in deterministic form. An argument
// list is encoded as a CBOR array. Decoded values use a normalized
// representation, regardless of the Go types that were encoded:
//
//   - numbers are float64
//   - strings are string, Booleans are bool, byte strings are []byte
//   - arrays are []any
//   - maps are map[string]any
//   - null and undefined are nil
//
// Structs are encoded as maps using "cbor" or "json" field tags.
package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode = must(cbor.CoreDetEncOptions().EncMode())
	decMode = must(cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 64,
	}.DecMode())
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// Marshal encodes an argument list. A nil or empty list encodes as an empty
// array.
func Marshal(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := encMode.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return data, nil
}

// Unmarshal decodes an argument list encoded by [Marshal]. Empty input
// decodes as an empty list.
func Unmarshal(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	args, ok := v.([]any)
	if !ok {
		return nil, errors.New("decode arguments: payload is not a list")
	}
	for i, arg := range args {
		args[i] = normalize(arg)
	}
	return args, nil
}

// MarshalValue encodes a single value. A nil value encodes as an empty slice.
func MarshalValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

// UnmarshalValue decodes a single value encoded by [MarshalValue].
func UnmarshalValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return normalize(v), nil
}

// Normalize returns the normalized representation of v, as it would be
// observed by a receiver after encoding and decoding.
func Normalize(v any) (any, error) {
	data, err := MarshalValue(v)
	if err != nil {
		return nil, err
	}
	return UnmarshalValue(data)
}

// NormalizeArgs returns the normalized representation of args together with
// their encoding.
func NormalizeArgs(args []any) ([]any, []byte, error) {
	data, err := Marshal(args)
	if err != nil {
		return nil, nil, err
	}
	norm, err := Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	return norm, data, nil
}

// Convert decodes src into dst, which must be a non-nil pointer. It is used
// to recover a typed value from a normalized one, for example:
//
//	var n int
//	err := codec.Convert(args[0], &n)
func Convert(src, dst any) error {
	data, err := encMode.Marshal(integral(src))
	if err != nil {
		return fmt.Errorf("convert %T: %w", src, err)
	}
	if err := decMode.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("convert %T to %T: %w", src, dst, err)
	}
	return nil
}

// normalize rewrites the numeric values decoded from CBOR as float64.
func normalize(v any) any {
	switch t := v.(type) {
	case uint64:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case cbor.Tag:
		return normalize(t.Content)
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	}
	return v
}

// integral rewrites float64 values with integer values as int64, so that
// they can be decoded into integer-typed destinations.
func integral(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<63 {
			return int64(t)
		}
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = integral(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = integral(e)
		}
		return out
	}
	return v
}
