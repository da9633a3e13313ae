// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package shape

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// A Mismatch describes the first point at which a value failed to match a
// shape.
type Mismatch struct {
	Path string // location of the mismatch, e.g., "args[1].user.name"
	Want string // the expected shape or constraint
	Got  string // a description of the offending value
}

// Error satisfies the error interface.
func (m *Mismatch) Error() string {
	return fmt.Sprintf("%s: want %s, got %s", m.Path, m.Want, m.Got)
}

// A Guard checks argument lists against a fixed list of parameter shapes.
// A Guard is stateless and safe for concurrent use. The zero Guard accepts
// only an empty argument list.
type Guard struct {
	params []Shape
	min    int // number of required leading parameters
}

// Compile constructs a Guard for the given parameter shapes.
//
// A parameter whose shape is optional may be omitted if no required
// parameter follows it, so a Guard accepts between N and len(params)
// arguments, where N is one more than the index of the last required
// parameter.
func Compile(params ...Shape) Guard {
	min := 0
	for i, p := range params {
		if !p.IsOptional() {
			min = i + 1
		}
	}
	return Guard{params: params, min: min}
}

// Arity reports the minimum and maximum number of arguments accepted by g.
func (g Guard) Arity() (min, max int) { return g.min, len(g.params) }

// Params returns the parameter shapes of g.
func (g Guard) Params() []Shape { return g.params }

// Check reports whether args match the parameters of g. If so, it returns
// nil; otherwise it returns the first mismatch found in a depth-first,
// left-to-right traversal. Check never panics.
func (g Guard) Check(args []any) *Mismatch {
	if len(args) < g.min || len(args) > len(g.params) {
		return &Mismatch{Path: "args", Want: countString(g.min, len(g.params), "argument"), Got: strconv.Itoa(len(args))}
	}
	for i, p := range g.params {
		var v any
		if i < len(args) {
			v = args[i]
		}
		if m := check(p, v, "args["+strconv.Itoa(i)+"]"); m != nil {
			return m
		}
	}
	return nil
}

// Match reports whether args match the parameters of g.
func (g Guard) Match(args []any) bool { return g.Check(args) == nil }

// Value checks a single value v against s, reporting the first mismatch, or
// nil if v matches. Paths in the result are rooted at "value".
func Value(s Shape, v any) *Mismatch { return check(s, v, "value") }

func countString(min, max int, noun string) string {
	switch {
	case min == max && max == 1:
		return "1 " + noun
	case min == max:
		return fmt.Sprintf("%d %ss", max, noun)
	default:
		return fmt.Sprintf("%d to %d %ss", min, max, noun)
	}
}

func check(s Shape, v any, path string) *Mismatch {
	fail := func(want string) *Mismatch {
		return &Mismatch{Path: path, Want: want, Got: describe(v)}
	}
	switch s.kind {
	case KindAny:
		return nil

	case KindVoid:
		if v != nil {
			return fail("void")
		}

	case KindNumber:
		if _, ok := toFloat(v); !ok {
			return fail("number")
		}

	case KindString:
		if _, ok := v.(string); !ok {
			return fail("string")
		}

	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return fail("boolean")
		}

	case KindLiteral:
		for _, lit := range s.lits {
			if literalEqual(lit, v) {
				return nil
			}
		}
		return fail(s.String())

	case KindTuple:
		list, ok := asList(v)
		if !ok {
			return fail(s.String())
		}
		min := 0
		for i, e := range s.elems {
			if !e.IsOptional() {
				min = i + 1
			}
		}
		if len(list) < min || len(list) > len(s.elems) {
			return fail("tuple of " + countString(min, len(s.elems), "element"))
		}
		for i, e := range s.elems {
			var ev any
			if i < len(list) {
				ev = list[i]
			}
			if m := check(e, ev, path+"["+strconv.Itoa(i)+"]"); m != nil {
				return m
			}
		}

	case KindArray:
		list, ok := asList(v)
		if !ok {
			return fail(s.String())
		}
		for i, ev := range list {
			if m := check(s.elems[0], ev, path+"["+strconv.Itoa(i)+"]"); m != nil {
				return m
			}
		}

	case KindObject:
		get, ok := asObject(v)
		if !ok {
			return fail("object")
		}
		for _, f := range s.fields {
			fv, ok := get(f.Name)
			fpath := path + "." + f.Name
			if !ok || fv == nil {
				if f.Optional || f.Shape.IsOptional() {
					continue
				}
				return &Mismatch{Path: fpath, Want: f.Shape.String(), Got: "missing"}
			}
			if m := check(f.Shape, fv, fpath); m != nil {
				return m
			}
		}

	case KindOptional:
		if v == nil {
			return nil
		}
		return check(s.elems[0], v, path)

	default:
		return fail(s.kind.String())
	}
	return nil
}

// toFloat reports whether v has a numeric type, and if so its value as a
// float64.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

func literalEqual(lit, v any) bool {
	switch t := lit.(type) {
	case string:
		s, ok := v.(string)
		return ok && s == t
	case bool:
		b, ok := v.(bool)
		return ok && b == t
	case float64:
		f, ok := toFloat(v)
		return ok && f == t
	}
	return false
}

// asList reports whether v is a slice or array, and if so returns its
// elements.
func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false // byte strings are not lists
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

// asObject reports whether v is a map with string keys or a struct, and if
// so returns a function to look up its fields. Struct fields are named as the
// codec encodes them, by their "cbor" or "json" tags.
func asObject(v any) (func(string) (any, bool), bool) {
	if m, ok := v.(map[string]any); ok {
		return func(key string) (any, bool) { fv, ok := m[key]; return fv, ok }, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch {
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		return func(key string) (any, bool) {
			fv := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
			if !fv.IsValid() {
				return nil, false
			}
			return fv.Interface(), true
		}, true
	case rv.Kind() == reflect.Struct:
		fields := make(map[string]any)
		structFields(rv, fields)
		return func(key string) (any, bool) { fv, ok := fields[key]; return fv, ok }, true
	}
	return nil, false
}

// structFields adds the encoded fields of the struct value rv to out. Fields
// of embedded structs are promoted unless a shallower field has their name.
func structFields(rv reflect.Value, out map[string]any) {
	var embedded []reflect.Value
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rt.Field(i)
		tag := f.Tag.Get("cbor")
		if tag == "" {
			tag = f.Tag.Get("json")
		}
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			for fv.Kind() == reflect.Pointer && !fv.IsNil() {
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				embedded = append(embedded, fv)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if hasOption(opts, "omitempty") && fv.IsZero() {
			continue
		}
		out[name] = fv.Interface()
	}
	for _, ev := range embedded {
		inner := make(map[string]any)
		structFields(ev, inner)
		for name, v := range inner {
			if _, ok := out[name]; !ok {
				out[name] = v
			}
		}
	}
}

func hasOption(opts, want string) bool {
	for opt := range strings.SplitSeq(opts, ",") {
		if opt == want {
			return true
		}
	}
	return false
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []byte:
		return "bytes"
	case map[string]any:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	if list, ok := asList(v); ok {
		return fmt.Sprintf("list of %d", len(list))
	}
	if _, ok := asObject(v); ok {
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
