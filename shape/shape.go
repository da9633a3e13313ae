// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package shape describes the expected structure of payload values and
// compiles those descriptions into guards.
//
// A [Shape] is a tagged descriptor: a primitive kind (number, string,
// boolean), an enumerated set of literals, an ordered tuple, a homogeneous
// array, an object of named fields, or an optional wrapper around another
// shape. Shapes are values; they may be compared, rendered and parsed:
//
//	s := shape.Object(
//	   shape.Req("name", shape.String()),
//	   shape.Opt("tags", shape.ArrayOf(shape.String())),
//	)
//	fmt.Println(s) // {name: string, tags?: string[]}
//
// A [Guard] checks an argument list against a list of parameter shapes. See
// [Compile].
package shape

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the variant of a [Shape].
type Kind byte

const (
	KindAny      Kind = iota // any value, including nil
	KindVoid                 // no value (nil)
	KindNumber               // any numeric value
	KindString               // a string
	KindBoolean              // true or false
	KindLiteral              // one of an enumerated set of literal values
	KindTuple                // a fixed-length ordered list
	KindArray                // a list of values with the same shape
	KindObject               // a map with named fields
	KindOptional             // nil, or a value matching the inner shape
)

var kindName = [...]string{
	KindAny: "any", KindVoid: "void", KindNumber: "number", KindString: "string",
	KindBoolean: "boolean", KindLiteral: "literal", KindTuple: "tuple",
	KindArray: "array", KindObject: "object", KindOptional: "optional",
}

func (k Kind) String() string {
	if int(k) < len(kindName) {
		return kindName[k]
	}
	return fmt.Sprintf("kind:%d", byte(k))
}

// A Shape describes the structure of a value. The zero Shape accepts any
// value.
type Shape struct {
	kind   Kind
	lits   []any   // KindLiteral: string, float64 or bool
	elems  []Shape // KindTuple; KindArray and KindOptional use elems[0]
	fields []Field // KindObject
}

// A Field is a named member of an object shape.
type Field struct {
	Name     string
	Shape    Shape
	Optional bool // the field may be absent or nil
}

// Any returns a shape that accepts any value.
func Any() Shape { return Shape{kind: KindAny} }

// Void returns a shape that accepts only nil. It describes the result of a
// function with no return value.
func Void() Shape { return Shape{kind: KindVoid} }

// Number returns a shape that accepts a value of any numeric type.
func Number() Shape { return Shape{kind: KindNumber} }

// String returns a shape that accepts a string.
func String() Shape { return Shape{kind: KindString} }

// Bool returns a shape that accepts a Boolean.
func Bool() Shape { return Shape{kind: KindBoolean} }

// OneOf returns a shape that accepts any of the given literal values.  Each
// literal must be a string, a bool, or a number; it panics otherwise.
func OneOf(lits ...any) Shape {
	norm := make([]any, len(lits))
	for i, lit := range lits {
		switch t := lit.(type) {
		case string, bool:
			norm[i] = t
		default:
			f, ok := toFloat(lit)
			if !ok {
				panic(fmt.Sprintf("invalid literal %T", lit))
			}
			norm[i] = f
		}
	}
	return Shape{kind: KindLiteral, lits: norm}
}

// Tuple returns a shape that accepts a list whose elements match elems in
// order. Trailing optional elements may be omitted.
func Tuple(elems ...Shape) Shape { return Shape{kind: KindTuple, elems: elems} }

// ArrayOf returns a shape that accepts a list of any length, each of whose
// elements matches elem.
func ArrayOf(elem Shape) Shape { return Shape{kind: KindArray, elems: []Shape{elem}} }

// Object returns a shape that accepts a map with string keys whose values
// match the given fields. Keys not named by a field are permitted.
func Object(fields ...Field) Shape { return Shape{kind: KindObject, fields: fields} }

// Req returns a required field with the given name and shape.
func Req(name string, s Shape) Field { return Field{Name: name, Shape: s} }

// Opt returns an optional field with the given name and shape.
func Opt(name string, s Shape) Field { return Field{Name: name, Shape: s, Optional: true} }

// Optional returns a shape that accepts nil or a value matching s.
// Optional is idempotent.
func Optional(s Shape) Shape {
	if s.kind == KindOptional {
		return s
	}
	return Shape{kind: KindOptional, elems: []Shape{s}}
}

// Kind reports the variant of s.
func (s Shape) Kind() Kind { return s.kind }

// IsOptional reports whether s accepts an absent value.
func (s Shape) IsOptional() bool {
	return s.kind == KindOptional || s.kind == KindAny || s.kind == KindVoid
}

// Elem returns the element shape of an array or optional shape, or the zero
// shape for other kinds.
func (s Shape) Elem() Shape {
	if (s.kind == KindArray || s.kind == KindOptional) && len(s.elems) == 1 {
		return s.elems[0]
	}
	return Shape{}
}

// Elems returns the element shapes of a tuple.
func (s Shape) Elems() []Shape {
	if s.kind == KindTuple {
		return s.elems
	}
	return nil
}

// Fields returns the fields of an object shape.
func (s Shape) Fields() []Field {
	if s.kind == KindObject {
		return s.fields
	}
	return nil
}

// Literals returns the permitted values of a literal shape.  Numeric
// literals are reported as float64.
func (s Shape) Literals() []any {
	if s.kind == KindLiteral {
		return s.lits
	}
	return nil
}

// Equal reports whether a and b describe the same shape.
func Equal(a, b Shape) bool { return a.String() == b.String() }

// String renders s in the syntax accepted by [Parse].
func (s Shape) String() string {
	var sb strings.Builder
	s.render(&sb)
	return sb.String()
}

func (s Shape) render(sb *strings.Builder) {
	switch s.kind {
	case KindAny, KindVoid, KindNumber, KindString, KindBoolean:
		sb.WriteString(s.kind.String())
	case KindLiteral:
		for i, lit := range s.lits {
			if i > 0 {
				sb.WriteString(" | ")
			}
			sb.WriteString(formatLiteral(lit))
		}
	case KindTuple:
		sb.WriteByte('[')
		for i, e := range s.elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.render(sb)
		}
		sb.WriteByte(']')
	case KindArray:
		s.elems[0].renderWrapped(sb)
		sb.WriteString("[]")
	case KindObject:
		sb.WriteByte('{')
		for i, f := range s.fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(formatName(f.Name))
			if f.Optional {
				sb.WriteByte('?')
			}
			sb.WriteString(": ")
			f.Shape.render(sb)
		}
		sb.WriteByte('}')
	case KindOptional:
		s.elems[0].renderWrapped(sb)
		sb.WriteByte('?')
	default:
		fmt.Fprintf(sb, "<%v>", s.kind)
	}
}

// renderWrapped renders s, parenthesized if it would otherwise bind loosely
// to a postfix operator.
func (s Shape) renderWrapped(sb *strings.Builder) {
	if (s.kind == KindLiteral && len(s.lits) > 1) || s.kind == KindOptional {
		sb.WriteByte('(')
		s.render(sb)
		sb.WriteByte(')')
		return
	}
	s.render(sb)
}

func formatLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func formatName(name string) string {
	if isIdent(name) && !isKeyword(name) {
		return name
	}
	return strconv.Quote(name)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}

func isKeyword(s string) bool {
	switch s {
	case "true", "false":
		return true
	}
	return false
}
