// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package shape

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
)

// Parse parses a textual shape description. The grammar is:
//
//	shape   = union [ "?" ]
//	union   = postfix { "|" postfix }
//	postfix = primary { "[" "]" }
//	primary = "number" | "string" | "boolean" | "any" | "void"
//	        | literal
//	        | "[" [ shape { "," shape } ] "]"
//	        | "{" [ field { "," field } ] "}"
//	        | "(" shape ")"
//	field   = (ident | quoted) [ "?" ] ":" shape
//	literal = quoted | [ "-" ] number | "true" | "false"
//
// A union may contain more than one alternative only if all of them are
// literals. A trailing comma is permitted in tuples and objects.
func Parse(s string) (Shape, error) {
	p := newParser(s)
	out, err := p.parseShape()
	if err == nil && p.tok != scanner.EOF {
		err = p.errorf("unexpected %q", p.text)
	}
	if err == nil {
		err = p.err
	}
	if err != nil {
		return Shape{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return out, nil
}

// MustParse is as [Parse], but panics if s is not a valid shape.
func MustParse(s string) Shape {
	out, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return out
}

// ParseList parses each of the given strings as a shape.
func ParseList(ss []string) ([]Shape, error) {
	out := make([]Shape, len(ss))
	for i, s := range ss {
		v, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type parser struct {
	sc   scanner.Scanner
	tok  rune
	text string
	err  error
}

func newParser(s string) *parser {
	p := new(parser)
	p.sc.Init(strings.NewReader(s))
	p.sc.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings | scanner.ScanRawStrings
	p.sc.Error = func(_ *scanner.Scanner, msg string) {
		if p.err == nil {
			p.err = errors.New(msg)
		}
	}
	p.next()
	return p
}

func (p *parser) next() {
	p.tok = p.sc.Scan()
	p.text = p.sc.TokenText()
}

func (p *parser) errorf(msg string, args ...any) error {
	return fmt.Errorf("offset %d: %s", p.sc.Position.Offset, fmt.Sprintf(msg, args...))
}

func (p *parser) expect(tok rune) error {
	if p.tok != tok {
		if p.tok == scanner.EOF {
			return p.errorf("missing %q", string(tok))
		}
		return p.errorf("got %q, want %q", p.text, string(tok))
	}
	p.next()
	return nil
}

func (p *parser) parseShape() (Shape, error) {
	out, err := p.parseUnion()
	if err != nil {
		return Shape{}, err
	}
	if p.tok == '?' {
		p.next()
		out = Optional(out)
	}
	return out, nil
}

func (p *parser) parseUnion() (Shape, error) {
	first, err := p.parsePostfix()
	if err != nil || p.tok != '|' {
		return first, err
	}
	if first.kind != KindLiteral {
		return Shape{}, p.errorf("union of non-literal %v", first)
	}
	lits := first.lits
	for p.tok == '|' {
		p.next()
		alt, err := p.parsePostfix()
		if err != nil {
			return Shape{}, err
		} else if alt.kind != KindLiteral {
			return Shape{}, p.errorf("union of non-literal %v", alt)
		}
		lits = append(lits, alt.lits...)
	}
	return Shape{kind: KindLiteral, lits: lits}, nil
}

func (p *parser) parsePostfix() (Shape, error) {
	out, err := p.parsePrimary()
	if err != nil {
		return Shape{}, err
	}
	for p.tok == '[' {
		p.next()
		if err := p.expect(']'); err != nil {
			return Shape{}, err
		}
		out = ArrayOf(out)
	}
	return out, nil
}

func (p *parser) parsePrimary() (Shape, error) {
	switch p.tok {
	case scanner.Ident:
		word := p.text
		p.next()
		switch word {
		case "number":
			return Number(), nil
		case "string":
			return String(), nil
		case "boolean", "bool":
			return Bool(), nil
		case "any":
			return Any(), nil
		case "void":
			return Void(), nil
		case "true", "false":
			return OneOf(word == "true"), nil
		}
		return Shape{}, p.errorf("unknown type %q", word)

	case scanner.String, scanner.RawString:
		s, err := strconv.Unquote(p.text)
		if err != nil {
			return Shape{}, p.errorf("invalid string %s", p.text)
		}
		p.next()
		return OneOf(s), nil

	case '-', scanner.Int, scanner.Float:
		neg := p.tok == '-'
		if neg {
			p.next()
		}
		if p.tok != scanner.Int && p.tok != scanner.Float {
			return Shape{}, p.errorf("invalid number literal")
		}
		f, err := strconv.ParseFloat(p.text, 64)
		if err != nil {
			return Shape{}, p.errorf("invalid number %q", p.text)
		}
		p.next()
		if neg {
			f = -f
		}
		return OneOf(f), nil

	case '[':
		p.next()
		var elems []Shape
		for p.tok != ']' {
			e, err := p.parseShape()
			if err != nil {
				return Shape{}, err
			}
			elems = append(elems, e)
			if p.tok != ',' {
				break
			}
			p.next()
		}
		if err := p.expect(']'); err != nil {
			return Shape{}, err
		}
		return Tuple(elems...), nil

	case '{':
		p.next()
		var fields []Field
		for p.tok != '}' {
			f, err := p.parseField()
			if err != nil {
				return Shape{}, err
			}
			fields = append(fields, f)
			if p.tok != ',' {
				break
			}
			p.next()
		}
		if err := p.expect('}'); err != nil {
			return Shape{}, err
		}
		return Object(fields...), nil

	case '(':
		p.next()
		out, err := p.parseShape()
		if err != nil {
			return Shape{}, err
		}
		return out, p.expect(')')

	case scanner.EOF:
		return Shape{}, p.errorf("unexpected end of input")
	}
	return Shape{}, p.errorf("unexpected %q", p.text)
}

func (p *parser) parseField() (Field, error) {
	var name string
	switch p.tok {
	case scanner.Ident:
		name = p.text
	case scanner.String, scanner.RawString:
		s, err := strconv.Unquote(p.text)
		if err != nil {
			return Field{}, p.errorf("invalid field name %s", p.text)
		}
		name = s
	default:
		return Field{}, p.errorf("got %q, want field name", p.text)
	}
	p.next()
	var f Field
	if p.tok == '?' {
		f.Optional = true
		p.next()
	}
	if err := p.expect(':'); err != nil {
		return Field{}, err
	}
	s, err := p.parseShape()
	if err != nil {
		return Field{}, err
	}
	f.Name, f.Shape = name, s
	return f, nil
}
