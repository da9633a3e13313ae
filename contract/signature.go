// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package contract

import (
	"fmt"
	"strings"

	"github.com/creachadair/tern/shape"
)

// Kind distinguishes one-way events from two-way functions.
type Kind byte

const (
	Event    Kind = 1 // a one-way notification
	Function Kind = 2 // a request with a single response
)

func (k Kind) String() string {
	switch k {
	case Event:
		return "event"
	case Function:
		return "function"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// Direction identifies which side of a connection initiates a channel.
type Direction byte

const (
	ToHost   Direction = 1 // remote peers send or call, the host receives
	ToRemote Direction = 2 // the host sends or calls, remote peers receive
)

func (d Direction) String() string {
	switch d {
	case ToHost:
		return "to-host"
	case ToRemote:
		return "to-remote"
	default:
		return fmt.Sprintf("direction:%d", byte(d))
	}
}

// ParseDirection parses the name of a direction. It accepts "to-host" or
// "host", and "to-remote" or "remote".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "to-host", "host":
		return ToHost, nil
	case "to-remote", "remote":
		return ToRemote, nil
	}
	return 0, fmt.Errorf("invalid direction %q", s)
}

// A Signature describes a single channel of an interface.
type Signature struct {
	Name      string
	Kind      Kind
	Direction Direction
	Params    []shape.Shape
	Returns   shape.Shape // for functions; events are always void

	guard *shape.Guard // compiled on registration
}

// NewEvent returns the signature of an event with the given parameters.
func NewEvent(name string, dir Direction, params ...shape.Shape) Signature {
	return Signature{Name: name, Kind: Event, Direction: dir, Params: params, Returns: shape.Void()}
}

// NewFunction returns the signature of a function with the given parameters
// and result shape.
func NewFunction(name string, dir Direction, returns shape.Shape, params ...shape.Shape) Signature {
	return Signature{Name: name, Kind: Function, Direction: dir, Params: params, Returns: returns}
}

// Guard returns a guard for the parameters of s.
func (s Signature) Guard() shape.Guard {
	if s.guard != nil {
		return *s.guard
	}
	return shape.Compile(s.Params...)
}

// CheckArgs reports the first mismatch between args and the parameters of s,
// or nil if they match.
func (s Signature) CheckArgs(args []any) *shape.Mismatch { return s.Guard().Check(args) }

// CheckResult reports the first mismatch between v and the result shape of s,
// or nil if it matches.
func (s Signature) CheckResult(v any) *shape.Mismatch { return shape.Value(s.Returns, v) }

// String renders s in a canonical form, for example:
//
//	function Ping(number) number [to-host]
func (s Signature) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v %s(", s.Kind, s.Name)
	for i, p := range s.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	if s.Kind == Function {
		sb.WriteByte(' ')
		sb.WriteString(s.Returns.String())
	}
	fmt.Fprintf(&sb, " [%v]", s.Direction)
	return sb.String()
}

func (s Signature) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("empty member name")
	case strings.HasPrefix(s.Name, "@"):
		return fmt.Errorf("member name %q is reserved", s.Name)
	case s.Kind != Event && s.Kind != Function:
		return fmt.Errorf("invalid kind %v", s.Kind)
	case s.Direction != ToHost && s.Direction != ToRemote:
		return fmt.Errorf("invalid direction %v", s.Direction)
	case s.Kind == Event && s.Returns.Kind() != shape.KindVoid && s.Returns.Kind() != shape.KindAny:
		return fmt.Errorf("event %q cannot return %v", s.Name, s.Returns)
	}
	return nil
}
