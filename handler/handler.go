// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the tern.Callback and tern.Listener
// types for functions with typed parameters and results.
//
// Arguments arrive already checked against the signature of their channel.
// Each is converted to the corresponding parameter type by round-tripping it
// through the wire encoding, so a parameter may be any type the codec can
// decode into: numbers, strings, slices, maps, or structs with cbor field
// tags. A missing optional argument converts to the zero value.
//
// Results may be any value the codec can encode.
package handler

import (
	"context"
	"fmt"

	"github.com/creachadair/tern"
	"github.com/creachadair/tern/codec"
)

// argsContextKey is a context key for the raw arguments to a handler.
type argsContextKey struct{}

// ContextArgs returns the original arguments passed to the handler, or nil if
// ctx has no associated arguments. The context passed to a function adapted
// by this package will have this value.
func ContextArgs(ctx context.Context) []any {
	if v := ctx.Value(argsContextKey{}); v != nil {
		return v.([]any)
	}
	return nil
}

// Func0 adapts a function f that accepts no parameters and returns a result
// of type R and an error, to a tern.Callback.
func Func0[R any](f func(context.Context) (R, error)) tern.Callback {
	return func(ctx context.Context, args []any) (any, error) {
		return f(context.WithValue(ctx, argsContextKey{}, args))
	}
}

// Func1 adapts a function f that accepts a parameter of type P and returns a
// result of type R and an error, to a tern.Callback.
func Func1[P, R any](f func(context.Context, P) (R, error)) tern.Callback {
	return func(ctx context.Context, args []any) (any, error) {
		var p P
		if err := convert(args, 0, &p); err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, argsContextKey{}, args), p)
	}
}

// Func2 adapts a function f that accepts parameters of types P1 and P2 and
// returns a result of type R and an error, to a tern.Callback.
func Func2[P1, P2, R any](f func(context.Context, P1, P2) (R, error)) tern.Callback {
	return func(ctx context.Context, args []any) (any, error) {
		var p1 P1
		var p2 P2
		if err := convert(args, 0, &p1); err != nil {
			return nil, err
		}
		if err := convert(args, 1, &p2); err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, argsContextKey{}, args), p1, p2)
	}
}

// Func3 adapts a function f that accepts parameters of types P1, P2 and P3
// and returns a result of type R and an error, to a tern.Callback.
func Func3[P1, P2, P3, R any](f func(context.Context, P1, P2, P3) (R, error)) tern.Callback {
	return func(ctx context.Context, args []any) (any, error) {
		var p1 P1
		var p2 P2
		var p3 P3
		if err := convert(args, 0, &p1); err != nil {
			return nil, err
		}
		if err := convert(args, 1, &p2); err != nil {
			return nil, err
		}
		if err := convert(args, 2, &p3); err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, argsContextKey{}, args), p1, p2, p3)
	}
}

// Proc1 adapts a function f that accepts a parameter of type P and returns
// an error with no result, to a tern.Callback for a void function.
func Proc1[P any](f func(context.Context, P) error) tern.Callback {
	return func(ctx context.Context, args []any) (any, error) {
		var p P
		if err := convert(args, 0, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, argsContextKey{}, args), p)
	}
}

// Listen0 adapts a function f that accepts no parameters to a tern.Listener.
func Listen0(f func(context.Context)) tern.Listener {
	return func(ctx context.Context, args []any) {
		f(context.WithValue(ctx, argsContextKey{}, args))
	}
}

// Listen1 adapts a function f that accepts a parameter of type P to a
// tern.Listener. If the argument cannot be converted to P the listener
// panics, and the panic is reported by the side that delivered the event.
func Listen1[P any](f func(context.Context, P)) tern.Listener {
	return func(ctx context.Context, args []any) {
		var p P
		mustConvert(args, 0, &p)
		f(context.WithValue(ctx, argsContextKey{}, args), p)
	}
}

// Listen2 adapts a function f that accepts parameters of types P1 and P2 to
// a tern.Listener. Conversion failures are handled as for Listen1.
func Listen2[P1, P2 any](f func(context.Context, P1, P2)) tern.Listener {
	return func(ctx context.Context, args []any) {
		var p1 P1
		var p2 P2
		mustConvert(args, 0, &p1)
		mustConvert(args, 1, &p2)
		f(context.WithValue(ctx, argsContextKey{}, args), p1, p2)
	}
}

// convert decodes args[i] into v. If i is out of range, v is unchanged.
func convert(args []any, i int, v any) error {
	if i >= len(args) || args[i] == nil {
		return nil
	}
	if err := codec.Convert(args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

func mustConvert(args []any, i int, v any) {
	if err := convert(args, i, v); err != nil {
		panic(err)
	}
}
