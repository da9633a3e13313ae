// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/peers"
	"github.com/creachadair/tern/shape"
	"github.com/creachadair/tern/wire"
)

// State is the settlement state of a Future.
type State = wire.State

const (
	Pending   = wire.Pending
	Fulfilled = wire.Fulfilled
	Rejected  = wire.Rejected
	TimedOut  = wire.TimedOut
	Cancelled = wire.Cancelled
)

// A Future is the pending result of a function invocation. It settles
// exactly once, as fulfilled, rejected, timed out or cancelled. The first
// outcome wins; a response that arrives after a timeout or cancellation is
// discarded.
//
// The methods of a Future are safe for concurrent use.
type Future struct {
	channel string
	sig     contract.Signature
	peer    peers.ID
	side    *side
	call    *wire.Call

	once sync.Once
	val  any
	err  error
}

func newFuture(s *side, peer peers.ID, sig contract.Signature, call *wire.Call) *Future {
	return &Future{channel: sig.Name, sig: sig, peer: peer, side: s, call: call}
}

// failedFuture returns a future that is already rejected with err.
func failedFuture(channel string, err error) *Future {
	return &Future{channel: channel, call: wire.Failed(channel, err)}
}

// Timeout arranges for f to settle as timed out, with ErrTimeout, if it has
// not otherwise settled within d. Timeout returns f to permit chaining.
func (f *Future) Timeout(d time.Duration) *Future { f.call.Timeout(d); return f }

// Cancel settles f as cancelled, with ErrCancelled, if it is still pending.
// It reports whether this call settled f; cancelling a settled future has no
// effect. The remote handler is notified but may still run to completion.
func (f *Future) Cancel() bool { return f.call.Cancel() }

// Done returns a channel that is closed when f settles.
func (f *Future) Done() <-chan struct{} { return f.call.Done() }

// State reports the current state of f. A response that fails validation
// settles f as rejected.
func (f *Future) State() State {
	st := f.call.State()
	if st == Fulfilled {
		if _, err := f.outcome(); err != nil {
			return Rejected
		}
	}
	return st
}

// Await blocks until f settles or ctx ends, and reports its outcome. If ctx
// ends first, f is cancelled, or timed out if ctx reached its deadline. An
// error reported by Await has concrete type *CallError.
func (f *Future) Await(ctx context.Context) (any, error) {
	f.call.Wait(ctx)
	return f.outcome()
}

// outcome decodes and validates the result of a settled call, once.
func (f *Future) outcome() (any, error) {
	f.once.Do(func() {
		data, err := f.call.Result()
		if err != nil {
			f.err = callError(f.channel, err)
			return
		}
		v, err := codec.UnmarshalValue(data)
		if err != nil {
			m := &shape.Mismatch{Path: "value", Want: f.sig.Returns.String(), Got: "malformed payload"}
			f.err = f.rejectResult(m)
			return
		}
		if m := f.sig.CheckResult(v); m != nil {
			f.err = f.rejectResult(m)
			return
		}
		f.val = v
	})
	return f.val, f.err
}

func (f *Future) rejectResult(m *shape.Mismatch) error {
	if f.side != nil {
		f.side.reject(f.peer, f.channel, m)
	}
	return &CallError{Channel: f.channel, Err: ErrValidation, Mismatch: m}
}

// AwaitAs awaits f and converts its result to type T.
func AwaitAs[T any](ctx context.Context, f *Future) (T, error) {
	var out T
	v, err := f.Await(ctx)
	if err != nil {
		return out, err
	}
	if err := codec.Convert(v, &out); err != nil {
		return out, &CallError{Channel: f.channel, Err: ErrValidation, Message: err.Error()}
	}
	return out, nil
}
