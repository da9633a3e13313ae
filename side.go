// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/peers"
	"github.com/creachadair/tern/shape"
	"github.com/creachadair/tern/wire"
)

// contractMethod is the reserved function every host answers with the
// fingerprint of its contract.
const contractMethod = "@tern.contract"

// A Listener receives the validated arguments of an event. The sending peer
// is available from ctx via ContextPeer.
//
// Listeners for the events of one peer run one at a time, in the order the
// events were sent. A listener may wait for an invocation or a dynamic
// channel, but must not stop or disconnect the peer that sent its event.
type Listener func(ctx context.Context, args []any)

// A Callback answers an invocation of a function with its validated
// arguments. The calling peer is available from ctx via ContextPeer. The
// result must be encodable; an error is reported to the caller.
type Callback func(ctx context.Context, args []any) (any, error)

type listener struct {
	fn    Listener
	guard *shape.Guard // for dynamic channels; nil means use the contract
}

// side holds the channel state shared by a Host and a Remote: the contract,
// the registered listeners and callbacks, and the reporter.
type side struct {
	contract *contract.Contract
	inbound  contract.Direction // the direction of channels this side receives

	μ         sync.Mutex
	listeners map[string][]*listener
	callbacks map[string]Callback
	reporter  Reporter
}

func newSide(c *contract.Contract, inbound contract.Direction) *side {
	return &side{
		contract:  c,
		inbound:   inbound,
		listeners: make(map[string][]*listener),
		callbacks: make(map[string]Callback),
		reporter:  defaultReporter,
	}
}

func (s *side) outbound() contract.Direction {
	if s.inbound == contract.ToHost {
		return contract.ToRemote
	}
	return contract.ToHost
}

func (s *side) setReporter(r Reporter) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if r == nil {
		r = defaultReporter
	}
	s.reporter = r
}

func (s *side) report(r Report) {
	s.μ.Lock()
	rep := s.reporter
	s.μ.Unlock()
	rep.Report(r)
}

// resolve looks up the signature of a member of the contract, and checks that
// it has the expected kind and direction.
func (s *side) resolve(name string, kind contract.Kind, dir contract.Direction) (contract.Signature, error) {
	sig, err := s.contract.Lookup(name)
	if err != nil {
		return sig, err
	}
	if sig.Kind != kind || sig.Direction != dir {
		return sig, fmt.Errorf("%s.%s: %w: %v %v, not %v %v", s.contract.Name(), name,
			contract.ErrUnknownChannel, sig.Direction, sig.Kind, dir, kind)
	}
	return sig, nil
}

// encode checks args against the signature of an outbound channel and
// returns their encoding.
func (s *side) encode(name string, kind contract.Kind, args []any) (contract.Signature, []byte, error) {
	sig, err := s.resolve(name, kind, s.outbound())
	if err != nil {
		return sig, nil, &CallError{Channel: name, Err: err}
	}
	data, err := encodeArgs(name, sig.Guard(), args)
	return sig, data, err
}

// encodeArgs normalizes args, checks them with g, and returns their encoding.
func encodeArgs(name string, g shape.Guard, args []any) ([]byte, error) {
	norm, data, err := codec.NormalizeArgs(args)
	if err != nil {
		return nil, &CallError{Channel: name, Err: ErrInvalidArgument, Message: err.Error()}
	}
	if m := g.Check(norm); m != nil {
		return nil, &CallError{Channel: name, Err: ErrInvalidArgument, Mismatch: m}
	}
	return data, nil
}

// connect adds a listener for the named event.
func (s *side) connect(name string, l *listener) func() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.listeners[name] = append(s.listeners[name], l)
	return func() {
		s.μ.Lock()
		defer s.μ.Unlock()
		s.listeners[name] = slices.DeleteFunc(s.listeners[name], func(v *listener) bool { return v == l })
	}
}

func (s *side) connectEvent(name string, fn Listener) func() {
	if fn == nil {
		panic("nil listener")
	}
	if _, err := s.resolve(name, contract.Event, s.inbound); err != nil {
		panic(fmt.Sprintf("connect %q: %v", name, err))
	}
	return s.connect(name, &listener{fn: fn})
}

func (s *side) setCallback(name string, cb Callback) {
	if _, err := s.resolve(name, contract.Function, s.inbound); err != nil {
		panic(fmt.Sprintf("set callback %q: %v", name, err))
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if cb == nil {
		delete(s.callbacks, name)
	} else {
		s.callbacks[name] = cb
	}
}

// dispatchEvent validates an inbound event and delivers it to the listeners
// registered for its name, in registration order.
func (s *side) dispatchEvent(ctx context.Context, from peers.ID, evt *wire.Event) {
	var guard *shape.Guard
	if !strings.HasPrefix(evt.Name, "@") {
		sig, err := s.resolve(evt.Name, contract.Event, s.inbound)
		if err != nil {
			s.report(Report{
				Severity: SeverityWarn, Channel: evt.Name, Peer: from,
				Detail: "dropped event for unknown channel", Err: err,
			})
			return
		}
		g := sig.Guard()
		guard = &g
	}

	args, err := codec.Unmarshal(evt.Data)
	if err != nil {
		s.reject(from, evt.Name, &shape.Mismatch{Path: "args", Want: "argument list", Got: "malformed payload"})
		return
	}
	if guard != nil {
		if m := guard.Check(args); m != nil {
			s.reject(from, evt.Name, m)
			return
		}
	}

	s.μ.Lock()
	ls := slices.Clone(s.listeners[evt.Name])
	s.μ.Unlock()
	if len(ls) == 0 {
		s.report(Report{
			Severity: SeverityDebug, Channel: evt.Name, Peer: from,
			Detail: "no listeners for event",
		})
		return
	}
	for _, l := range ls {
		if l.guard != nil {
			if m := l.guard.Check(args); m != nil {
				s.reject(from, evt.Name, m)
				continue
			}
		}
		s.invoke(ctx, from, evt.Name, l.fn, args)
	}
}

// invoke calls a listener, isolating a panic so that it cannot affect other
// listeners.
func (s *side) invoke(ctx context.Context, from peers.ID, name string, fn Listener, args []any) {
	defer func() {
		if x := recover(); x != nil {
			s.report(Report{
				Severity: SeverityError, Channel: name, Peer: from,
				Detail: "listener panicked", Err: fmt.Errorf("recovered: %v", x),
			})
		}
	}()
	fn(ctx, args)
}

// reject reports an inbound payload that failed validation.
func (s *side) reject(from peers.ID, name string, m *shape.Mismatch) {
	s.report(Report{
		Severity: SeverityWarn, Channel: name, Peer: from,
		Detail: "rejected payload",
		Err:    &ValidationFailure{Peer: from, Channel: name, Mismatch: m},
	})
}

// dispatchCall validates an inbound request and answers it with the callback
// registered for its name. A request that fails validation is answered with
// the mismatch without calling the callback.
func (s *side) dispatchCall(ctx context.Context, from peers.ID, req *wire.Request) (_ []byte, err error) {
	sig, err := s.resolve(req.Method, contract.Function, s.inbound)
	if err != nil {
		s.report(Report{
			Severity: SeverityWarn, Channel: req.Method, Peer: from,
			Detail: "call for unknown channel", Err: err,
		})
		return nil, wire.NoMethod(req.Method)
	}
	s.μ.Lock()
	cb := s.callbacks[req.Method]
	s.μ.Unlock()
	if cb == nil {
		return nil, wire.NoMethod(req.Method)
	}

	args, err := codec.Unmarshal(req.Data)
	if err != nil {
		m := &shape.Mismatch{Path: "args", Want: "argument list", Got: "malformed payload"}
		s.reject(from, req.Method, m)
		return nil, invalidArgs(m)
	}
	if m := sig.CheckArgs(args); m != nil {
		s.reject(from, req.Method, m)
		return nil, invalidArgs(m)
	}

	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("callback panicked: %v", x)
			s.report(Report{
				Severity: SeverityError, Channel: req.Method, Peer: from,
				Detail: "callback panicked", Err: err,
			})
		}
	}()
	v, err := cb(ctx, args)
	if err != nil {
		return nil, err
	}
	return codec.MarshalValue(v)
}

type peerContextKey struct{}

func withPeer(ctx context.Context, id peers.ID) context.Context {
	return context.WithValue(ctx, peerContextKey{}, id)
}

// ContextPeer reports the ID of the remote peer that sent the event or call
// being handled with ctx. It reports false on a remote, where every event
// and call comes from the host.
func ContextPeer(ctx context.Context) (peers.ID, bool) {
	id, ok := ctx.Value(peerContextKey{}).(peers.ID)
	return id, ok
}
