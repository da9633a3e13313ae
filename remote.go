// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"context"
	"fmt"

	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/wire"
)

// A Remote is an untrusted peer of a host. It sends events and invokes
// functions directed to the host, and receives the events and calls the host
// directs to remotes.
//
// The methods of a Remote are safe for concurrent use.
type Remote struct {
	*side

	// Events sends and receives the events of the contract.
	Events *RemoteEvents

	// Functions invokes and answers the functions of the contract.
	Functions *RemoteFunctions

	// Dynamic locates channels created by the host outside the contract.
	Dynamic *RemoteDynamic

	ep *wire.Endpoint
}

// NewRemote constructs an unstarted remote for the given contract. Call Start
// to connect it to a host.
func NewRemote(c *contract.Contract) *Remote {
	r := &Remote{side: newSide(c, contract.ToRemote), ep: wire.NewEndpoint()}
	r.Events = &RemoteEvents{r: r}
	r.Functions = &RemoteFunctions{r: r}
	r.Dynamic = newRemoteDynamic(r)
	r.ep.
		Handle("", func(ctx context.Context, req *wire.Request) ([]byte, error) {
			return r.dispatchCall(ctx, "", req)
		}).
		HandleSignal(announceEvent, r.Dynamic.announce).
		HandleEvent("", func(ctx context.Context, evt *wire.Event) {
			r.dispatchEvent(ctx, "", evt)
		})
	return r
}

// Start connects r to a host over ch. Start does not block; use Wait to wait
// for the connection to end. Start returns r to permit chaining.
func (r *Remote) Start(ch wire.Channel) *Remote { r.ep.Start(ch); return r }

// Stop closes the connection to the host and waits for it to exit. Calls
// still pending are rejected with ErrDisconnected.
func (r *Remote) Stop() error { return r.ep.Stop() }

// Wait blocks until the connection to the host ends, and reports the error
// that ended it, or nil if the channel closed normally.
func (r *Remote) Wait() error { return r.ep.Wait() }

// ReportTo directs reports of dropped and rejected messages to rep. If
// rep == nil reports go to the global zerolog logger. ReportTo returns r to
// permit chaining.
func (r *Remote) ReportTo(rep Reporter) *Remote { r.setReporter(rep); return r }

// LogPackets sets a packet logger for the connection to the host.
// LogPackets returns r to permit chaining.
func (r *Remote) LogPackets(log wire.PacketLogger) *Remote { r.ep.LogPackets(log); return r }

// OnExit registers f to be called when the connection to the host ends.
// OnExit returns r to permit chaining.
func (r *Remote) OnExit(f func(error)) *Remote { r.ep.OnExit(f); return r }

// Verify checks that the host serves the same contract as r. It reports an
// error wrapping ErrContractMismatch if the contract fingerprints differ.
func (r *Remote) Verify(ctx context.Context) error {
	data, err := r.ep.Call(ctx, contractMethod, nil)
	if err != nil {
		return callError(contractMethod, err)
	}
	v, err := codec.UnmarshalValue(data)
	if err != nil {
		return &CallError{Channel: contractMethod, Err: ErrContractMismatch, Message: err.Error()}
	}
	if want := r.contract.Fingerprint(); v != want {
		return &CallError{
			Channel: contractMethod,
			Err:     ErrContractMismatch,
			Message: fmt.Sprintf("host has %v, remote has %s", v, want),
		}
	}
	return nil
}

// RemoteEvents sends and receives the events of a remote's contract.
type RemoteEvents struct{ r *Remote }

// Send sends the named event with args to the host. The arguments are
// checked against the signature of the event before anything is sent, and
// Send reports ErrInvalidArgument if they do not match.
func (e *RemoteEvents) Send(name string, args ...any) error {
	_, data, err := e.r.encode(name, contract.Event, args)
	if err != nil {
		return err
	}
	if err := e.r.ep.Notify(name, data); err != nil {
		return &CallError{Channel: name, Err: ErrDisconnected, Message: err.Error()}
	}
	return nil
}

// Connect registers l to receive the named event from the host, and returns
// a function that unregisters it. Listeners are called in the order they
// were connected. Connect panics if name is not an event directed to
// remotes.
func (e *RemoteEvents) Connect(name string, l Listener) (disconnect func()) {
	return e.r.connectEvent(name, l)
}

// RemoteFunctions invokes and answers the functions of a remote's contract.
type RemoteFunctions struct{ r *Remote }

// Invoke calls the named function on the host with args. The arguments are
// checked against the signature of the function before anything is sent; if
// they do not match, the future is rejected with ErrInvalidArgument.
func (f *RemoteFunctions) Invoke(name string, args ...any) *Future {
	sig, data, err := f.r.encode(name, contract.Function, args)
	if err != nil {
		return failedFuture(name, err)
	}
	return newFuture(f.r.side, "", sig, f.r.ep.Go(name, data))
}

// SetCallback sets the callback for the named function, replacing any
// previous callback. If cb == nil the callback is removed. SetCallback
// panics if name is not a function directed to remotes.
func (f *RemoteFunctions) SetCallback(name string, cb Callback) { f.r.setCallback(name, cb) }
