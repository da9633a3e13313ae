// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/peers"
	"github.com/creachadair/tern/wire"
)

// A Host is the trusted side of a contract. It accepts connections from any
// number of remote peers, receives the events and calls directed to the
// host, and fires events and invokes functions directed to remotes.
//
// The methods of a Host are safe for concurrent use.
type Host struct {
	*side

	// Events fires and receives the events of the contract.
	Events *HostEvents

	// Functions answers and invokes the functions of the contract.
	Functions *HostFunctions

	// Dynamic creates channels outside the contract.
	Dynamic *HostDynamic

	peers peers.Registry

	μ            sync.Mutex
	onConnect    []func(peers.ID)
	onDisconnect []func(peers.ID)
	plog         wire.PacketLogger
}

// NewHost constructs a host for the given contract.
func NewHost(c *contract.Contract) *Host {
	h := &Host{side: newSide(c, contract.ToHost)}
	h.Events = &HostEvents{h: h}
	h.Functions = &HostFunctions{h: h}
	h.Dynamic = &HostDynamic{h: h, chans: make(map[string]*HostChannel)}
	return h
}

// ReportTo directs reports of dropped and rejected messages to r. If r == nil
// reports go to the global zerolog logger. ReportTo returns h to permit
// chaining.
func (h *Host) ReportTo(r Reporter) *Host { h.setReporter(r); return h }

// OnConnect registers f to be called with the ID of each peer after it
// connects. OnConnect returns h to permit chaining.
func (h *Host) OnConnect(f func(peers.ID)) *Host {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.onConnect = append(h.onConnect, f)
	return h
}

// OnDisconnect registers f to be called with the ID of each peer after it
// disconnects. OnDisconnect returns h to permit chaining.
func (h *Host) OnDisconnect(f func(peers.ID)) *Host {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.onDisconnect = append(h.onDisconnect, f)
	return h
}

// LogPackets sets a packet logger for peers that connect after it is called.
// LogPackets returns h to permit chaining.
func (h *Host) LogPackets(log wire.PacketLogger) *Host {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.plog = log
	return h
}

// Attach starts serving a remote peer on ch, and returns the ID assigned to
// the peer. The peer remains connected until its channel closes or it is
// disconnected by the host.
func (h *Host) Attach(ch wire.Channel) peers.ID {
	id, _ := h.attach(ch)
	return id
}

func (h *Host) attach(ch wire.Channel) (peers.ID, *wire.Endpoint) {
	h.μ.Lock()
	plog := h.plog
	h.μ.Unlock()

	ep := wire.NewEndpoint()
	id := h.peers.Add(ep)
	base := withPeer(context.Background(), id)

	// The peer may exit as soon as it starts. Its disconnect is deferred until
	// the connect callbacks have run.
	var ex struct {
		sync.Mutex
		connected bool
		exited    bool
		err       error
	}
	ep.NewContext(func() context.Context { return base }).
		LogPackets(plog).
		Handle(contractMethod, h.serveContract).
		Handle("", func(ctx context.Context, req *wire.Request) ([]byte, error) {
			return h.dispatchCall(ctx, id, req)
		}).
		HandleEvent("", func(ctx context.Context, evt *wire.Event) {
			h.dispatchEvent(ctx, id, evt)
		}).
		OnExit(func(err error) {
			ex.Lock()
			ready := ex.connected
			ex.exited, ex.err = !ready, err
			ex.Unlock()
			if ready {
				h.detach(id, err)
			}
		}).
		Start(ch)

	h.report(Report{Severity: SeverityInfo, Peer: id, Detail: "peer connected"})
	h.μ.Lock()
	cbs := h.onConnect
	h.μ.Unlock()
	for _, f := range cbs {
		f(id)
	}
	h.Dynamic.replay(id, ep)

	ex.Lock()
	ex.connected = true
	exited, err := ex.exited, ex.err
	ex.Unlock()
	if exited {
		h.detach(id, err)
	}
	return id, ep
}

// detach removes a departed peer from the registry.
func (h *Host) detach(id peers.ID, err error) {
	if !h.peers.Remove(id) {
		return
	}
	rep := Report{Severity: SeverityInfo, Peer: id, Detail: "peer disconnected"}
	if err != nil {
		rep.Severity, rep.Err = SeverityWarn, err
	}
	h.report(rep)

	h.μ.Lock()
	cbs := h.onDisconnect
	h.μ.Unlock()
	for _, f := range cbs {
		f(id)
	}
}

func (h *Host) serveContract(context.Context, *wire.Request) ([]byte, error) {
	return codec.MarshalValue(h.contract.Fingerprint())
}

// Serve accepts connections from acc and attaches a peer for each, until acc
// closes or ctx ends. When ctx ends, all the peers it attached are
// disconnected.
func (h *Host) Serve(ctx context.Context, acc peers.Accepter) error {
	return peers.Loop(ctx, acc, func(ch wire.Channel) *wire.Endpoint {
		_, ep := h.attach(ch)
		return ep
	})
}

// Peers returns the IDs of the connected peers, in connect order.
func (h *Host) Peers() []peers.ID { return h.peers.IDs() }

// Disconnect closes the connection to the specified peer and waits for it to
// exit. It reports ErrDisconnected if id is not connected.
func (h *Host) Disconnect(id peers.ID) error {
	ep, ok := h.peers.Lookup(id)
	if !ok {
		return ErrDisconnected
	}
	return ep.Stop()
}

// Stop disconnects all connected peers.
func (h *Host) Stop() error {
	var errs []error
	for _, id := range h.peers.IDs() {
		if err := h.Disconnect(id); err != nil && !errors.Is(err, ErrDisconnected) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HostEvents fires and receives the events of a host's contract.
type HostEvents struct{ h *Host }

// Fire sends the named event with args to the peers selected by target.
// The arguments are checked against the signature of the event before
// anything is sent, and Fire reports ErrInvalidArgument if they do not match.
// Peers that disconnect before the event is delivered are skipped; this is
// not an error.
func (e *HostEvents) Fire(target Target, name string, args ...any) error {
	_, data, err := e.h.encode(name, contract.Event, args)
	if err != nil {
		return err
	}
	e.h.deliver(target.resolve(e.h.peers.IDs()), name, data)
	return nil
}

// deliver sends an encoded event to each of the specified peers that is still
// connected at the moment of sending.
func (h *Host) deliver(ids []peers.ID, name string, data []byte) int {
	var n int
	for _, id := range ids {
		ep, ok := h.peers.Lookup(id)
		if !ok {
			h.report(Report{Severity: SeverityDebug, Channel: name, Peer: id, Detail: "dropped event for departed peer"})
			continue
		}
		if err := ep.Notify(name, data); err != nil {
			h.report(Report{Severity: SeverityDebug, Channel: name, Peer: id, Detail: "dropped event", Err: err})
			continue
		}
		n++
	}
	return n
}

// Connect registers l to receive the named event from remote peers, and
// returns a function that unregisters it. Listeners are called in the order
// they were connected. Connect panics if name is not an event directed to
// the host.
func (e *HostEvents) Connect(name string, l Listener) (disconnect func()) {
	return e.h.connectEvent(name, l)
}

// HostFunctions answers and invokes the functions of a host's contract.
type HostFunctions struct{ h *Host }

// SetCallback sets the callback for the named function, replacing any
// previous callback. If cb == nil the callback is removed, and calls are
// rejected with ErrNoHandler. SetCallback panics if name is not a function
// directed to the host.
func (f *HostFunctions) SetCallback(name string, cb Callback) { f.h.setCallback(name, cb) }

// Invoke calls the named function on the specified peer with args. The
// arguments are checked against the signature of the function before
// anything is sent; if they do not match, the future is rejected with
// ErrInvalidArgument.
func (f *HostFunctions) Invoke(peer peers.ID, name string, args ...any) *Future {
	sig, data, err := f.h.encode(name, contract.Function, args)
	if err != nil {
		return failedFuture(name, err)
	}
	ep, ok := f.h.peers.Lookup(peer)
	if !ok {
		return failedFuture(name, &CallError{Channel: name, Err: ErrDisconnected})
	}
	return newFuture(f.h.side, peer, sig, ep.Go(name, data))
}
