// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for tracking, serving and testing
// connected endpoints.
package peers

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tern/channel"
	"github.com/creachadair/tern/wire"
	"github.com/google/uuid"
)

// An ID identifies one connected peer. IDs are used only for addressing.
type ID string

// NewID returns a fresh random peer ID.
func NewID() ID { return ID(uuid.NewString()) }

// Short returns an abbreviated form of id for use in log messages.
func (id ID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// A Registry tracks the currently connected peers. A zero Registry is ready
// for use. It is safe for concurrent use by multiple goroutines.
type Registry struct {
	μ     sync.Mutex
	order []ID
	peers map[ID]*wire.Endpoint
}

// Add registers ep under a fresh ID and returns the ID.
func (r *Registry) Add(ep *wire.Endpoint) ID {
	id := NewID()
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.peers == nil {
		r.peers = make(map[ID]*wire.Endpoint)
	}
	r.peers[id] = ep
	r.order = append(r.order, id)
	return id
}

// Remove removes the peer with the given id and reports whether it was
// present.
func (r *Registry) Remove(id ID) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	r.order = slices.DeleteFunc(r.order, func(v ID) bool { return v == id })
	return true
}

// Lookup reports the endpoint for id, if it is currently registered.
func (r *Registry) Lookup(id ID) (*wire.Endpoint, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	ep, ok := r.peers[id]
	return ep, ok
}

// IDs returns a snapshot of the registered peer IDs in the order they were
// added.
func (r *Registry) IDs() []ID {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Clone(r.order)
}

// Len reports the number of registered peers.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.peers)
}

// Local is a pair of in-memory connected endpoints, suitable for testing.
type Local struct {
	A *wire.Endpoint
	B *wire.Endpoint
}

// Stop shuts down both the endpoints and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected endpoints, that communicate
// via a direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: wire.NewEndpoint().Start(a2b),
		B: wire.NewEndpoint().Start(b2a),
	}
}

// An Accepter accepts channels from connecting clients.
type Accepter interface {
	Accept(context.Context) (wire.Channel, error)
}

// Loop accepts connections from acc and calls start for each one in a
// goroutine. The start function must return a running endpoint for the
// channel. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running endpoints are stopped. When acc closes,
// the loop waits for running endpoints to exit before returning.
func Loop(ctx context.Context, acc Accepter, start func(wire.Channel) *wire.Endpoint) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			ep := start(ch)
			go func() { <-sctx.Done(); ep.Stop() }()
			return ep.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (wire.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
