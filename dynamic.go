// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/peers"
	"github.com/creachadair/tern/shape"
	"github.com/creachadair/tern/wire"
)

// announceEvent is the reserved event a host sends to tell its peers that a
// dynamic channel exists. Its arguments are the namespace and the name.
const announceEvent = "@tern.announce"

// A dynamic channel is an event channel created at run time, outside the
// contract. Its payloads are checked by guards supplied with each call
// rather than by a signature.
type dynamic struct {
	Namespace string
	Name      string

	wname string // the name of the channel on the wire
	side  *side
}

func newDynamic(s *side, namespace, name string) dynamic {
	return dynamic{Namespace: namespace, Name: name, wname: "@" + namespace + "/" + name, side: s}
}

func (d *dynamic) connect(guard shape.Guard, l Listener) func() {
	if l == nil {
		panic("nil listener")
	}
	return d.side.connect(d.wname, &listener{fn: l, guard: &guard})
}

func (d *dynamic) String() string { return d.Namespace + "/" + d.Name }

func checkDynamicName(namespace, name string) error {
	switch {
	case namespace == "" || name == "":
		return fmt.Errorf("%w: empty channel namespace or name", ErrInvalidArgument)
	case strings.Contains(namespace, "/"):
		return fmt.Errorf("%w: namespace %q contains %q", ErrInvalidArgument, namespace, "/")
	}
	return nil
}

// HostDynamic creates a host's dynamic channels.
type HostDynamic struct {
	h *Host

	μ     sync.Mutex
	chans map[string]*HostChannel // wire name → channel
	order []*HostChannel
}

// Ensure creates a channel with the given name in namespace, and announces
// it to connected peers and to peers that connect later. It reports
// ErrDuplicateChannel if the channel already exists.
func (d *HostDynamic) Ensure(namespace, name string) (*HostChannel, error) {
	if err := checkDynamicName(namespace, name); err != nil {
		return nil, err
	}
	c := &HostChannel{dynamic: newDynamic(d.h.side, namespace, name), h: d.h}
	d.μ.Lock()
	if _, ok := d.chans[c.wname]; ok {
		d.μ.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrDuplicateChannel, &c.dynamic)
	}
	d.chans[c.wname] = c
	d.order = append(d.order, c)
	d.μ.Unlock()

	data, err := codec.Marshal([]any{namespace, name})
	if err != nil {
		return nil, err
	}
	d.h.deliver(d.h.peers.IDs(), announceEvent, data)
	return c, nil
}

// Lookup reports the channel with the given name in namespace, if it has been
// created.
func (d *HostDynamic) Lookup(namespace, name string) (*HostChannel, bool) {
	d.μ.Lock()
	defer d.μ.Unlock()
	c, ok := d.chans["@"+namespace+"/"+name]
	return c, ok
}

// replay announces every existing channel to a newly connected peer.
func (d *HostDynamic) replay(id peers.ID, ep *wire.Endpoint) {
	d.μ.Lock()
	chans := d.order
	d.μ.Unlock()
	for _, c := range chans {
		data, err := codec.Marshal([]any{c.Namespace, c.Name})
		if err == nil {
			err = ep.Notify(announceEvent, data)
		}
		if err != nil {
			d.h.report(Report{
				Severity: SeverityDebug, Channel: announceEvent, Peer: id,
				Detail: "dropped channel announcement", Err: err,
			})
		}
	}
}

// A HostChannel is a dynamic channel on the host.
type HostChannel struct {
	dynamic
	h *Host
}

// Fire sends args to the peers selected by target. The arguments are checked
// with guard before anything is sent, and Fire reports ErrInvalidArgument if
// they do not match.
func (c *HostChannel) Fire(target Target, guard shape.Guard, args ...any) error {
	data, err := encodeArgs(c.String(), guard, args)
	if err != nil {
		return err
	}
	c.h.deliver(target.resolve(c.h.peers.IDs()), c.wname, data)
	return nil
}

// Connect registers l to receive events sent to c by remote peers, and
// returns a function that unregisters it. Each event is checked with guard
// before l is called; events that do not match are dropped and reported.
func (c *HostChannel) Connect(guard shape.Guard, l Listener) (disconnect func()) {
	return c.connect(guard, l)
}

// RemoteDynamic locates a remote's dynamic channels.
type RemoteDynamic struct {
	r *Remote

	μ     sync.Mutex
	chans map[string]*remoteEntry // wire name → entry
}

type remoteEntry struct {
	ready   chan struct{} // closed when the host announces the channel
	ch      *RemoteChannel
	waiters int // Ensure calls waiting for ready
}

func newRemoteDynamic(r *Remote) *RemoteDynamic {
	return &RemoteDynamic{r: r, chans: make(map[string]*remoteEntry)}
}

// entry returns the entry for the named channel, creating it if necessary.
// If wait is true, the caller is counted as a waiter and must call unwait.
func (d *RemoteDynamic) entry(namespace, name string, wait bool) *remoteEntry {
	d.μ.Lock()
	defer d.μ.Unlock()
	c := &RemoteChannel{dynamic: newDynamic(d.r.side, namespace, name), r: d.r}
	e, ok := d.chans[c.wname]
	if !ok {
		e = &remoteEntry{ready: make(chan struct{}), ch: c}
		d.chans[c.wname] = e
	}
	if wait {
		e.waiters++
	}
	return e
}

// unwait releases a waiter on e. An entry the host has not announced is
// discarded when its last waiter leaves.
func (d *RemoteDynamic) unwait(e *remoteEntry) {
	d.μ.Lock()
	defer d.μ.Unlock()
	e.waiters--
	if e.waiters > 0 || d.chans[e.ch.wname] != e {
		return
	}
	select {
	case <-e.ready:
	default:
		delete(d.chans, e.ch.wname)
	}
}

// pending reports the number of channels awaited but not yet announced.
func (d *RemoteDynamic) pending() int {
	d.μ.Lock()
	defer d.μ.Unlock()
	n := 0
	for _, e := range d.chans {
		select {
		case <-e.ready:
		default:
			n++
		}
	}
	return n
}

// Ensure returns the channel with the given name in namespace, blocking until
// the host has created it or ctx ends. There is no implicit timeout.
func (d *RemoteDynamic) Ensure(ctx context.Context, namespace, name string) (*RemoteChannel, error) {
	if err := checkDynamicName(namespace, name); err != nil {
		return nil, err
	}
	e := d.entry(namespace, name, true)
	defer d.unwait(e)
	select {
	case <-e.ready:
		return e.ch, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("ensure %v: %w", &e.ch.dynamic, ctx.Err())
	}
}

// announce handles a channel announcement from the host.
func (d *RemoteDynamic) announce(ctx context.Context, evt *wire.Event) {
	args, err := codec.Unmarshal(evt.Data)
	if err == nil {
		if m := shape.Compile(shape.String(), shape.String()).Check(args); m != nil {
			err = m
		}
	}
	if err != nil {
		d.r.report(Report{
			Severity: SeverityWarn, Channel: announceEvent,
			Detail: "invalid channel announcement", Err: err,
		})
		return
	}
	e := d.entry(args[0].(string), args[1].(string), false)

	d.μ.Lock()
	defer d.μ.Unlock()
	select {
	case <-e.ready:
		// already announced
	default:
		close(e.ready)
	}
}

// A RemoteChannel is a dynamic channel on a remote.
type RemoteChannel struct {
	dynamic
	r *Remote
}

// Send sends args to the host. The arguments are checked with guard before
// anything is sent, and Send reports ErrInvalidArgument if they do not match.
func (c *RemoteChannel) Send(guard shape.Guard, args ...any) error {
	data, err := encodeArgs(c.String(), guard, args)
	if err != nil {
		return err
	}
	if err := c.r.ep.Notify(c.wname, data); err != nil {
		return &CallError{Channel: c.String(), Err: ErrDisconnected, Message: err.Error()}
	}
	return nil
}

// Connect registers l to receive events sent to c by the host, and returns a
// function that unregisters it. Each event is checked with guard before l is
// called; events that do not match are dropped and reported.
func (c *RemoteChannel) Connect(guard shape.Guard, l Listener) (disconnect func()) {
	return c.connect(guard, l)
}
