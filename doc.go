// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package tern implements typed event and function channels between a trusted
// host and any number of untrusted remote peers.
//
// A contract declares the channels two sides may use: each member is either
// an event (a one-way notification) or a function (a request with a single
// response), directed either to the host or to remotes, with a shape for
// each parameter and, for functions, for the result. Every payload is
// checked against its shape before it is sent, and checked again before any
// listener or callback sees it on the other side.
//
// # Contracts
//
// Contracts are registered once at startup and sealed before use:
//
//	reg := contract.New()
//	reg.MustRegister("Game",
//	   contract.NewFunction("Ping", contract.ToHost, shape.Number(), shape.Number()),
//	   contract.NewEvent("Announce", contract.ToRemote, shape.String()),
//	)
//	reg.Seal()
//	c := reg.MustOpen("Game")
//
// Contracts may also be loaded from TOML or YAML files with [contract.Load].
//
// # Hosts
//
// A [Host] accepts remote peers, either one channel at a time with
// [Host.Attach] or from a listener with [Host.Serve]:
//
//	h := tern.NewHost(c)
//	h.Functions.SetCallback("Ping", func(ctx context.Context, args []any) (any, error) {
//	   return args[0].(float64) + 1, nil
//	})
//	go h.Serve(ctx, peers.NetAccepter(lst))
//
// The host fires events to every connected peer, to selected peers, or to
// all but selected peers:
//
//	h.Events.Fire(tern.Broadcast, "Announce", "hello")
//	h.Events.Fire(tern.To(id), "Announce", "just you")
//
// Peers that disconnect while an event is in flight are skipped.
//
// # Remotes
//
// A [Remote] connects to a host over a single channel:
//
//	r := tern.NewRemote(c).Start(ch)
//	r.Events.Connect("Announce", func(ctx context.Context, args []any) {
//	   log.Print(args[0])
//	})
//	v, err := r.Functions.Invoke("Ping", 41).Timeout(time.Second).Await(ctx)
//
// # Futures
//
// Invoking a function returns a [Future] that settles exactly once: it is
// fulfilled with the result, rejected with an error, timed out, or
// cancelled. Whichever happens first wins; a response that arrives later is
// discarded. Errors reported by a future have concrete type [*CallError],
// and wrap one of the sentinel errors of this package:
//
//	_, err := r.Functions.Invoke("Ping", "x").Await(ctx)
//	errors.Is(err, tern.ErrInvalidArgument) // true, nothing was sent
//
// # Reports
//
// Conditions that cannot be returned to a caller, such as a payload that
// failed validation on arrival or a listener that panicked, are delivered to
// a [Reporter]. By default reports are logged with the global zerolog logger.
//
// # Dynamic channels
//
// A host may create event channels outside the contract at run time with
// [HostDynamic.Ensure]. Remotes locate them with [RemoteDynamic.Ensure],
// which blocks until the host has created the channel. Since no contract
// describes these channels, a guard is supplied with each send and listener.
package tern
