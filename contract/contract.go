// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package contract defines a registry of channel signatures shared by a host
// and its remote peers.
//
// # Usage
//
// Construct a registry and register each interface with its signatures:
//
//	reg := contract.New()
//	err := reg.Register("Game",
//	   contract.NewEvent("Announce", contract.ToRemote, shape.String()),
//	   contract.NewFunction("Ping", contract.ToHost, shape.Number(), shape.Number()),
//	)
//
// Registering the same interface again with an identical set of signatures
// succeeds and has no effect, so a module may be loaded more than once.
// Registering it with a different set reports [ErrConflict].
//
// Once all registrations are complete, seal the registry and open the
// interfaces to use:
//
//	reg.Seal()
//	c, err := reg.Open("Game")
//
// A [Contract] is immutable and safe to share among any number of hosts and
// remotes. Opening an interface before the registry is sealed reports
// [ErrNotReady].
//
// Interfaces may also be declared in a TOML or YAML file; see [Load].
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/tern/shape"
)

// A Registry holds the contracts declared by a program. It is safe for
// concurrent use. Registrations are permitted until Seal is called.
type Registry struct {
	μ      sync.Mutex
	sealed bool
	ifaces map[string]*Contract
}

// New constructs a new empty, unsealed registry.
func New() *Registry { return &Registry{ifaces: make(map[string]*Contract)} }

// Register adds an interface with the given signatures to r.
//
// If iface is already registered with an identical set of signatures,
// Register succeeds without effect. If it is registered with different
// signatures, Register reports [ErrConflict]. If sigs names the same member
// more than once, Register reports [ErrDuplicate].
func (r *Registry) Register(iface string, sigs ...Signature) error {
	if iface == "" {
		return newError(ErrInvalid, iface, "", "empty interface name")
	}
	c, err := newContract(iface, sigs)
	if err != nil {
		return err
	}

	r.μ.Lock()
	defer r.μ.Unlock()
	if old, ok := r.ifaces[iface]; ok {
		if old.fp == c.fp {
			return nil // identical re-registration
		}
		return newError(ErrConflict, iface, "", "signatures differ from the existing registration")
	} else if r.sealed {
		return newError(ErrSealed, iface, "", "")
	}
	r.ifaces[iface] = c
	return nil
}

// MustRegister calls Register and panics if it fails. It returns r to permit
// chaining.
func (r *Registry) MustRegister(iface string, sigs ...Signature) *Registry {
	if err := r.Register(iface, sigs...); err != nil {
		panic(err)
	}
	return r
}

// Seal prevents further registrations in r, and returns r to permit
// chaining. Sealing is idempotent.
func (r *Registry) Seal() *Registry {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.sealed = true
	return r
}

// Sealed reports whether r has been sealed.
func (r *Registry) Sealed() bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.sealed
}

// Interfaces returns the names of the registered interfaces in sorted order.
func (r *Registry) Interfaces() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	names := make([]string, 0, len(r.ifaces))
	for name := range r.ifaces {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve returns the signature of the specified member of iface.  It
// reports [ErrUnknownChannel] if either is not registered.
func (r *Registry) Resolve(iface, member string) (Signature, error) {
	r.μ.Lock()
	c, ok := r.ifaces[iface]
	r.μ.Unlock()
	if !ok {
		return Signature{}, newError(ErrUnknownChannel, iface, member, "interface not registered")
	}
	return c.Lookup(member)
}

// Open returns the sealed contract for iface. It reports [ErrNotReady] if r
// is not sealed or iface is not registered.
func (r *Registry) Open(iface string) (*Contract, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if !r.sealed {
		return nil, newError(ErrNotReady, iface, "", "registry is not sealed")
	}
	c, ok := r.ifaces[iface]
	if !ok {
		return nil, newError(ErrNotReady, iface, "", "interface not registered")
	}
	return c, nil
}

// MustOpen calls Open and panics if it fails.
func (r *Registry) MustOpen(iface string) *Contract {
	c, err := r.Open(iface)
	if err != nil {
		panic(err)
	}
	return c
}

// A Contract is the immutable set of signatures for one interface.
type Contract struct {
	name    string
	members map[string]Signature
	order   []string // declaration order
	fp      string
}

func newContract(iface string, sigs []Signature) (*Contract, error) {
	c := &Contract{name: iface, members: make(map[string]Signature, len(sigs))}
	for _, sig := range sigs {
		if err := sig.validate(); err != nil {
			return nil, newError(ErrInvalid, iface, sig.Name, err.Error())
		}
		if _, ok := c.members[sig.Name]; ok {
			return nil, newError(ErrDuplicate, iface, sig.Name, "")
		}
		sig.Params = slices.Clone(sig.Params)
		if sig.Kind == Event {
			sig.Returns = shape.Void()
		}
		g := shape.Compile(sig.Params...)
		sig.guard = &g
		c.members[sig.Name] = sig
		c.order = append(c.order, sig.Name)
	}
	sum := sha256.Sum256([]byte(c.canonical()))
	c.fp = hex.EncodeToString(sum[:])
	return c, nil
}

// canonical renders the signatures of c in name order, so that the result
// does not depend on declaration order.
func (c *Contract) canonical() string {
	names := slices.Clone(c.order)
	slices.Sort(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "interface %s\n", c.name)
	for _, name := range names {
		fmt.Fprintln(&sb, c.members[name].String())
	}
	return sb.String()
}

// Name reports the name of the interface described by c.
func (c *Contract) Name() string { return c.name }

// Lookup returns the signature of the specified member. It reports
// [ErrUnknownChannel] if c has no such member.
func (c *Contract) Lookup(member string) (Signature, error) {
	sig, ok := c.members[member]
	if !ok {
		return Signature{}, newError(ErrUnknownChannel, c.name, member, "")
	}
	return sig, nil
}

// Members returns the signatures of c in declaration order.
func (c *Contract) Members() []Signature {
	out := make([]Signature, len(c.order))
	for i, name := range c.order {
		out[i] = c.members[name]
	}
	return out
}

// Fingerprint returns a hex-encoded digest of the signatures of c.  Two
// contracts have the same fingerprint if and only if they declare the same
// interface name and signatures, regardless of declaration order.
func (c *Contract) Fingerprint() string { return c.fp }

// String renders the canonical text of c.
func (c *Contract) String() string { return c.canonical() }
