// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package contract

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is reported when one registration declares the same member
	// more than once.
	ErrDuplicate = errors.New("duplicate contract member")

	// ErrConflict is reported when an interface is registered again with a
	// different set of signatures.
	ErrConflict = errors.New("conflicting contract")

	// ErrUnknownChannel is reported when resolving a member that is not
	// declared by the interface.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNotReady is reported when opening an interface before the registry
	// is sealed, or one that was never registered.
	ErrNotReady = errors.New("channel not ready")

	// ErrSealed is reported for a registration after the registry is sealed.
	ErrSealed = errors.New("registry is sealed")

	// ErrInvalid is reported for a malformed signature or declaration.
	ErrInvalid = errors.New("invalid signature")
)

// Error is the concrete type of errors reported by this package.
// It wraps one of the sentinel errors defined here.
type Error struct {
	Err       error  // one of the sentinel errors
	Interface string // the interface concerned
	Member    string // the member concerned, if any
	Detail    string // additional detail, if any
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	var where string
	if e.Member != "" {
		where = fmt.Sprintf("%s.%s", e.Interface, e.Member)
	} else {
		where = e.Interface
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", where, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

// Unwrap reports the sentinel error underlying e.
func (e *Error) Unwrap() error { return e.Err }

func newError(err error, iface, member, detail string) *Error {
	return &Error{Err: err, Interface: iface, Member: member, Detail: detail}
}
