// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"errors"
	"fmt"

	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/peers"
	"github.com/creachadair/tern/shape"
	"github.com/creachadair/tern/wire"
)

var (
	// ErrInvalidArgument is reported when the arguments to an outbound event
	// or call do not match the signature of the channel. The check happens
	// before anything is sent.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrValidation is reported when an inbound payload does not match the
	// signature of its channel.
	ErrValidation = errors.New("validation failure")

	// ErrNoHandler is reported by a call for which the receiving side has no
	// callback registered.
	ErrNoHandler = errors.New("no handler")

	// ErrTimeout is reported by a call whose deadline elapsed first.
	ErrTimeout = errors.New("call timed out")

	// ErrCancelled is reported by a call that was cancelled by its caller.
	ErrCancelled = errors.New("call cancelled")

	// ErrHandlerFailed is reported by a call whose callback returned an error.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrDuplicateChannel is reported when creating a dynamic channel that
	// already exists.
	ErrDuplicateChannel = errors.New("duplicate channel")

	// ErrDisconnected is reported by a call or send to a peer that is not
	// connected, or whose connection closed before the call completed.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrContractMismatch is reported by Verify when the two sides disagree
	// about the contract.
	ErrContractMismatch = errors.New("contract mismatch")
)

// CallError is the concrete type of per-call errors reported by this
// package. Err is one of the sentinel errors defined here, or an error from
// the contract package for a channel that does not exist.
type CallError struct {
	Channel  string          // the channel name
	Err      error           // the category of failure
	Mismatch *shape.Mismatch // for argument and validation failures
	Message  string          // the message reported by a remote handler
	Code     uint16          // the error code reported by a remote handler
}

// Error satisfies the error interface.
func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Channel, e.Err)
	if e.Mismatch != nil {
		msg += ": " + e.Mismatch.Error()
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" [code %d]", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap reports the category of e.
func (e *CallError) Unwrap() error { return e.Err }

// ValidationFailure describes an inbound payload that was rejected because
// it did not match the signature of its channel.
type ValidationFailure struct {
	Peer     peers.ID // the sender; empty for the host
	Channel  string
	Mismatch *shape.Mismatch
}

// Error satisfies the error interface.
func (v *ValidationFailure) Error() string {
	from := "host"
	if v.Peer != "" {
		from = "peer " + v.Peer.Short()
	}
	return fmt.Sprintf("%s from %s: %v", v.Channel, from, v.Mismatch)
}

// Unwrap returns ErrValidation.
func (v *ValidationFailure) Unwrap() error { return ErrValidation }

// invalidArgs returns the handler error that answers a request whose
// arguments were rejected. The mismatch travels as the error data.
func invalidArgs(m *shape.Mismatch) error {
	data, _ := codec.MarshalValue(map[string]any{"path": m.Path, "want": m.Want, "got": m.Got})
	return &wire.CodedError{
		Code:      wire.CodeInvalidArgs,
		ErrorData: wire.ErrorData{Message: m.Error(), Data: data},
	}
}

// decodeMismatch recovers the mismatch carried by an invalidArgs response.
func decodeMismatch(data []byte) *shape.Mismatch {
	v, err := codec.UnmarshalValue(data)
	if err != nil {
		return nil
	}
	var m struct {
		Path string `cbor:"path"`
		Want string `cbor:"want"`
		Got  string `cbor:"got"`
	}
	if codec.Convert(v, &m) != nil || m.Path == "" {
		return nil
	}
	return &shape.Mismatch{Path: m.Path, Want: m.Want, Got: m.Got}
}

// callError translates an error reported by a wire call into a *CallError.
func callError(channel string, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	out := &CallError{Channel: channel}
	var we *wire.CallError
	switch {
	case errors.Is(err, wire.ErrTimeout):
		out.Err = ErrTimeout
	case errors.Is(err, wire.ErrCanceled):
		out.Err = ErrCancelled
	case errors.Is(err, wire.ErrClosed):
		out.Err = ErrDisconnected
	case errors.As(err, &we) && we.Response != nil:
		out.Message = we.Message
		switch we.ResultCode() {
		case wire.CodeUnknownMethod:
			out.Err = ErrNoHandler
			out.Message = ""
		case wire.CodeInvalidArgs:
			out.Err = ErrValidation
			out.Mismatch = decodeMismatch(we.Data)
			if out.Mismatch != nil {
				out.Message = ""
			}
		case wire.CodeCanceled:
			out.Err = ErrCancelled
		default:
			out.Err = ErrHandlerFailed
			out.Code = we.ErrorData.Code
		}
	default:
		out.Err = err
	}
	return out
}
