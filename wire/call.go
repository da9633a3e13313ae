// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is reported by a call whose deadline elapsed before a
	// response arrived.
	ErrTimeout = errors.New("call timed out")

	// ErrCanceled is reported by a call that was cancelled by the caller.
	ErrCanceled = errors.New("call cancelled")

	// ErrClosed is reported by a call that could not complete because the
	// endpoint closed or failed.
	ErrClosed = errors.New("endpoint closed")

	// ErrPending is reported by Result for a call that has not settled.
	ErrPending = errors.New("call is pending")
)

// State is the settlement state of a Call.
type State byte

const (
	Pending   State = iota // no outcome yet
	Fulfilled              // a successful response arrived
	Rejected               // an error response arrived, or the call failed
	TimedOut               // the call deadline elapsed
	Cancelled              // the caller cancelled the call
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed out"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state %d", byte(s))
	}
}

// A Call is an outbound request awaiting its response. A call settles
// exactly once: the first of a response, a timeout, a cancellation, or an
// endpoint failure determines its outcome, and later events have no effect.
//
// The methods of a Call are safe for concurrent use.
type Call struct {
	ID     uint32 // the request ID, 0 if the request was never sent
	Method string // the method name

	ep   *Endpoint
	done chan struct{}

	μ     sync.Mutex
	state State
	data  []byte
	err   error
	timer *time.Timer
}

func newCall(ep *Endpoint, id uint32, method string) *Call {
	return &Call{ID: id, Method: method, ep: ep, done: make(chan struct{})}
}

// Failed returns a call that is already rejected with err.
func Failed(method string, err error) *Call {
	c := newCall(nil, 0, method)
	c.settle(Rejected, nil, asCallError(err))
	return c
}

// Timeout arranges for c to settle as timed out if it has not otherwise
// settled within d. If d ≤ 0, c times out immediately unless it has already
// settled. Calling Timeout again replaces any previous deadline. Timeout
// returns c to permit chaining.
func (c *Call) Timeout(d time.Duration) *Call {
	if d <= 0 {
		c.expire()
		return c
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != Pending {
		return c
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, c.expire)
	return c
}

// Cancel settles c as cancelled if it is still pending, and sends a
// best-effort cancellation to the remote peer. It reports whether this call
// to Cancel settled c.
func (c *Call) Cancel() bool {
	if !c.settle(Cancelled, nil, &CallError{Err: ErrCanceled}) {
		return false
	}
	c.notifyRemote()
	return true
}

func (c *Call) expire() {
	if c.settle(TimedOut, nil, &CallError{Err: ErrTimeout}) {
		rootMetrics.callTimeout.Add(1)
		c.notifyRemote()
	}
}

func (c *Call) notifyRemote() {
	if c.ep != nil && c.ID != 0 {
		c.ep.sendCancel(c.ID)
	}
}

// Done returns a channel that is closed when c settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// State reports the current state of c.
func (c *Call) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Result reports the outcome of c. If c has not settled, Result reports
// ErrPending. An error reported by Result has concrete type *CallError.
func (c *Call) Result() ([]byte, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state == Pending {
		return nil, ErrPending
	}
	return c.data, c.err
}

// Wait blocks until c settles or ctx ends, and reports the outcome of c.
// If ctx ends first, c is cancelled; if ctx ended because its deadline
// expired, c is instead settled as timed out.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.expire()
		} else {
			c.Cancel()
		}
		<-c.done // a response may have won the race
	}
	return c.Result()
}

// settle moves c from Pending to state, recording the outcome, and reports
// whether it did so. Once c has settled, settle has no effect.
func (c *Call) settle(state State, data []byte, err error) bool {
	c.μ.Lock()
	if c.state != Pending {
		c.μ.Unlock()
		return false
	}
	c.state, c.data, c.err = state, data, err
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.μ.Unlock()

	if state == Rejected {
		rootMetrics.callOutErr.Add(1)
	}
	if c.ep != nil {
		c.ep.release(c)
	}
	close(c.done)
	return true
}

// resolve settles c from the response sent by the remote peer.
func (c *Call) resolve(rsp *Response) {
	if rsp.Code == CodeSuccess {
		c.settle(Fulfilled, rsp.Data, nil)
		return
	}
	ce := &CallError{Response: rsp}
	if rsp.Code == CodeCanceled {
		ce.Err = ErrCanceled
	} else if err := ce.ErrorData.Decode(rsp.Data); err != nil {
		// Keep the decoding failure so the caller has a way to debug.
		ce.Message = err.Error()
	}
	c.settle(Rejected, nil, ce)
}

func asCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Err: err}
}

// CallError is the concrete type of errors reported by a Call. For errors
// reported by the remote handler, Err is nil and ErrorData contains the error
// details. For errors arising from a response, Response contains the
// complete response message.
type CallError struct {
	ErrorData
	Err      error     // nil for errors reported by the remote peer
	Response *Response // set if the error came from a call response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// ResultCode reports the result code of the response that produced c, or
// CodeSuccess if c did not come from a response.
func (c *CallError) ResultCode() ResultCode {
	if c.Response == nil {
		return CodeSuccess
	}
	return c.Response.Code
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	switch {
	case c.Err != nil:
		return c.Err.Error()
	case c.Response == nil:
		return c.ErrorData.Error()
	case c.Response.Code == CodeServiceError:
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	case c.Message != "":
		return fmt.Sprintf("%v: %s", c.Response.Code, c.Message)
	}
	return fmt.Sprintf("request %d: %v", c.Response.ID, c.Response.Code)
}

// CodedError is an error a handler may return to choose the result code
// reported to the caller along with its error data.
type CodedError struct {
	Code ResultCode
	ErrorData
}

func (e *CodedError) Error() string { return fmt.Sprintf("%v: %v", e.Code, e.ErrorData.Error()) }

// NoMethod returns an error that a wildcard handler may report to signal that
// it has no handler for method.
func NoMethod(method string) error {
	return &CodedError{
		Code:      CodeUnknownMethod,
		ErrorData: ErrorData{Message: fmt.Sprintf("no handler for %q", method)},
	}
}
