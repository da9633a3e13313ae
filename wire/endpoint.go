// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package wire implements a bidirectional endpoint for named calls and
// one-way events exchanged as packets over a Channel.
//
// An Endpoint correlates each outbound request with its response by a
// request ID, and tracks every outbound request as a Call that settles
// exactly once. Inbound requests are dispatched to handlers registered by
// method name; inbound events are queued and dispatched to event handlers
// in the order they arrive.
package wire

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two endpoints.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler processes a request from the remote endpoint. A handler can
// obtain the endpoint from its context argument using ContextEndpoint.
//
// By default, the error reported by a handler is returned to the caller with
// result CodeServiceError and the text of the error as its message. A handler
// may return an ErrorData to control the error data, or a *CodedError to also
// choose the result code.
type Handler func(context.Context, *Request) ([]byte, error)

// An EventHandler processes an event from the remote endpoint. Event handlers
// run one at a time on a goroutine of their own, so events from one endpoint
// are handled in the order they were sent. The receive loop does not wait
// for them, so a handler may block on a call to the same endpoint. A handler
// must not call Stop or Wait on its own endpoint, since those wait for the
// handler to return.
type EventHandler func(context.Context, *Event)

// A PacketLogger logs a packet exchanged with the remote endpoint.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// An Endpoint is one side of a packet channel. A zero-valued Endpoint is
// ready for use, but must not be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the endpoint.
// Once started, an endpoint runs until Stop is called, the channel closes, or
// a protocol fatal error occurs. Use Wait to wait for the endpoint to exit and
// report its status. When an endpoint exits, every pending outbound call is
// rejected with ErrClosed and every active inbound handler is cancelled.
type Endpoint struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group
	evq   *eventQueue

	μ sync.Mutex

	err   error                         // protocol fatal error
	ocall map[uint32]*Call              // outbound calls pending responses
	nexto uint32                        // last assigned outbound call ID
	icall map[uint32]context.CancelFunc // requestID → cancel func
	imux  map[string]Handler            // method → handler
	emux  map[string]EventHandler       // event name → handler
	smux  map[string]EventHandler       // event name → signal handler
	plog  PacketLogger                  // guarded by both μ and out
	base  func() context.Context        // return a new base context

	onExit func(error)
}

// NewEndpoint constructs a new unstarted endpoint.
func NewEndpoint() *Endpoint { return new(Endpoint) }

// Start starts the endpoint running on the given channel. The endpoint runs
// until the channel closes or a protocol fatal error occurs. Start does not
// block; call Wait to wait for the endpoint to exit and report its status.
func (e *Endpoint) Start(ch Channel) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.in != nil {
		panic("endpoint is already started")
	}

	g := taskgroup.New(nil)
	e.in = ch
	e.tasks = g
	e.out.Lock()
	e.out.ch = ch
	e.out.Unlock()
	e.err = nil
	e.ocall = make(map[uint32]*Call)
	e.icall = make(map[uint32]context.CancelFunc)
	if e.base == nil {
		e.base = context.Background
	}

	evq := newEventQueue()
	e.evq = evq
	g.Go(func() error { evq.run(func(evt *Event) { e.dispatchEvent(evq.ctx, evt) }); return nil })

	in := e.in
	g.Go(func() error {
		for {
			pkt, err := in.Recv()
			if err != nil {
				e.fail(err)
				return nil
			}
			rootMetrics.packetRecv.Add(1)
			if err := e.dispatchPacket(pkt); err != nil {
				e.fail(err)
				return nil
			}
		}
	})
	return e
}

// Metrics returns a metrics map for endpoints. It is safe for the caller to
// add additional metrics to the map while the endpoint is active.
func (e *Endpoint) Metrics() *expvar.Map { return rootMetrics.emap }

// Stop closes the channel and terminates the endpoint. It blocks until the
// endpoint has exited and returns its status. After Stop completes it is safe
// to restart the endpoint with a new channel.
func (e *Endpoint) Stop() error { e.closeOut(); return e.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the endpoint was running.
func (e *Endpoint) waitTasks() bool {
	e.μ.Lock()
	t := e.tasks
	e.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until e terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the endpoint with a new
// channel.
//
// If e is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (e *Endpoint) Wait() error {
	if !e.waitTasks() {
		return nil // the endpoint is not running
	}

	e.μ.Lock()
	defer e.μ.Unlock()
	e.in = nil
	e.tasks = nil
	e.evq = nil
	e.out.Lock()
	e.out.ch = nil
	e.out.Unlock()

	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

// Go sends a request for the specified method and data to the remote
// endpoint and returns a pending Call for its response. It does not wait for
// the response. If the request cannot be sent, the call is already rejected.
func (e *Endpoint) Go(method string, data []byte) *Call {
	rootMetrics.callOut.Add(1)
	c, err := e.sendReq(method, data)
	if err != nil {
		return Failed(method, err)
	}
	return c
}

// Call sends a request for the specified method and data to the remote
// endpoint, and blocks until ctx ends or the response is received. If ctx
// ends before the remote endpoint replies, the call is cancelled. An error
// reported by Call has concrete type *CallError.
func (e *Endpoint) Call(ctx context.Context, method string, data []byte) ([]byte, error) {
	return e.Go(method, data).Wait(ctx)
}

// Notify sends a one-way event to the remote endpoint. It does not wait for
// the event to be handled.
func (e *Endpoint) Notify(name string, data []byte) error {
	e.μ.Lock()
	err := e.err
	e.μ.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if err := e.sendOut(&Packet{
		Type:    PacketEvent,
		Payload: Event{Name: name, Data: data}.Encode(),
	}); err != nil {
		return err
	}
	rootMetrics.eventOut.Add(1)
	return nil
}

// Handle registers a handler for the specified method. It is safe to call
// this while the endpoint is running. Passing a nil Handler removes any
// handler for the method. Handle returns e to permit chaining.
//
// As a special case, if method == "" the handler is called for any request
// whose method does not have a more specific handler registered.
func (e *Endpoint) Handle(method string, handler Handler) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.imux == nil {
		e.imux = make(map[string]Handler)
	}
	if handler == nil {
		delete(e.imux, method)
	} else {
		e.imux[method] = handler
	}
	return e
}

// HandleEvent registers a handler for events with the specified name. It is
// safe to call this while the endpoint is running. Passing a nil handler
// removes any handler for the name. HandleEvent returns e to permit chaining.
//
// As a special case, if name == "" the handler is called for any event whose
// name does not have a more specific handler registered. Events with no
// handler are discarded.
//
// A panic in an event handler is recovered and the event is discarded; it
// does not terminate the endpoint.
func (e *Endpoint) HandleEvent(name string, handler EventHandler) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.emux == nil {
		e.emux = make(map[string]EventHandler)
	}
	if handler == nil {
		delete(e.emux, name)
	} else {
		e.emux[name] = handler
	}
	return e
}

// HandleSignal registers a signal handler for events with the specified
// name. Unlike an event handler, a signal handler is called in the receive
// loop, ahead of any queued events, and must not block. Passing a nil handler
// removes any signal handler for the name. HandleSignal returns e to permit
// chaining.
func (e *Endpoint) HandleSignal(name string, handler EventHandler) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.smux == nil {
		e.smux = make(map[string]EventHandler)
	}
	if handler == nil {
		delete(e.smux, name)
	} else {
		e.smux[name] = handler
	}
	return e
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote endpoint, regardless of type, including packets
// to be discarded.
//
// Passing a nil callback disables packet logging. The packet logger is
// invoked synchronously with dispatch, prior to sending or calling a handler.
func (e *Endpoint) LogPackets(log PacketLogger) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.out.Lock()
	defer e.out.Unlock()
	e.plog = log
	return e
}

// OnExit registers a callback to be invoked when the endpoint terminates. The
// callback is executed synchronously during shutdown, after pending calls
// have been rejected, with the same error value that would be reported by the
// Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (e *Endpoint) OnExit(f func(error)) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onExit = f
	return e
}

// NewContext registers a function that will be called to create a new base
// context for handlers. If it is not set a background context is used.
func (e *Endpoint) NewContext(base func() context.Context) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	if base == nil {
		e.base = context.Background
	} else {
		e.base = base
	}
	return e
}

// Pending reports the number of outbound calls awaiting a response.
func (e *Endpoint) Pending() int {
	e.μ.Lock()
	defer e.μ.Unlock()
	return len(e.ocall)
}

// fail terminates all pending calls and updates the failure status.
func (e *Endpoint) fail(err error) {
	e.closeOut()

	e.μ.Lock()
	calls := e.ocall
	e.ocall = nil
	for _, stop := range e.icall {
		stop()
	}
	e.icall = nil
	e.err = err
	onExit := e.onExit
	evq := e.evq
	e.μ.Unlock()

	// Reject all incomplete pending (outbound) calls.
	rootMetrics.callPending.Add(-int64(len(calls)))
	cerr := fmt.Errorf("%w: %w", ErrClosed, err)
	for _, c := range calls {
		c.settle(Rejected, nil, &CallError{Err: cerr})
	}

	// Deliver the events that arrived before the failure, with their
	// contexts already ended.
	if evq != nil {
		evq.close()
		<-evq.done
	}

	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// release removes c from the pending call table, if it is present.
func (e *Endpoint) release(c *Call) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.ocall[c.ID] == c {
		delete(e.ocall, c.ID)
		rootMetrics.callPending.Add(-1)
	}
}

// nextIDLocked returns an unused nonzero outbound request ID. IDs increase
// monotonically and wrap only after 2^32-1 requests.
func (e *Endpoint) nextIDLocked() uint32 {
	for {
		e.nexto++
		if _, used := e.ocall[e.nexto]; e.nexto != 0 && !used {
			return e.nexto
		}
	}
}

// sendReq sends a request packet for the given method and data.
// It blocks until the send completes, but does not wait for the reply.
func (e *Endpoint) sendReq(method string, data []byte) (*Call, error) {
	// Phase 1: Check for fatal errors and acquire state.
	e.μ.Lock()
	if e.err != nil {
		err := e.err
		e.μ.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	} else if e.ocall == nil {
		e.μ.Unlock()
		return nil, fmt.Errorf("%w: endpoint is not started", ErrClosed)
	}
	id := e.nextIDLocked()
	c := newCall(e, id, method)
	e.ocall[id] = c
	rootMetrics.callPending.Add(1)
	e.μ.Unlock()

	// Send the request to the remote endpoint. Note we MUST NOT hold the state
	// lock while doing this, as that will block the receiver from dispatching.
	err := e.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: Request{ID: id, Method: method, Data: data}.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	if err != nil {
		e.release(c)
		return nil, err
	}
	return c, nil
}

// sendCancel sends a best-effort cancellation for id to the remote endpoint.
func (e *Endpoint) sendCancel(id uint32) {
	e.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{ID: id}.Encode(),
	})
}

func (e *Endpoint) sendRsp(rsp *Response) {
	e.μ.Lock()
	delete(e.icall, rsp.ID)
	err := e.err
	e.μ.Unlock()

	if err != nil {
		return
	}
	if err := e.sendOut(&Packet{
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		e.closeOut()
	}
}

// dispatchRequestLocked dispatches an inbound request to its handler.
// It reports an error back to the caller for duplicate request ID or unknown
// method.
func (e *Endpoint) dispatchRequestLocked(req *Request) (err error) {
	rootMetrics.callIn.Add(1)
	defer func() {
		if err != nil {
			rootMetrics.callInErr.Add(1)
		}
	}()

	// Report duplicate request ID without failing the existing call.
	if _, ok := e.icall[req.ID]; ok {
		return e.sendOut(&Packet{
			Type:    PacketResponse,
			Payload: Response{ID: req.ID, Code: CodeDuplicateID}.Encode(),
		})
	}

	handler, ok := e.imux[req.Method]
	if !ok {
		// Check whether a wildcard handler is registered.
		if wc, ok := e.imux[""]; ok {
			handler = wc
		} else {
			rootMetrics.callInErr.Add(1)
			return e.sendOut(&Packet{
				Type:    PacketResponse,
				Payload: Response{ID: req.ID, Code: CodeUnknownMethod}.Encode(),
			})
		}
	}

	// Start a goroutine to service the request. The goroutine handles
	// cancellation and response delivery.
	ctx, cancel := context.WithCancel(context.WithValue(e.base(), endpointContextKey{}, e))
	e.icall[req.ID] = cancel
	rootMetrics.callActive.Add(1)

	e.tasks.Go(func() error {
		defer cancel()
		defer rootMetrics.callActive.Add(-1)

		data, err := func() (_ []byte, err error) {
			// Ensure a panic out of the handler is turned into a graceful response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(ctx, req)
		}()

		rsp := &Response{ID: req.ID}
		var ce *CodedError
		var ed ErrorData
		var edp *ErrorData
		switch {
		case ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded:
			// If the context terminated, treat this as a cancellation even if
			// the handler succeeded.
			rsp.Code = CodeCanceled
		case err == nil:
			rsp.Code = CodeSuccess
			rsp.Data = data
		case errors.As(err, &ce):
			rsp.Code = ce.Code
			rsp.Data = ce.ErrorData.Encode()
		case errors.As(err, &ed):
			rsp.Code = CodeServiceError
			rsp.Data = ed.Encode()
		case errors.As(err, &edp):
			rsp.Code = CodeServiceError
			rsp.Data = edp.Encode()
		default:
			rsp.Code = CodeServiceError
			rsp.Data = ErrorData{Message: err.Error()}.Encode()
		}
		if rsp.Code != CodeSuccess {
			rootMetrics.callInErr.Add(1)
		}
		e.sendRsp(rsp)
		return nil
	})
	return nil
}

// dispatchEvent delivers an inbound event to its handler, if any. It is
// called only by the event queue. The handler context ends when stop does.
func (e *Endpoint) dispatchEvent(stop context.Context, evt *Event) {
	rootMetrics.eventIn.Add(1)
	e.μ.Lock()
	handler, ok := e.emux[evt.Name]
	if !ok {
		handler, ok = e.emux[""]
	}
	e.μ.Unlock()
	if !ok {
		rootMetrics.packetDropped.Add(1)
		return
	}
	ctx, cancel := context.WithCancel(e.handlerContext())
	defer cancel()
	defer context.AfterFunc(stop, cancel)()
	e.callEvent(ctx, handler, evt)
}

// handlerContext returns a new base context for a handler.
func (e *Endpoint) handlerContext() context.Context {
	e.μ.Lock()
	base := e.base
	e.μ.Unlock()
	return context.WithValue(base(), endpointContextKey{}, e)
}

// callEvent calls an event handler, recovering a panic.
func (e *Endpoint) callEvent(ctx context.Context, handler EventHandler, evt *Event) {
	defer func() {
		if x := recover(); x != nil {
			rootMetrics.eventErr.Add(1)
		}
	}()
	handler(ctx, evt)
}

// dispatchPacket routes an inbound packet from the remote endpoint.
// Any error it reports is protocol fatal.
func (e *Endpoint) dispatchPacket(pkt *Packet) error {
	e.μ.Lock()
	plog := e.plog
	e.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}
	if pkt.Protocol != Version {
		rootMetrics.packetDropped.Add(1)
		return nil
	}

	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		e.μ.Lock()
		defer e.μ.Unlock()
		return e.dispatchRequestLocked(&req)

	case PacketCancel:
		var req Cancel
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		rootMetrics.cancelIn.Add(1)
		e.μ.Lock()
		defer e.μ.Unlock()

		// If there is a dispatch in flight for this request, signal it to stop.
		// The dispatch wrapper will figure out how to reply and clean up.
		if stop, ok := e.icall[req.ID]; ok {
			stop()
		}

	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		e.μ.Lock()
		c, ok := e.ocall[rsp.ID]
		e.μ.Unlock()
		if !ok {
			// Discard a response for an unknown or settled request.
			rootMetrics.packetDropped.Add(1)
			return nil
		}
		c.resolve(&rsp)

	case PacketEvent:
		var evt Event
		if err := evt.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid event packet: %w", err)
		}
		e.μ.Lock()
		signal, ok := e.smux[evt.Name]
		evq := e.evq
		e.μ.Unlock()
		if ok {
			rootMetrics.eventIn.Add(1)
			e.callEvent(e.handlerContext(), signal, &evt)
		} else {
			evq.add(&evt)
		}

	default:
		rootMetrics.packetDropped.Add(1)
	}
	return nil
}

func (e *Endpoint) sendOut(pkt *Packet) error {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.ch == nil {
		return ErrClosed
	}
	pkt.Protocol = Version
	rootMetrics.packetSent.Add(1)
	if e.plog != nil {
		e.plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return e.out.ch.Send(pkt)
}

func (e *Endpoint) closeOut() {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.ch != nil {
		e.out.ch.Close()
	}
}

type endpointContextKey struct{}

// ContextEndpoint returns the Endpoint associated with the given context, or
// nil if none is defined. The context passed to a Handler or EventHandler has
// this value.
func ContextEndpoint(ctx context.Context) *Endpoint {
	if v := ctx.Value(endpointContextKey{}); v != nil {
		return v.(*Endpoint)
	}
	return nil
}

// An eventQueue buffers inbound events for delivery in arrival order, apart
// from the receive loop.
type eventQueue struct {
	μ      sync.Mutex
	q      queue.Queue[*Event]
	closed bool

	ctx    context.Context // ends when the queue closes
	cancel context.CancelFunc
	ready  chan struct{} // signaled after an add or close
	done   chan struct{} // closed when run returns
}

func newEventQueue() *eventQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventQueue{
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) add(evt *Event) {
	q.μ.Lock()
	q.q.Add(evt)
	q.μ.Unlock()
	q.signal()
}

// close ends the contexts of queued events, and causes run to return once
// they are delivered.
func (q *eventQueue) close() {
	q.cancel()
	q.μ.Lock()
	q.closed = true
	q.μ.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// run calls deliver for each queued event in order, until q is closed and
// empty.
func (q *eventQueue) run(deliver func(*Event)) {
	defer close(q.done)
	for {
		q.μ.Lock()
		evt, ok := q.q.Pop()
		closed := q.closed
		q.μ.Unlock()
		if ok {
			deliver(evt)
		} else if closed {
			return
		} else {
			<-q.ready
		}
	}
}
