// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tern"
	"github.com/creachadair/tern/channel"
	"github.com/creachadair/tern/codec"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/peers"
	"github.com/creachadair/tern/shape"
	"github.com/creachadair/tern/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func gameSigs() []contract.Signature {
	return []contract.Signature{
		contract.NewFunction("Ping", contract.ToHost, shape.Number(), shape.Number()),
		contract.NewFunction("Echo", contract.ToHost, shape.Any(), shape.Any()),
		contract.NewFunction("Hold", contract.ToHost, shape.Void()),
		contract.NewFunction("Ask", contract.ToRemote, shape.String(), shape.String()),
		contract.NewEvent("Announce", contract.ToRemote, shape.String()),
		contract.NewEvent("Report", contract.ToHost,
			shape.Object(shape.Req("score", shape.Number()), shape.Opt("note", shape.String()))),
	}
}

func gameContract() *contract.Contract {
	return contract.New().MustRegister("Game", gameSigs()...).Seal().MustOpen("Game")
}

// reportLog is a Reporter that records reports on a buffered channel.
type reportLog chan tern.Report

func newReportLog() reportLog { return make(reportLog, 256) }

func (r reportLog) Report(rep tern.Report) {
	select {
	case r <- rep:
	default:
	}
}

// await returns the first report satisfying match, skipping others.
func (r reportLog) await(t *testing.T, match func(tern.Report) bool) tern.Report {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rep := <-r:
			if match(rep) {
				return rep
			}
		case <-timeout:
			t.Fatal("Timed out waiting for a report")
		}
	}
}

func isValidation(rep tern.Report) bool {
	var vf *tern.ValidationFailure
	return errors.As(rep.Err, &vf)
}

// connect attaches a new remote to h over a direct channel. The remote is
// started before it is attached, so that it can receive announcements.
func connect(h *tern.Host, c *contract.Contract) (*tern.Remote, peers.ID) {
	a, b := channel.Direct()
	r := tern.NewRemote(c).ReportTo(newReportLog()).Start(a)
	return r, h.Attach(b)
}

func newHost(t *testing.T, c *contract.Contract) *tern.Host {
	t.Helper()
	h := tern.NewHost(c).ReportTo(newReportLog())
	h.Functions.SetCallback("Ping", func(_ context.Context, args []any) (any, error) {
		return args[0].(float64) + 1, nil
	})
	h.Functions.SetCallback("Echo", func(_ context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	})
	return h
}

func stopHost(t *testing.T, h *tern.Host) {
	t.Helper()
	if err := h.Stop(); err != nil {
		t.Errorf("Host stop: unexpected error: %v", err)
	}
}

func mustCallError(t *testing.T, err, want error) *tern.CallError {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("Got error %v, want %v", err, want)
	}
	var ce *tern.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Got error %T, want *tern.CallError", err)
	}
	return ce
}

func TestPing(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, _ := connect(h, c)

	ctx := context.Background()
	f := r.Functions.Invoke("Ping", 41)
	got, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("Ping: unexpected error: %v", err)
	}
	if got != 42.0 {
		t.Errorf("Ping: got %v, want 42", got)
	}
	if st := f.State(); st != tern.Fulfilled {
		t.Errorf("Ping state: got %v, want %v", st, tern.Fulfilled)
	}

	n, err := tern.AwaitAs[int](ctx, r.Functions.Invoke("Ping", 99))
	if err != nil || n != 100 {
		t.Errorf("AwaitAs Ping(99): got %d, %v; want 100, nil", n, err)
	}
	if s, err := tern.AwaitAs[string](ctx, r.Functions.Invoke("Ping", 1)); err == nil {
		t.Errorf("AwaitAs[string] Ping(1): got %q, want error", s)
	} else {
		mustCallError(t, err, tern.ErrValidation)
	}
}

func TestInvalidArgument(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)

	var sent int
	a, b := channel.Direct()
	r := tern.NewRemote(c).ReportTo(newReportLog()).LogPackets(func(pkt wire.PacketInfo) {
		if pkt.Sent && pkt.Type == wire.PacketRequest {
			sent++
		}
	}).Start(a)
	h.Attach(b)

	tests := []struct {
		name string
		args []any
		path string
	}{
		{"Ping", []any{"x"}, "args[0]"},
		{"Ping", nil, "args"},
		{"Ping", []any{1, 2}, "args"},
		{"Echo", []any{1, 2}, "args"},
	}
	for _, tc := range tests {
		f := r.Functions.Invoke(tc.name, tc.args...)
		select {
		case <-f.Done():
		default:
			t.Errorf("Invoke %s%v: future is not settled", tc.name, tc.args)
		}
		_, err := f.Await(context.Background())
		ce := mustCallError(t, err, tern.ErrInvalidArgument)
		if ce.Mismatch == nil || ce.Mismatch.Path != tc.path {
			t.Errorf("Invoke %s%v: got mismatch %v, want path %q", tc.name, tc.args, ce.Mismatch, tc.path)
		}
		if st := f.State(); st != tern.Rejected {
			t.Errorf("Invoke %s%v: state %v, want %v", tc.name, tc.args, st, tern.Rejected)
		}
	}

	err := r.Events.Send("Report", map[string]any{"score": "high"})
	if ce := mustCallError(t, err, tern.ErrInvalidArgument); ce.Mismatch.Path != "args[0].score" {
		t.Errorf("Send Report: got path %q, want args[0].score", ce.Mismatch.Path)
	}
	if err := h.Events.Fire(tern.Broadcast, "Announce", 17); !errors.Is(err, tern.ErrInvalidArgument) {
		t.Errorf("Fire Announce(17): got %v, want %v", err, tern.ErrInvalidArgument)
	}

	// Nothing reached the wire; stopping the remote synchronizes the count.
	r.Stop()
	if sent != 0 {
		t.Errorf("Sent %d requests, want 0", sent)
	}
}

func TestUnknownChannel(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, id := connect(h, c)

	if err := h.Events.Fire(tern.Broadcast, "Nonesuch"); !errors.Is(err, contract.ErrUnknownChannel) {
		t.Errorf("Fire Nonesuch: got %v, want %v", err, contract.ErrUnknownChannel)
	}
	// Report is directed to the host, so the host cannot fire it.
	if err := h.Events.Fire(tern.Broadcast, "Report", map[string]any{"score": 1}); !errors.Is(err, contract.ErrUnknownChannel) {
		t.Errorf("Fire Report: got %v, want %v", err, contract.ErrUnknownChannel)
	}
	if _, err := h.Functions.Invoke(id, "Ping", 1).Await(context.Background()); !errors.Is(err, contract.ErrUnknownChannel) {
		t.Errorf("Host Invoke Ping: got %v, want %v", err, contract.ErrUnknownChannel)
	}
	if err := r.Events.Send("Announce", "x"); !errors.Is(err, contract.ErrUnknownChannel) {
		t.Errorf("Send Announce: got %v, want %v", err, contract.ErrUnknownChannel)
	}

	noop := func(context.Context, []any) {}
	mtest.MustPanic(t, func() { h.Events.Connect("Announce", noop) })
	mtest.MustPanic(t, func() { h.Events.Connect("Nonesuch", noop) })
	mtest.MustPanic(t, func() { h.Events.Connect("Report", nil) })
	mtest.MustPanic(t, func() { r.Events.Connect("Report", noop) })
	mtest.MustPanic(t, func() { h.Functions.SetCallback("Ask", nil) })
	mtest.MustPanic(t, func() { r.Functions.SetCallback("Ping", nil) })
}

func TestNoHandler(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, id := connect(h, c)

	start := time.Now()
	_, err := r.Functions.Invoke("Hold").Timeout(10 * time.Second).Await(context.Background())
	mustCallError(t, err, tern.ErrNoHandler)
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("No-handler call took %v, should be immediate", d)
	}

	// The host calling a remote with no callback.
	_, err = h.Functions.Invoke(id, "Ask", "what").Await(context.Background())
	mustCallError(t, err, tern.ErrNoHandler)

	// Removing a callback restores the no-handler behaviour.
	h.Functions.SetCallback("Ping", nil)
	_, err = r.Functions.Invoke("Ping", 1).Await(context.Background())
	mustCallError(t, err, tern.ErrNoHandler)
}

func TestSetCallbackReplaces(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, _ := connect(h, c)

	h.Functions.SetCallback("Ping", func(_ context.Context, args []any) (any, error) {
		return args[0].(float64) * 10, nil
	})
	got, err := r.Functions.Invoke("Ping", 4).Await(context.Background())
	if err != nil || got != 40.0 {
		t.Errorf("Ping(4): got %v, %v; want 40, nil", got, err)
	}
}

func TestEcho(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, _ := connect(h, c)

	type point struct {
		X int    `cbor:"x"`
		Y string `cbor:"y"`
	}
	tests := []struct {
		in, want any
	}{
		{nil, nil},
		{true, true},
		{5, 5.0},
		{uint8(3), 3.0},
		{-2.5, -2.5},
		{"hello", "hello"},
		{[]any{1, "a", false}, []any{1.0, "a", false}},
		{[]int{1, 2, 3}, []any{1.0, 2.0, 3.0}},
		{map[string]any{"k": []any{1, nil}}, map[string]any{"k": []any{1.0, nil}}},
		{point{X: 3, Y: "up"}, map[string]any{"x": 3.0, "y": "up"}},
	}
	for _, tc := range tests {
		got, err := r.Functions.Invoke("Echo", tc.in).Await(context.Background())
		if err != nil {
			t.Errorf("Echo(%v): unexpected error: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("Echo(%v) (-got, +want):\n%s", tc.in, diff)
		}
	}
}

func TestHandlerFailure(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	rlog := newReportLog()
	h := newHost(t, c)
	defer stopHost(t, h)
	h.ReportTo(rlog)
	r, _ := connect(h, c)

	h.Functions.SetCallback("Ping", func(_ context.Context, args []any) (any, error) {
		switch args[0].(float64) {
		case 1:
			return nil, errors.New("boom")
		case 2:
			return nil, wire.ErrorData{Code: 17, Message: "custom"}
		case 3:
			panic("kaboom")
		}
		return "not a number", nil
	})

	ctx := context.Background()
	t.Run("Error", func(t *testing.T) {
		_, err := r.Functions.Invoke("Ping", 1).Await(ctx)
		if ce := mustCallError(t, err, tern.ErrHandlerFailed); ce.Message != "boom" {
			t.Errorf("Message: got %q, want boom", ce.Message)
		}
	})
	t.Run("Coded", func(t *testing.T) {
		_, err := r.Functions.Invoke("Ping", 2).Await(ctx)
		ce := mustCallError(t, err, tern.ErrHandlerFailed)
		if ce.Code != 17 || ce.Message != "custom" {
			t.Errorf("Got code %d message %q, want 17, custom", ce.Code, ce.Message)
		}
	})
	t.Run("Panic", func(t *testing.T) {
		_, err := r.Functions.Invoke("Ping", 3).Await(ctx)
		mustCallError(t, err, tern.ErrHandlerFailed)
		rep := rlog.await(t, func(rep tern.Report) bool { return rep.Severity == tern.SeverityError })
		if rep.Channel != "Ping" {
			t.Errorf("Panic report channel: got %q, want Ping", rep.Channel)
		}
	})
	t.Run("BadResult", func(t *testing.T) {
		f := r.Functions.Invoke("Ping", 4)
		_, err := f.Await(ctx)
		ce := mustCallError(t, err, tern.ErrValidation)
		if ce.Mismatch == nil || ce.Mismatch.Path != "value" {
			t.Errorf("Mismatch: got %v, want path value", ce.Mismatch)
		}
		if st := f.State(); st != tern.Rejected {
			t.Errorf("State: got %v, want %v", st, tern.Rejected)
		}
	})
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)

	lateReply := make(chan struct{}, 1)
	a, b := channel.Direct()
	r := tern.NewRemote(c).ReportTo(newReportLog()).LogPackets(func(pkt wire.PacketInfo) {
		if !pkt.Sent && pkt.Type == wire.PacketResponse {
			select {
			case lateReply <- struct{}{}:
			default:
			}
		}
	}).Start(a)
	h.Attach(b)

	release := make(chan struct{})
	h.Functions.SetCallback("Hold", func(context.Context, []any) (any, error) {
		<-release // ignore cancellation, so the reply arrives late
		return nil, nil
	})

	const timeout = 20 * time.Millisecond
	start := time.Now()
	f := r.Functions.Invoke("Hold").Timeout(timeout)
	_, err := f.Await(context.Background())
	mustCallError(t, err, tern.ErrTimeout)
	if d := time.Since(start); d < timeout {
		t.Errorf("Call settled after %v, before its %v timeout", d, timeout)
	}
	if st := f.State(); st != tern.TimedOut {
		t.Errorf("State: got %v, want %v", st, tern.TimedOut)
	}

	close(release)
	select {
	case <-lateReply:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the late reply")
	}
	if st := f.State(); st != tern.TimedOut {
		t.Errorf("State after late reply: got %v, want %v", st, tern.TimedOut)
	}
	if _, err := f.Await(context.Background()); !errors.Is(err, tern.ErrTimeout) {
		t.Errorf("Await after late reply: got %v, want %v", err, tern.ErrTimeout)
	}

	// A context deadline also times out the call.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	h.Functions.SetCallback("Hold", func(ctx context.Context, _ []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err = r.Functions.Invoke("Hold").Await(ctx)
	mustCallError(t, err, tern.ErrTimeout)
}

func TestCancel(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, _ := connect(h, c)

	running := make(chan struct{})
	stopped := make(chan struct{})
	h.Functions.SetCallback("Hold", func(ctx context.Context, _ []any) (any, error) {
		close(running)
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})

	f := r.Functions.Invoke("Hold")
	<-running
	if !f.Cancel() {
		t.Error("First Cancel: got false, want true")
	}
	if f.Cancel() {
		t.Error("Second Cancel: got true, want false")
	}
	_, err := f.Await(context.Background())
	mustCallError(t, err, tern.ErrCancelled)
	if st := f.State(); st != tern.Cancelled {
		t.Errorf("State: got %v, want %v", st, tern.Cancelled)
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Handler was not notified of cancellation")
	}

	// Cancelling a settled future has no effect.
	g := r.Functions.Invoke("Ping", 1)
	if _, err := g.Await(context.Background()); err != nil {
		t.Fatalf("Ping: unexpected error: %v", err)
	}
	if g.Cancel() {
		t.Error("Cancel after fulfilment: got true, want false")
	}
	if st := g.State(); st != tern.Fulfilled {
		t.Errorf("State: got %v, want %v", st, tern.Fulfilled)
	}

	// Cancelling the context of Await cancels the call.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Functions.SetCallback("Hold", func(ctx context.Context, _ []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err = r.Functions.Invoke("Hold").Await(ctx)
	mustCallError(t, err, tern.ErrCancelled)
}

func TestDisconnectRejectsPending(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, id := connect(h, c)

	running := make(chan struct{})
	h.Functions.SetCallback("Hold", func(ctx context.Context, _ []any) (any, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := r.Functions.Invoke("Hold")
	<-running

	if err := h.Disconnect(id); err != nil {
		t.Errorf("Disconnect: unexpected error: %v", err)
	}
	_, err := f.Await(context.Background())
	mustCallError(t, err, tern.ErrDisconnected)
	if err := h.Disconnect(id); !errors.Is(err, tern.ErrDisconnected) {
		t.Errorf("Disconnect again: got %v, want %v", err, tern.ErrDisconnected)
	}
	if err := r.Wait(); err != nil {
		t.Errorf("Remote wait: unexpected error: %v", err)
	}

	// Calls after the connection ends fail without blocking.
	_, err = r.Functions.Invoke("Ping", 1).Await(context.Background())
	mustCallError(t, err, tern.ErrDisconnected)
	if err := r.Events.Send("Report", map[string]any{"score": 1}); !errors.Is(err, tern.ErrDisconnected) {
		t.Errorf("Send after disconnect: got %v, want %v", err, tern.ErrDisconnected)
	}
	if _, err := h.Functions.Invoke(id, "Ask", "x").Await(context.Background()); !errors.Is(err, tern.ErrDisconnected) {
		t.Errorf("Invoke departed peer: got %v, want %v", err, tern.ErrDisconnected)
	}
}

func TestHostInvoke(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, id := connect(h, c)

	r.Functions.SetCallback("Ask", func(ctx context.Context, args []any) (any, error) {
		if _, ok := tern.ContextPeer(ctx); ok {
			return nil, errors.New("remote callback has a peer")
		}
		return strings.ToUpper(args[0].(string)), nil
	})
	got, err := tern.AwaitAs[string](context.Background(), h.Functions.Invoke(id, "Ask", "quiet"))
	if err != nil || got != "QUIET" {
		t.Errorf("Ask(quiet): got %q, %v; want QUIET, nil", got, err)
	}
}

// announcements collects Announce events received by several remotes.
type announcements chan string

func (a announcements) listener(i int) tern.Listener {
	return func(_ context.Context, args []any) { a <- fmt.Sprintf("%d:%s", i, args[0]) }
}

// until collects messages until n "sync" markers arrive, and returns the
// other messages in sorted order. Events on one connection are delivered in
// order, so a marker sent after other events follows them.
func (a announcements) until(t *testing.T, n int) []string {
	t.Helper()
	var got []string
	for n > 0 {
		select {
		case s := <-a:
			if strings.HasSuffix(s, ":sync") {
				n--
			} else {
				got = append(got, s)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out with %d markers outstanding", n)
		}
	}
	slices.Sort(got)
	return got
}

func TestFire(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)

	ann := make(announcements, 64)
	var ids []peers.ID
	for i := range 3 {
		r, id := connect(h, c)
		r.Events.Connect("Announce", ann.listener(i))
		ids = append(ids, id)
	}
	if diff := cmp.Diff(h.Peers(), ids); diff != "" {
		t.Errorf("Peers (-got, +want):\n%s", diff)
	}

	tests := []struct {
		name   string
		target tern.Target
		want   []string
	}{
		{"Broadcast", tern.Broadcast, []string{"0:msg", "1:msg", "2:msg"}},
		{"To", tern.To(ids[1]), []string{"1:msg"}},
		{"ToDuplicate", tern.To(ids[2], ids[0], ids[2]), []string{"0:msg", "2:msg"}},
		{"ToUnknown", tern.To("nonesuch"), nil},
		{"Except", tern.Except(ids[0]), []string{"1:msg", "2:msg"}},
		{"ExceptAll", tern.Except(ids...), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.Events.Fire(tc.target, "Announce", "msg"); err != nil {
				t.Fatalf("Fire: unexpected error: %v", err)
			}
			if err := h.Events.Fire(tern.Broadcast, "Announce", "sync"); err != nil {
				t.Fatalf("Fire sync: unexpected error: %v", err)
			}
			if diff := cmp.Diff(ann.until(t, len(ids)), tc.want); diff != "" {
				t.Errorf("Delivered (-got, +want):\n%s", diff)
			}
		})
	}
}

func TestSendAndListen(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, id := connect(h, c)

	type report struct {
		from  peers.ID
		score float64
	}
	got := make(chan report, 8)
	second := make(chan struct{}, 8)
	h.Events.Connect("Report", func(ctx context.Context, args []any) {
		from, _ := tern.ContextPeer(ctx)
		got <- report{from: from, score: args[0].(map[string]any)["score"].(float64)}
	})
	stop := h.Events.Connect("Report", func(context.Context, []any) { second <- struct{}{} })

	if err := r.Events.Send("Report", map[string]any{"score": 9, "note": "nice"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if rep := <-got; rep.from != id || rep.score != 9 {
		t.Errorf("Report: got %+v, want from %v score 9", rep, id)
	}
	<-second

	stop()
	if err := r.Events.Send("Report", map[string]any{"score": 10}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	<-got
	select {
	case <-second:
		t.Error("Disconnected listener was called")
	default:
	}
}

func TestListenerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	rlog := newReportLog()
	h := newHost(t, c).ReportTo(rlog)
	defer stopHost(t, h)
	r, id := connect(h, c)

	var calls []string
	done := make(chan struct{})
	h.Events.Connect("Report", func(context.Context, []any) {
		calls = append(calls, "first")
		panic("listener failed")
	})
	h.Events.Connect("Report", func(context.Context, []any) {
		calls = append(calls, "second")
		close(done)
	})

	if err := r.Events.Send("Report", map[string]any{"score": 1}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	<-done
	if diff := cmp.Diff(calls, []string{"first", "second"}); diff != "" {
		t.Errorf("Listener calls (-got, +want):\n%s", diff)
	}
	rep := rlog.await(t, func(rep tern.Report) bool { return rep.Severity == tern.SeverityError })
	if rep.Channel != "Report" || rep.Peer != id || rep.Err == nil {
		t.Errorf("Panic report: got %+v", rep)
	}
}

// rawPeer attaches a bare wire endpoint to h, bypassing the outbound checks
// of a Remote.
func rawPeer(h *tern.Host) *wire.Endpoint {
	a, b := channel.Direct()
	ep := wire.NewEndpoint().Start(a)
	h.Attach(b)
	return ep
}

func TestInboundValidation(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	rlog := newReportLog()
	h := newHost(t, c).ReportTo(rlog)
	defer stopHost(t, h)
	raw := rawPeer(h)

	var pinged bool
	h.Functions.SetCallback("Ping", func(_ context.Context, args []any) (any, error) {
		pinged = true
		return args[0], nil
	})
	scores := make(chan float64, 4)
	h.Events.Connect("Report", func(_ context.Context, args []any) {
		scores <- args[0].(map[string]any)["score"].(float64)
	})

	t.Run("Call", func(t *testing.T) {
		data, err := codec.Marshal([]any{"x"})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		_, err = raw.Call(context.Background(), "Ping", data)
		var ce *wire.CallError
		if !errors.As(err, &ce) || ce.ResultCode() != wire.CodeInvalidArgs {
			t.Fatalf("Call Ping(x): got %v, want %v", err, wire.CodeInvalidArgs)
		}
		if pinged {
			t.Error("Callback was called with invalid arguments")
		}
		rep := rlog.await(t, isValidation)
		var vf *tern.ValidationFailure
		errors.As(rep.Err, &vf)
		if vf.Channel != "Ping" || vf.Mismatch.Path != "args[0]" {
			t.Errorf("Validation failure: got %v", vf)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := raw.Call(context.Background(), "Ping", []byte("\xff\xff"))
		var ce *wire.CallError
		if !errors.As(err, &ce) || ce.ResultCode() != wire.CodeInvalidArgs {
			t.Fatalf("Call Ping(garbage): got %v, want %v", err, wire.CodeInvalidArgs)
		}
		rlog.await(t, isValidation)
	})

	t.Run("Event", func(t *testing.T) {
		bad, _ := codec.Marshal([]any{map[string]any{"note": "no score"}})
		good, _ := codec.Marshal([]any{map[string]any{"score": 3}})
		if err := raw.Notify("Report", bad); err != nil {
			t.Fatalf("Notify bad: %v", err)
		}
		if err := raw.Notify("Report", good); err != nil {
			t.Fatalf("Notify good: %v", err)
		}
		// The listener sees only the valid event.
		if got := <-scores; got != 3 {
			t.Errorf("Listener got score %v, want 3", got)
		}
		rep := rlog.await(t, isValidation)
		var vf *tern.ValidationFailure
		errors.As(rep.Err, &vf)
		if vf.Mismatch.Path != "args[0].score" {
			t.Errorf("Validation failure: got path %q, want args[0].score", vf.Mismatch.Path)
		}
	})

	t.Run("UnknownEvent", func(t *testing.T) {
		if err := raw.Notify("Nonesuch", nil); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		rlog.await(t, func(rep tern.Report) bool {
			return rep.Channel == "Nonesuch" && errors.Is(rep.Err, contract.ErrUnknownChannel)
		})
	})
}

func TestVerify(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)

	r, _ := connect(h, c)
	if err := r.Verify(context.Background()); err != nil {
		t.Errorf("Verify: unexpected error: %v", err)
	}

	// A remote built from an equivalent registration matches.
	same := contract.New().MustRegister("Game", gameSigs()...).Seal().MustOpen("Game")
	r2, _ := connect(h, same)
	if err := r2.Verify(context.Background()); err != nil {
		t.Errorf("Verify equivalent: unexpected error: %v", err)
	}

	other := contract.New().MustRegister("Game", append(gameSigs(),
		contract.NewEvent("Extra", contract.ToHost))...).Seal().MustOpen("Game")
	r3, _ := connect(h, other)
	err := r3.Verify(context.Background())
	mustCallError(t, err, tern.ErrContractMismatch)
}

func TestPeerLifecycle(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)

	joined := make(chan peers.ID, 4)
	left := make(chan peers.ID, 4)
	h.OnConnect(func(id peers.ID) { joined <- id }).
		OnDisconnect(func(id peers.ID) { left <- id })

	r1, id1 := connect(h, c)
	_, id2 := connect(h, c)
	if a, b := <-joined, <-joined; a != id1 || b != id2 {
		t.Errorf("Joined: got %v, %v; want %v, %v", a, b, id1, id2)
	}
	if id1 == id2 {
		t.Errorf("Peer IDs are not unique: %v", id1)
	}

	// A callback sees the ID of the peer that called it.
	h.Functions.SetCallback("Echo", func(ctx context.Context, _ []any) (any, error) {
		id, _ := tern.ContextPeer(ctx)
		return string(id), nil
	})
	got, err := tern.AwaitAs[string](context.Background(), r1.Functions.Invoke("Echo"))
	if err != nil || peers.ID(got) != id1 {
		t.Errorf("Echo peer: got %q, %v; want %v", got, err, id1)
	}

	if err := r1.Stop(); err != nil {
		t.Errorf("Remote stop: unexpected error: %v", err)
	}
	if id := <-left; id != id1 {
		t.Errorf("Left: got %v, want %v", id, id1)
	}
	if diff := cmp.Diff(h.Peers(), []peers.ID{id2}); diff != "" {
		t.Errorf("Peers (-got, +want):\n%s", diff)
	}
}

func TestConnectOrder(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)

	events := make(chan string, 4)
	h.OnConnect(func(id peers.ID) {
		time.Sleep(10 * time.Millisecond) // let the peer exit meanwhile
		events <- "connect"
	}).OnDisconnect(func(id peers.ID) { events <- "disconnect" })

	// A peer whose channel is already closed exits as soon as it starts.
	a, b := channel.Direct()
	a.Close()
	h.Attach(b)

	var got []string
	for range 2 {
		select {
		case s := <-events:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out after %v", got)
		}
	}
	if diff := cmp.Diff(got, []string{"connect", "disconnect"}); diff != "" {
		t.Errorf("Callbacks (-got, +want):\n%s", diff)
	}
	if n := len(h.Peers()); n != 0 {
		t.Errorf("Got %d peers, want 0", n)
	}
}

func TestListenerAwaits(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	h := newHost(t, c)
	defer stopHost(t, h)
	r, id := connect(h, c)
	r.Functions.SetCallback("Ask", func(_ context.Context, args []any) (any, error) {
		return "re: " + args[0].(string), nil
	})

	got := make(chan string, 4)
	next := func() string {
		t.Helper()
		select {
		case s := <-got:
			return s
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for a listener")
			return ""
		}
	}

	// A remote listener waits for a call to the host, then for a channel the
	// host has not yet created.
	r.Events.Connect("Announce", func(ctx context.Context, args []any) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		v, err := r.Functions.Invoke("Ping", 41).Await(ctx)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- fmt.Sprint(v)
		rc, err := r.Dynamic.Ensure(ctx, "room", args[0].(string))
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- rc.Name
	})

	// A host listener waits for a call to the peer that sent the event.
	h.Events.Connect("Report", func(ctx context.Context, _ []any) {
		from, _ := tern.ContextPeer(ctx)
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		v, err := h.Functions.Invoke(from, "Ask", "score").Await(ctx)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- v.(string)
	})

	if err := h.Events.Fire(tern.To(id), "Announce", "den"); err != nil {
		t.Fatalf("Fire: unexpected error: %v", err)
	}
	if s := next(); s != "42" {
		t.Fatalf("Remote listener: got %q, want 42", s)
	}
	if _, err := h.Dynamic.Ensure("room", "den"); err != nil {
		t.Fatalf("Ensure: unexpected error: %v", err)
	}
	if s := next(); s != "den" {
		t.Errorf("Remote listener: got %q, want den", s)
	}

	if err := r.Events.Send("Report", map[string]any{"score": 1}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if s := next(); s != "re: score" {
		t.Errorf("Host listener: got %q, want %q", s, "re: score")
	}
}

func TestDynamic(t *testing.T) {
	defer leaktest.Check(t)()

	c := gameContract()
	rlog := newReportLog()
	h := newHost(t, c).ReportTo(rlog)
	defer stopHost(t, h)
	r, id := connect(h, c)

	ctx := context.Background()
	text := shape.Compile(shape.String())

	hc, err := h.Dynamic.Ensure("room", "lobby")
	if err != nil {
		t.Fatalf("Ensure: unexpected error: %v", err)
	}
	if _, err := h.Dynamic.Ensure("room", "lobby"); !errors.Is(err, tern.ErrDuplicateChannel) {
		t.Errorf("Ensure duplicate: got %v, want %v", err, tern.ErrDuplicateChannel)
	}
	if got, ok := h.Dynamic.Lookup("room", "lobby"); !ok || got != hc {
		t.Errorf("Lookup: got %v, %v; want %v, true", got, ok, hc)
	}
	for _, bad := range [][2]string{{"", "x"}, {"x", ""}, {"a/b", "c"}} {
		if _, err := h.Dynamic.Ensure(bad[0], bad[1]); !errors.Is(err, tern.ErrInvalidArgument) {
			t.Errorf("Ensure(%q, %q): got %v, want %v", bad[0], bad[1], err, tern.ErrInvalidArgument)
		}
	}

	rc, err := r.Dynamic.Ensure(ctx, "room", "lobby")
	if err != nil {
		t.Fatalf("Remote Ensure: unexpected error: %v", err)
	}

	t.Run("HostToRemote", func(t *testing.T) {
		got := make(chan string, 1)
		stop := rc.Connect(text, func(_ context.Context, args []any) { got <- args[0].(string) })
		defer stop()
		if err := hc.Fire(tern.To(id), text, "hello"); err != nil {
			t.Fatalf("Fire: unexpected error: %v", err)
		}
		if s := <-got; s != "hello" {
			t.Errorf("Received %q, want hello", s)
		}
		if err := hc.Fire(tern.Broadcast, text, 5); !errors.Is(err, tern.ErrInvalidArgument) {
			t.Errorf("Fire(5): got %v, want %v", err, tern.ErrInvalidArgument)
		}
	})

	t.Run("RemoteToHost", func(t *testing.T) {
		got := make(chan peers.ID, 1)
		stop := hc.Connect(text, func(ctx context.Context, _ []any) {
			from, _ := tern.ContextPeer(ctx)
			got <- from
		})
		defer stop()
		if err := rc.Send(text, "up"); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		if from := <-got; from != id {
			t.Errorf("Sender: got %v, want %v", from, id)
		}
		if err := rc.Send(text); !errors.Is(err, tern.ErrInvalidArgument) {
			t.Errorf("Send(): got %v, want %v", err, tern.ErrInvalidArgument)
		}
	})

	t.Run("ListenerGuard", func(t *testing.T) {
		got := make(chan float64, 1)
		stop := hc.Connect(shape.Compile(shape.Number()), func(_ context.Context, args []any) {
			got <- args[0].(float64)
		})
		defer stop()
		if err := rc.Send(text, "not a number"); err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		rep := rlog.await(t, isValidation)
		if rep.Peer != id {
			t.Errorf("Validation report peer: got %v, want %v", rep.Peer, id)
		}
		select {
		case v := <-got:
			t.Errorf("Guarded listener received %v", v)
		default:
		}
	})

	t.Run("Pending", func(t *testing.T) {
		g := taskgroup.New(nil)
		ready := make(chan *tern.RemoteChannel, 1)
		g.Go(func() error {
			rc, err := r.Dynamic.Ensure(ctx, "room", "later")
			ready <- rc
			return err
		})
		if _, err := h.Dynamic.Ensure("room", "later"); err != nil {
			t.Fatalf("Ensure: unexpected error: %v", err)
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("Remote Ensure: unexpected error: %v", err)
		}
		if rc := <-ready; rc.Namespace != "room" || rc.Name != "later" {
			t.Errorf("Remote channel: got %v/%v, want room/later", rc.Namespace, rc.Name)
		}
	})

	t.Run("Replay", func(t *testing.T) {
		late, _ := connect(h, c)
		for _, name := range []string{"lobby", "later"} {
			if _, err := late.Dynamic.Ensure(ctx, "room", name); err != nil {
				t.Errorf("Late Ensure %q: unexpected error: %v", name, err)
			}
		}
	})

	t.Run("Deadline", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if _, err := r.Dynamic.Ensure(tctx, "room", "never"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Ensure never: got %v, want %v", err, context.DeadlineExceeded)
		}
	})
}

func TestServe(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lst, err := channel.Listen(ctx, "localhost:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	c := gameContract()
	h := newHost(t, c)
	g := taskgroup.New(nil)
	g.Go(func() error { return h.Serve(ctx, peers.NetAccepter(lst)) })

	ch, err := channel.Dial(ctx, lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	r := tern.NewRemote(c).ReportTo(newReportLog()).Start(ch)
	if err := r.Verify(ctx); err != nil {
		t.Errorf("Verify: unexpected error: %v", err)
	}
	got, err := tern.AwaitAs[int](ctx, r.Functions.Invoke("Ping", 6))
	if err != nil || got != 7 {
		t.Errorf("Ping(6): got %d, %v; want 7, nil", got, err)
	}

	cancel()
	if err := g.Wait(); err != nil {
		t.Errorf("Serve: unexpected error: %v", err)
	}
	r.Wait()
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	rep := tern.LogReporter(zerolog.New(&buf).Level(zerolog.InfoLevel))

	rep.Report(tern.Report{Severity: tern.SeverityDebug, Detail: "hidden"})
	rep.Report(tern.Report{
		Severity: tern.SeverityWarn,
		Channel:  "Ping",
		Peer:     "p1",
		Detail:   "rejected payload",
		Err:      errors.New("bad"),
	})

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("Debug report was logged: %q", got)
	}
	for _, want := range []string{
		`"level":"warn"`, `"channel":"Ping"`, `"peer":"p1"`, `"error":"bad"`, `"message":"rejected payload"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Log output %q does not contain %s", got, want)
		}
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		sev  tern.Severity
		want string
	}{
		{tern.SeverityDebug, "debug"},
		{tern.SeverityInfo, "info"},
		{tern.SeverityWarn, "warn"},
		{tern.SeverityError, "error"},
	}
	for _, tc := range tests {
		if got := tc.sev.String(); got != tc.want {
			t.Errorf("Severity %d: got %q, want %q", tc.sev, got, tc.want)
		}
	}
}
