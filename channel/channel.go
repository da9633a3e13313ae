// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the wire.Channel interface.
package channel

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/tern/wire"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
//
// Closing either channel ends its outbound direction only: the peer's Recv
// reports net.ErrClosed, but the peer may still send until it closes too.
func Direct() (A, B wire.Channel) {
	a2b, b2a := newPipe(), newPipe()
	return direct{out: a2b, in: b2a}, direct{out: b2a, in: a2b}
}

// A pipe carries packets in one direction until it is closed.
type pipe struct {
	pkts   chan *wire.Packet
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipe {
	return &pipe{pkts: make(chan *wire.Packet), closed: make(chan struct{})}
}

type direct struct{ out, in *pipe }

// Send implements a method of the [wire.Channel] interface.
func (d direct) Send(pkt *wire.Packet) error {
	select {
	case <-d.out.closed:
		return net.ErrClosed
	default:
	}
	select {
	case d.out.pkts <- pkt:
		return nil
	case <-d.out.closed:
		return net.ErrClosed
	}
}

// Recv implements a method of the [wire.Channel] interface.
func (d direct) Recv() (*wire.Packet, error) {
	select {
	case pkt := <-d.in.pkts:
		return pkt, nil
	case <-d.in.closed:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [wire.Channel] interface. Closing a
// channel more than once reports net.ErrClosed.
func (d direct) Close() error {
	err := net.ErrClosed
	d.out.once.Do(func() { close(d.out.closed); err = nil })
	return err
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	return &IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer. Packets
// are written whole, so Send is safe for concurrent use.
type IOChannel struct {
	r *bufio.Reader

	μ sync.Mutex
	w *bufio.Writer

	c    io.Closer
	once sync.Once
	cerr error
}

// Send implements a method of the [wire.Channel] interface.
func (c *IOChannel) Send(pkt *wire.Packet) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [wire.Channel] interface.
func (c *IOChannel) Recv() (*wire.Packet, error) {
	var pkt wire.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [wire.Channel] interface. The underlying
// writer is closed once, and later calls report the same result.
func (c *IOChannel) Close() error {
	c.once.Do(func() { c.cerr = c.c.Close() })
	return c.cerr
}

// Dial connects to the service at addr and returns a channel for the
// connection. The network type is chosen by SplitAddress.
func Dial(ctx context.Context, addr string) (*IOChannel, error) {
	network, address := SplitAddress(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}

// Listen opens a listener on addr. The network type is chosen by
// SplitAddress.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	network, address := SplitAddress(addr)
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file.
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
