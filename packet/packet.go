// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet provides helpers to encode and decode the fields of wire
// packets.
//
// A [Builder] appends fields to a buffer and a [Scanner] consumes them in the
// same order. Integers are encoded big-endian, and variable-length strings
// carry a [Vint30] length prefix.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates the encoded fields of a packet. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Byte appends a single byte to b.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Bool appends a Boolean to b, encoded as a single byte 0 or 1.
func (b *Builder) Bool(ok bool) { b.Byte(value.Cond[byte](ok, 1, 0)) }

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends v to b as a [Vint30]. It panics if v is out of range.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// String appends s to b with a [Vint30] length prefix.
func (b *Builder) String(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// Raw appends data to b without framing. Raw data can only be recovered by a
// scanner that knows its length, typically because it is last.
func (b *Builder) Raw(data []byte) { b.buf = append(b.buf, data...) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Data reports the current contents of the buffer. The builder retains
// ownership of the slice, so the caller must not modify it unless b will not
// be used again.
func (b *Builder) Data() []byte { return b.buf }

// Reset discards the contents of b.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that at least n more bytes can be appended to b without a
// further allocation.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner consumes encoded fields from the contents of a packet.  Methods
// report [io.ErrUnexpectedEOF] if the input ends in the middle of a value.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that reads from input. The scanner
// retains slices of input, which the caller must not modify while the scanner
// or any value it returned is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.offset += n
	return out, nil
}

// Byte scans a single byte.
func (s *Scanner) Byte() (byte, error) {
	v, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Bool scans a single byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	v, err := s.Byte()
	return v != 0, err
}

// Uint16 scans a big-endian uint16.
func (s *Scanner) Uint16() (uint16, error) {
	v, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

// Uint32 scans a big-endian uint32.
func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// Vint30 scans a single [Vint30] value. It reports [io.EOF] if no input
// remains.
func (s *Scanner) Vint30() (uint32, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	v, err := s.take(int(s.rest[0]%4) + 1)
	if err != nil {
		return 0, err
	}
	var w uint32
	for i := len(v) - 1; i >= 0; i-- {
		w = w<<8 | uint32(v[i])
	}
	return w >> 2, nil
}

// String scans a string with a [Vint30] length prefix.
func (s *Scanner) String() (string, error) {
	n, err := s.Vint30()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return "", err
	}
	v, err := s.take(int(n))
	return string(v), err
}

// Rest consumes and returns all the remaining input, or nil if none remains.
// The result aliases the input.
func (s *Scanner) Rest() []byte {
	if len(s.rest) == 0 {
		return nil
	}
	out := s.rest
	s.offset += len(out)
	s.rest = nil
	return out
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte.
func (s *Scanner) Offset() int { return s.offset }

// VLen reports the encoded size of a length-prefixed n-byte string.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a variable-width encoding of 1 to
// 4 bytes. The value is stored little-endian, shifted left two bits, and the
// low-order two bits of the first byte hold the number of additional bytes.
// This makes the encoding self-framing.
//
//   - v < 64 encodes as 1 byte
//   - v < 16384 encodes as 2 bytes
//   - v < 4194304 encodes as 3 bytes
//   - v < 1073741824 encodes as 4 bytes
type Vint30 uint32

// MaxVint30 is the largest value representable by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes needed to encode v, or -1 if v is out of
// range.
func (v Vint30) Size() int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<22:
		return 3
	case v < 1<<30:
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf and returns the updated slice. It
// panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
