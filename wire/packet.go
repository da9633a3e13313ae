// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/creachadair/tern/packet"
)

// Version is the protocol version written in every packet header.
const Version = 1

// MaxPayload is the largest packet payload, in bytes, accepted by ReadFrom.
const MaxPayload = 16 << 20

// Packet is the parsed format of a wire packet.
//
// The binary encoding is an 8-byte header followed by the payload:
//
//	"TN" <version:1> <type:1> <length:4>
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(8 + len(p.Payload))
	if _, err := p.WriteTo(&buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	hdr := [8]byte{'T', 'N', Version, byte(p.Type)}
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(p.Payload)))
	nw, err := w.Write(hdr[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var hdr [8]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("short packet header: %w", err)
		}
		return int64(nr), err
	}
	if magic := string(hdr[:3]); magic != "TN\x01" {
		return int64(nr), fmt.Errorf("invalid protocol header %q", magic)
	}
	psize := binary.BigEndian.Uint32(hdr[4:])
	if psize > MaxPayload {
		return int64(nr), fmt.Errorf("payload too large (%d > %d bytes)", psize, MaxPayload)
	}

	p.Protocol = hdr[2]
	p.Type = PacketType(hdr[3])
	p.Payload = nil
	if psize > 0 {
		p.Payload = make([]byte, int(psize))
		np, err := io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), nil
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay fmt.Stringer
	switch p.Type {
	case PacketRequest:
		var req Request
		if req.Decode(p.Payload) == nil {
			pay = req
		}
	case PacketCancel:
		var can Cancel
		if can.Decode(p.Payload) == nil {
			pay = can
		}
	case PacketResponse:
		var rsp Response
		if rsp.Decode(p.Payload) == nil {
			pay = rsp
		}
	case PacketEvent:
		var evt Event
		if evt.Decode(p.Payload) == nil {
			pay = evt
		}
	}
	if pay == nil {
		return fmt.Sprintf("Packet(TN%d, %v, %v)", p.Protocol, p.Type, p.Payload)
	}
	return fmt.Sprintf("Packet(TN%d, %v, %v)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure of a packet payload.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // the initial request for a call
	PacketCancel   PacketType = 3 // a cancellation notice for a pending call
	PacketResponse PacketType = 4 // the final response from a call
	PacketEvent    PacketType = 5 // a one-way notification
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	case PacketEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload of a request packet.
type Request struct {
	ID     uint32
	Method string
	Data   []byte
}

// Encode encodes the request in binary format.
func (r Request) Encode() []byte {
	var b packet.Builder
	b.Grow(4 + packet.VLen(len(r.Method)) + len(r.Data))
	b.Uint32(r.ID)
	b.String(r.Method)
	b.Raw(r.Data)
	return b.Data()
}

// Decode decodes data into a request.
func (r *Request) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("request ID: %w", err)
	}
	method, err := validString(s)
	if err != nil {
		return fmt.Errorf("request method: %w", err)
	}
	r.ID, r.Method, r.Data = id, method, s.Rest()
	return nil
}

func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%d, Method=%q, %s)", r.ID, r.Method, dataString(r.Data))
}

// Response is the payload of a response packet.
type Response struct {
	ID   uint32
	Code ResultCode
	Data []byte
}

// Encode encodes the response in binary format.
func (r Response) Encode() []byte {
	var b packet.Builder
	b.Grow(5 + len(r.Data))
	b.Uint32(r.ID)
	b.Byte(byte(r.Code))
	b.Raw(r.Data)
	return b.Data()
}

// Decode decodes data into a response.
func (r *Response) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("response ID: %w", err)
	}
	code, err := s.Byte()
	if err != nil {
		return fmt.Errorf("response code: %w", err)
	} else if ResultCode(code) > maxResultCode {
		return fmt.Errorf("invalid result code %d", code)
	}
	r.ID, r.Code, r.Data = id, ResultCode(code), s.Rest()
	return nil
}

func (r Response) String() string {
	if r.Code != CodeSuccess && len(r.Data) != 0 {
		var ed ErrorData
		if ed.Decode(r.Data) == nil {
			return fmt.Sprintf("Response(ID=%d, Code=%v, Error=%q)", r.ID, r.Code, ed.Message)
		}
	}
	return fmt.Sprintf("Response(ID=%d, Code=%v, %s)", r.ID, r.Code, dataString(r.Data))
}

// ResultCode describes the result status of a completed call.
type ResultCode byte

const (
	CodeSuccess       ResultCode = 0 // call completed successfully
	CodeUnknownMethod ResultCode = 1 // no handler for the requested method
	CodeDuplicateID   ResultCode = 2 // duplicate request ID
	CodeCanceled      ResultCode = 3 // call was canceled
	CodeServiceError  ResultCode = 4 // the handler reported an error
	CodeInvalidArgs   ResultCode = 5 // the request arguments were rejected

	maxResultCode = CodeInvalidArgs
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeInvalidArgs:
		return "INVALID_ARGUMENTS"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload of a cancellation packet.
type Cancel struct {
	ID uint32
}

// Encode encodes the cancellation in binary format.
func (c Cancel) Encode() []byte { return binary.BigEndian.AppendUint32(nil, c.ID) }

// Decode decodes data into a cancellation.
func (c *Cancel) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.ID = binary.BigEndian.Uint32(data)
	return nil
}

func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%d)", c.ID) }

// Event is the payload of an event packet.
type Event struct {
	Name string
	Data []byte
}

// Encode encodes the event in binary format.
func (e Event) Encode() []byte {
	var b packet.Builder
	b.Grow(packet.VLen(len(e.Name)) + len(e.Data))
	b.String(e.Name)
	b.Raw(e.Data)
	return b.Data()
}

// Decode decodes data into an event.
func (e *Event) Decode(data []byte) error {
	s := packet.NewScanner(data)
	name, err := validString(s)
	if err != nil {
		return fmt.Errorf("event name: %w", err)
	}
	e.Name, e.Data = name, s.Rest()
	return nil
}

func (e Event) String() string { return fmt.Sprintf("Event(%q, %s)", e.Name, dataString(e.Data)) }

// ErrorData is the response data for an unsuccessful call.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, so that a handler may return an
// ErrorData to control the error code, message and data reported to the
// caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format. Messages longer than
// packet.MaxVint30 bytes are truncated.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, packet.MaxVint30)
	var b packet.Builder
	b.Grow(2 + packet.VLen(len(msg)) + len(e.Data))
	b.Uint16(e.Code)
	b.String(msg)
	b.Raw(e.Data)
	return b.Data()
}

// Decode decodes data into error data. Empty input decodes as empty error
// data.
func (e *ErrorData) Decode(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := packet.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	msg, err := validString(s)
	if err != nil {
		return fmt.Errorf("error message: %w", err)
	}
	e.Code, e.Message, e.Data = code, msg, s.Rest()
	return nil
}

// truncate returns a prefix of s no longer than n bytes that does not end in
// a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n]&0xc0 == 0x80 { // do not split a multibyte encoding
		n--
	}
	return s[:n]
}

func validString(s *packet.Scanner) (string, error) {
	v, err := s.String()
	if err != nil {
		return "", err
	} else if !utf8.ValidString(v) {
		return "", errors.New("invalid UTF-8")
	}
	return v, nil
}

func dataString(data []byte) string {
	if len(data) > 16 {
		return fmt.Sprintf("Data=%v ...", data[:16])
	}
	return fmt.Sprintf("Data=%v", data)
}
