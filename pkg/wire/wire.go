// SPDX-License-Identifier: Apache-2.0

// Package wire is the concrete request/response wire format: a
// polyglot.Buffer-encoded pair plus a length-prefixed framer, built the
// way the teacher repo's pkg/rpc/types.go builds its own Request/
// Response pair.
package wire

import (
	"errors"
	"unsafe"

	"github.com/google/uuid"
	"github.com/loopholelabs/polyglot/v2"

	"github.com/loopholelabs/relay/pkg/relay"
)

// ErrDecode wraps every decode failure, exactly as the teacher's
// DecodeErr does.
var ErrDecode = errors.New("wire: unable to decode buffer")

const uuidSize = unsafe.Sizeof(uuid.UUID{})

// Request is the decoded form pkg/relay.Server.ProcessMessage consumes.
// ID is carried for diagnostics/logging only: response correlation
// stays strictly FIFO, never keyed by ID.
type Request struct {
	ID   uuid.UUID
	Type uint32
	Data []byte
}

// Encode writes r into buf using the teacher's Bytes/Uint32/Bytes
// encoding order.
func (r *Request) Encode(buf *polyglot.Buffer) {
	idBytes := r.ID[:]
	if r.Data == nil {
		polyglot.Encoder(buf).Bytes(idBytes).Uint32(r.Type).Nil()
	} else {
		polyglot.Encoder(buf).Bytes(idBytes).Uint32(r.Type).Bytes(r.Data)
	}
}

// Decode populates r from buf, matching Encode's field order.
func (r *Request) Decode(buf []byte) error {
	d := polyglot.Decoder(buf)
	idBytes := make([]byte, 0, uuidSize)
	idBytes, err := d.Bytes(idBytes)
	if err != nil {
		return errors.Join(ErrDecode, err)
	}
	copy(r.ID[:], idBytes)
	r.Type, err = d.Uint32()
	if err != nil {
		return errors.Join(ErrDecode, err)
	}
	if d.Nil() {
		r.Data = nil
		return nil
	}
	r.Data, err = d.Bytes(r.Data)
	if err != nil {
		return errors.Join(ErrDecode, err)
	}
	return nil
}

// Response is the decoded form pkg/relay.Client.ProcessResponse
// consumes, and the encoded form pkg/relay.Server writes.
type Response struct {
	ID    uuid.UUID
	Error error
	Data  []byte
}

// Encode writes r into buf. A non-nil Error takes precedence over Data,
// exactly as the teacher's Response.Encode does. The non-error case
// always writes a Nil-or-Bytes pair for Data (never just the bare Nil
// "no error" marker on its own), so Decode can tell "no error, no
// data" apart from "no error, data follows" the same way Request's
// Nil-or-Bytes Data field already does.
func (r *Response) Encode(buf *polyglot.Buffer) {
	idBytes := r.ID[:]
	if r.Error != nil {
		polyglot.Encoder(buf).Bytes(idBytes).Error(r.Error)
		return
	}
	if r.Data == nil {
		polyglot.Encoder(buf).Bytes(idBytes).Nil().Nil()
		return
	}
	polyglot.Encoder(buf).Bytes(idBytes).Nil().Bytes(r.Data)
}

// Decode populates r from buf, matching Encode's field order.
func (r *Response) Decode(buf []byte) error {
	d := polyglot.Decoder(buf)
	idBytes := make([]byte, 0, uuidSize)
	idBytes, err := d.Bytes(idBytes)
	if err != nil {
		return errors.Join(ErrDecode, err)
	}
	copy(r.ID[:], idBytes)

	r.Error, err = d.Error()
	if err == nil {
		r.Data = nil
		return nil
	}
	if !d.Nil() {
		return ErrDecode
	}
	r.Error = nil
	if d.Nil() {
		r.Data = nil
		return nil
	}
	r.Data, err = d.Bytes(r.Data)
	if err != nil {
		return errors.Join(ErrDecode, err)
	}
	return nil
}

// ServerCodec is the relay.Codec[Response, Request] a relay.Server's
// IOController encodes outgoing Responses and decodes incoming
// Requests through.
type ServerCodec struct {
	buf *polyglot.Buffer
}

// NewServerCodec returns a ServerCodec with its own pooled encode
// buffer.
func NewServerCodec() *ServerCodec {
	return &ServerCodec{buf: polyglot.GetBuffer()}
}

func (c *ServerCodec) Encode(resp Response) ([]byte, error) {
	c.buf.Reset()
	resp.Encode(c.buf)
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

func (c *ServerCodec) Decode(b []byte) (Request, error) {
	var req Request
	if err := req.Decode(b); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (c *ServerCodec) Reset() { c.buf.Reset() }

var _ relay.Codec[Response, Request] = (*ServerCodec)(nil)

// ClientCodec is the relay.Codec[Request, Response] a relay.Client's
// IOController encodes outgoing Requests and decodes incoming
// Responses through.
type ClientCodec struct {
	buf *polyglot.Buffer
}

// NewClientCodec returns a ClientCodec with its own pooled encode
// buffer.
func NewClientCodec() *ClientCodec {
	return &ClientCodec{buf: polyglot.GetBuffer()}
}

func (c *ClientCodec) Encode(req Request) ([]byte, error) {
	c.buf.Reset()
	req.Encode(c.buf)
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

func (c *ClientCodec) Decode(b []byte) (Response, error) {
	var resp Response
	if err := resp.Decode(b); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *ClientCodec) Reset() { c.buf.Reset() }

var _ relay.Codec[Request, Response] = (*ClientCodec)(nil)
