// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package codec implements the gateway wire envelope: opcode, optional sequence,
// optional event name and payload, with optional transport compression.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageKind is the transport message type a frame arrived in.
type MessageKind int

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

// Compression is the negotiated transport compression mode.
type Compression string

const (
	CompressionNone       Compression = ""
	CompressionPayload    Compression = "payload"     // each binary message is one zlib stream
	CompressionZlibStream Compression = "zlib-stream" // one zlib context per connection
)

// ParseCompression validates a configured compression mode.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, "none":
		return CompressionNone, nil
	case CompressionPayload, CompressionZlibStream:
		return Compression(s), nil
	}
	return "", fmt.Errorf("unknown compression mode %q", s)
}

// DefaultMaxMessageSize bounds both buffered compressed chunks and inflated payloads.
const DefaultMaxMessageSize = 16 << 20

// ErrEncode wraps every encoding failure.
var ErrEncode = errors.New("encode frame")

// DecodeErrorKind distinguishes decompression from structural failures.
type DecodeErrorKind int

const (
	KindCompression DecodeErrorKind = iota + 1
	KindMalformed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case KindCompression:
		return "compression"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decoder.Decode.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	return "decode frame: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func compressionErr(err error) error { return &DecodeError{Kind: KindCompression, Err: err} }
func malformedErr(err error) error { return &DecodeError{Kind: KindMalformed, Err: err} }

// Frame is one decoded inbound frame.
type Frame struct {
	Op     Opcode
	Seq    uint64 // valid iff HasSeq
	HasSeq bool   // true exactly for dispatch frames
	Type   string // event name, dispatch only
	Data   json.RawMessage
}

// IsDispatch reports whether the frame carries an application event.
func (f *Frame) IsDispatch() bool { return f.Op == OpDispatch }

// Unmarshal decodes the payload into v.
func (f *Frame) Unmarshal(v any) error {
	if len(f.Data) == 0 {
		return malformedErr(fmt.Errorf("%s frame has no payload", f.Op))
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return malformedErr(fmt.Errorf("%s payload: %w", f.Op, err))
	}
	return nil
}

type inboundEnvelope struct {
	Op   *Opcode         `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *uint64         `json:"s"`
	Type *string         `json:"t"`
}

type outboundEnvelope struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Decoder turns transport messages into frames. It is not safe for concurrent use;
// the shard loop owns one per connection.
type Decoder struct {
	mode    Compression
	maxSize int
	stream  *zlibStream
}

// NewDecoder creates a decoder for the given compression mode.
func NewDecoder(mode Compression) *Decoder {
	return &Decoder{mode: mode, maxSize: DefaultMaxMessageSize}
}

// SetMaxMessageSize overrides DefaultMaxMessageSize.
func (d *Decoder) SetMaxMessageSize(n int) {
	if n > 0 {
		d.maxSize = n
	}
}

// Mode returns the compression mode.
func (d *Decoder) Mode() Compression { return d.mode }

// Reset discards the decompression context. It must be called for every new
// transport connection, since each connection carries an independent stream.
func (d *Decoder) Reset() {
	if d.stream != nil {
		d.stream.close()
		d.stream = nil
	}
}

// Decode parses one transport message. In zlib-stream mode a message that does
// not end a flush yields (nil, nil) until the remaining chunks arrive.
func (d *Decoder) Decode(kind MessageKind, data []byte) (*Frame, error) {
	if kind == BinaryMessage {
		switch d.mode {
		case CompressionZlibStream:
			if d.stream == nil {
				d.stream = newZlibStream(d.maxSize)
			}
			return d.stream.decode(data)
		default:
			inflated, err := inflatePayload(data, d.maxSize)
			if err != nil {
				return nil, compressionErr(err)
			}
			data = inflated
		}
	}
	return parseEnvelope(data)
}

func parseEnvelope(data []byte) (*Frame, error) {
	var env inboundEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return nil, malformedErr(err)
	}
	return env.frame()
}

func (env *inboundEnvelope) frame() (*Frame, error) {
	if env.Op == nil {
		return nil, malformedErr(errors.New("missing op"))
	}
	op := *env.Op
	if !op.Valid() {
		return nil, malformedErr(fmt.Errorf("unknown opcode %d", int(op)))
	}
	f := &Frame{Op: op, Data: env.Data}
	if string(f.Data) == "null" {
		f.Data = nil
	}
	if op == OpDispatch {
		if env.Seq == nil {
			return nil, malformedErr(errors.New("dispatch without sequence"))
		}
		if env.Type == nil || *env.Type == "" {
			return nil, malformedErr(errors.New("dispatch without event name"))
		}
		f.Seq = *env.Seq
		f.HasSeq = true
		f.Type = *env.Type
	}
	return f, nil
}

// Encode serialises a command into a text message.
func Encode(cmd Command) ([]byte, error) {
	if !cmd.Op.Valid() || (cmd.Op.Inbound() && cmd.Op != OpHeartbeat) {
		return nil, fmt.Errorf("%w: opcode %s is not sendable", ErrEncode, cmd.Op)
	}
	b, err := json.Marshal(outboundEnvelope{Op: cmd.Op, Data: cmd.Data})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, cmd.Op, err)
	}
	return b, nil
}
