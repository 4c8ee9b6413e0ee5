// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// zlibSuffix terminates every flushed message in zlib-stream mode.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// ErrMessageTooLarge is wrapped in a compression DecodeError when limits are exceeded.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

func inflatePayload(data []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// zlibStream inflates one connection-wide zlib stream. Compressed input is
// staged in a bytes.Buffer, which the inflater reads byte-wise without
// read-ahead, so the stream stays consistent between sync flushes.
type zlibStream struct {
	limit   int
	pending []byte       // chunks of the current message awaiting the suffix
	input   bytes.Buffer // flushed input not yet consumed by the inflater
	zr      io.ReadCloser
	dec     *json.Decoder
	broken  error
}

func newZlibStream(limit int) *zlibStream {
	return &zlibStream{limit: limit}
}

func (z *zlibStream) decode(chunk []byte) (*Frame, error) {
	if z.broken != nil {
		return nil, compressionErr(z.broken)
	}
	if size := len(z.pending) + len(chunk); size > z.limit {
		z.pending = nil
		return nil, z.fail(fmt.Errorf("%w: %d buffered bytes", ErrMessageTooLarge, size))
	}
	z.pending = append(z.pending, chunk...)
	if !bytes.HasSuffix(z.pending, zlibSuffix) {
		return nil, nil
	}
	z.input.Write(z.pending)
	z.pending = z.pending[:0]

	if z.zr == nil {
		zr, err := zlib.NewReader(&z.input)
		if err != nil {
			return nil, z.fail(err)
		}
		z.zr = zr
		z.dec = json.NewDecoder(zr)
	}

	var env inboundEnvelope
	if err := z.dec.Decode(&env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// The value was consumed in full; the stream stays usable.
			return nil, malformedErr(err)
		}
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			z.broken = err
			return nil, malformedErr(err)
		}
		return nil, z.fail(err)
	}
	return env.frame()
}

// fail marks the stream unusable; the dictionary cannot be trusted after an error.
func (z *zlibStream) fail(err error) error {
	z.broken = err
	return compressionErr(err)
}

func (z *zlibStream) close() {
	if z.zr != nil {
		_ = z.zr.Close()
	}
	z.zr = nil
	z.dec = nil
	z.pending = nil
	z.input.Reset()
}
