// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package gateway

import (
	"bytes"
	"errors"

	"github.com/creachadair/muscle"
)

// ErrEncoderFull is reported by [Encoder.Encode] when a frame for the message
// might not fit in the remaining space of the encoder buffer. The caller
// should drain the encoder and try again.
var ErrEncoderFull = errors.New("encoder buffer is full")

// An Encoder packs frames into an output buffer of fixed capacity.
//
// An Encoder is not safe for concurrent use without external
// synchronization.
type Encoder struct {
	codec *Codec
	buf   []byte
}

// NewEncoder constructs an Encoder that encodes frames using c into a buffer
// of the given capacity in bytes.
func NewEncoder(c *Codec, capacity int) *Encoder {
	return &Encoder{codec: c, buf: make([]byte, 0, capacity)}
}

// Encode appends a frame for m to the buffer. If the frame might not fit in
// the space remaining, Encode reports [ErrEncoderFull] and leaves the buffer
// unmodified.
func (e *Encoder) Encode(m *muscle.Message) error {
	out, ok, err := e.codec.appendFrameWithin(e.buf, m, e.Available())
	if err != nil {
		return err
	} else if !ok {
		rootMetrics.encoderRejected.Add(1)
		return ErrEncoderFull
	}
	e.buf = out
	return nil
}

// Drain returns a copy of the frames encoded since the last call to Drain,
// and resets the buffer to empty.
func (e *Encoder) Drain() []byte {
	out := bytes.Clone(e.buf)
	e.buf = e.buf[:0]
	return out
}

// Len reports the number of encoded bytes currently in the buffer.
func (e *Encoder) Len() int { return len(e.buf) }

// Available reports the number of bytes of capacity remaining in the buffer.
func (e *Encoder) Available() int { return cap(e.buf) - len(e.buf) }
