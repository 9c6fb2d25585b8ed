// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package gateway

import (
	"github.com/creachadair/muscle"
)

// maxRetainedBuffer is the largest frame buffer a Decoder keeps between
// frames. A larger buffer grown for a single big frame is released once the
// frame is decoded.
const maxRetainedBuffer = 1 << 20

// A Decoder reassembles frames from a stream of bytes delivered in chunks of
// arbitrary size, such as the results of successive reads from a socket.
//
// A Decoder is not safe for concurrent use without external
// synchronization.
type Decoder struct {
	codec *Codec
	buf   []byte // the current partial frame
	recv  []*muscle.Message
	err   error // if non-nil, the decoder has failed
}

// NewDecoder constructs a Decoder that decodes frames using c.
func NewDecoder(c *Codec) *Decoder { return &Decoder{codec: c} }

// Decode consumes a chunk of input from the stream. Each frame completed by
// chunk is decoded and added to the list of received messages, in order.
// A single chunk may complete zero, one, or many frames; any incomplete
// suffix is retained for the next call.
//
// An error from Decode is fatal to the stream: it is reported again by every
// later call. The messages received before the error remain available.
func (d *Decoder) Decode(chunk []byte) error {
	if d.err != nil {
		return d.err
	}
	for {
		if len(d.buf) < HeaderSize {
			n := min(HeaderSize-len(d.buf), len(chunk))
			d.buf = append(d.buf, chunk[:n]...)
			chunk = chunk[n:]
			if len(d.buf) < HeaderSize {
				return nil // wait for more
			}
		}

		// Check the size before growing the buffer, so that a hostile header
		// cannot force a large allocation.
		size, _, err := d.codec.parseHeader(d.buf[:HeaderSize])
		if err != nil {
			d.err = err
			return err
		}
		total := HeaderSize + size
		if cap(d.buf) < total {
			nb := make([]byte, len(d.buf), total)
			copy(nb, d.buf)
			d.buf = nb
		}
		n := min(total-len(d.buf), len(chunk))
		d.buf = append(d.buf, chunk[:n]...)
		chunk = chunk[n:]
		if len(d.buf) < total {
			return nil // wait for more
		}

		m, _, err := d.codec.Unflatten(d.buf)
		if err != nil {
			d.err = err
			return err
		}
		d.recv = append(d.recv, m)
		if cap(d.buf) > maxRetainedBuffer {
			d.buf = nil
		} else {
			d.buf = d.buf[:0]
		}
	}
}

// Received reports the messages decoded since the last call to Take.
// The caller must not modify the returned slice.
func (d *Decoder) Received() []*muscle.Message { return d.recv }

// Take returns the messages decoded since the last call to Take, and clears
// the received list.
func (d *Decoder) Take() []*muscle.Message {
	out := d.recv
	d.recv = nil
	return out
}

// Buffered reports the number of bytes of an incomplete frame currently held
// by d.
func (d *Decoder) Buffered() int { return len(d.buf) }
