// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package gateway frames flattened messages onto a byte stream.
//
// Each frame begins with an 8-byte little-endian header giving the length of
// the frame body and an encoding tag:
//
//	int32 bodyLength
//	int32 encoding
//
// For [EncodingDefault], the body is a flattened [muscle.Message]. For one of
// the compressed encodings [EncodingZlib1] through [EncodingZlib9], the body
// is a compression mode, the uncompressed size of the message, and a segment
// of a zlib stream:
//
//	int32 mode      // 'zlic' (independent) or 'zlib' (dependent)
//	int32 origLength
//	byte  payload[bodyLength-8]
//
// An independent frame starts a new zlib stream. A dependent frame continues
// the stream of the frames before it on the same connection, so a receiver
// must decode every frame of a connection, in order, with the same [Codec].
//
// A [Codec] converts between messages and frames. A [Decoder] extracts
// messages from a stream delivered in arbitrary chunks, and an [Encoder]
// packs frames into a bounded output buffer.
package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/creachadair/muscle"
)

// HeaderSize is the size in bytes of a frame header.
const HeaderSize = 8

// Encoding tags for frame headers.
const (
	EncodingDefault uint32 = 1164862256 + iota // 'Enc0': uncompressed
	EncodingZlib1                              // zlib, level 1 (fastest)
	EncodingZlib2
	EncodingZlib3
	EncodingZlib4
	EncodingZlib5
	EncodingZlib6
	EncodingZlib7
	EncodingZlib8
	EncodingZlib9 // zlib, level 9 (smallest)
)

// Compression modes for compressed frame bodies.
const (
	modeIndependent uint32 = 2053925219 // 'zlic'
	modeDependent   uint32 = 2053925218 // 'zlib'
)

const (
	// minCompressSize is the smallest message body that will be compressed.
	// Smaller bodies are always sent with EncodingDefault.
	minCompressSize = 32

	// zlibHeaderSize is the size of the mode and length words that precede
	// the payload of a compressed frame body.
	zlibHeaderSize = 8
)

var (
	// ErrInsufficientData is reported by [Codec.Unflatten] when the input
	// does not yet contain a complete frame. It is not fatal: the caller
	// should retry when more data are available.
	ErrInsufficientData = errors.New("insufficient data for frame")

	// ErrUnsupportedEncoding is reported when setting an outgoing encoding
	// that is not one of the defined encoding tags.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// SizeLimitError is reported when a frame declares a message larger than the
// configured maximum incoming message size.
type SizeLimitError struct {
	Size  int // the declared size
	Limit int // the configured limit
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("message size %d exceeds limit %d", e.Size, e.Limit)
}

// ValidEncoding reports whether enc is a defined encoding tag.
func ValidEncoding(enc uint32) bool { return enc >= EncodingDefault && enc <= EncodingZlib9 }

// EncodingLevel reports the zlib compression level of enc, or 0 if enc does
// not denote a compressed encoding.
func EncodingLevel(enc uint32) int {
	if enc > EncodingDefault && enc <= EncodingZlib9 {
		return int(enc - EncodingDefault)
	}
	return 0
}

// A Codec converts messages to and from frames. A zero Codec is not ready
// for use; use [NewCodec] or [NewCodecFor] to construct one.
//
// A Codec carries compression state. Frames produced by a Codec with a
// compressed encoding must be decoded in the order they were produced by a
// single Codec at the receiver. Outgoing and incoming state are independent,
// so one Codec may serve both directions of a connection concurrently.
type Codec struct {
	μ        sync.Mutex // guards outgoing state and configuration
	encoding uint32
	maxIn    int
	backend  Backend
	scratch  []byte       // flattened bodies awaiting compression
	zout     bytes.Buffer // compressed output of zw
	zw       FlushWriter  // nil until the first compressed frame

	inμ sync.Mutex // guards incoming state
	zin bytes.Buffer
	zr  io.ReadCloser // nil until the first independent frame
}

// NewCodec returns a new Codec with the default encoding, no incoming size
// limit, and the [StdZlib] backend.
func NewCodec() *Codec { return &Codec{encoding: EncodingDefault, backend: StdZlib} }

// NewCodecFor returns a new Codec with the specified outgoing encoding and
// maximum incoming message size (0 means unbounded).
func NewCodecFor(encoding uint32, maxIncoming int) (*Codec, error) {
	c := NewCodec().SetMaxIncomingMessageSize(maxIncoming)
	if err := c.SetOutgoingEncoding(encoding); err != nil {
		return nil, err
	}
	return c, nil
}

// SetOutgoingEncoding sets the encoding for frames produced by c. It reports
// [ErrUnsupportedEncoding] if enc is not a defined encoding tag. Any open
// compression context is discarded, so the next compressed frame will be
// independent.
func (c *Codec) SetOutgoingEncoding(enc uint32) error {
	if !ValidEncoding(enc) {
		return fmt.Errorf("encoding %d: %w", enc, ErrUnsupportedEncoding)
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.encoding = enc
	c.resetOutLocked()
	return nil
}

// OutgoingEncoding reports the current outgoing encoding of c.
func (c *Codec) OutgoingEncoding() uint32 {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.encoding
}

// SetMaxIncomingMessageSize sets the largest message body c will accept from
// an incoming frame. A value of 0 or less means unbounded. It returns c to
// permit chaining.
func (c *Codec) SetMaxIncomingMessageSize(n int) *Codec {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.maxIn = max(n, 0)
	return c
}

// MaxIncomingMessageSize reports the current incoming size limit of c.
// A value of 0 means unbounded.
func (c *Codec) MaxIncomingMessageSize() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.maxIn
}

// SetBackend sets the compression backend used by c. If b == nil, c uses
// [StdZlib]. Any open compression contexts are discarded. It returns c to
// permit chaining.
func (c *Codec) SetBackend(b Backend) *Codec {
	if b == nil {
		b = StdZlib
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.backend = b
	c.resetOutLocked()

	c.inμ.Lock()
	defer c.inμ.Unlock()
	c.resetInLocked()
	return c
}

func (c *Codec) resetOutLocked() {
	if c.zw != nil {
		c.zw.Close()
		c.zw = nil
	}
	c.zout.Reset()
}

func (c *Codec) resetInLocked() {
	if c.zr != nil {
		c.zr.Close()
		c.zr = nil
	}
	c.zin.Reset()
}

// FrameBound reports an upper bound on the size of the frame c will produce
// for a message whose flattened size is bodySize, including the header.
func (c *Codec) FrameBound(bodySize int) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.frameBoundLocked(bodySize)
}

func (c *Codec) frameBoundLocked(n int) int {
	if c.encoding == EncodingDefault || n < minCompressSize {
		return HeaderSize + n
	}
	// The zlib worst case for incompressible input, plus the stream header
	// and the markers written by a flush.
	return HeaderSize + zlibHeaderSize + n + n>>12 + n>>14 + n>>25 + 32
}

// Flatten returns a complete frame for m, including the header.
func (c *Codec) Flatten(m *muscle.Message) ([]byte, error) { return c.AppendFrame(nil, m) }

// AppendFrame appends a complete frame for m to buf and returns the updated
// slice. If the outgoing encoding is compressed and the flattened message is
// at least 32 bytes, the body is compressed; otherwise it is sent with
// [EncodingDefault].
func (c *Codec) AppendFrame(buf []byte, m *muscle.Message) ([]byte, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.appendFrameLocked(buf, m)
}

// appendFrameWithin appends a frame for m to buf only if the bound on its size
// does not exceed avail, and reports whether it did so.
func (c *Codec) appendFrameWithin(buf []byte, m *muscle.Message, avail int) ([]byte, bool, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.frameBoundLocked(m.FlattenedSize()) > avail {
		return buf, false, nil
	}
	out, err := c.appendFrameLocked(buf, m)
	return out, err == nil, err
}

func (c *Codec) appendFrameLocked(buf []byte, m *muscle.Message) ([]byte, error) {
	start := len(buf)
	n := m.FlattenedSize()
	if c.encoding == EncodingDefault || n < minCompressSize {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
		buf = binary.LittleEndian.AppendUint32(buf, EncodingDefault)
		buf = m.AppendFlattened(buf)
		rootMetrics.framesEncoded.Add(1)
		rootMetrics.bytesEncoded.Add(int64(len(buf) - start))
		return buf, nil
	}

	c.scratch = m.AppendFlattened(c.scratch[:0])
	mode, payload, err := c.compressLocked(c.scratch)
	if err != nil {
		return buf, err
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(zlibHeaderSize+len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, c.encoding)
	buf = binary.LittleEndian.AppendUint32(buf, mode)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	buf = append(buf, payload...)
	rootMetrics.framesEncoded.Add(1)
	rootMetrics.framesCompress.Add(1)
	rootMetrics.bytesEncoded.Add(int64(len(buf) - start))
	return buf, nil
}

// compressLocked compresses body into c.zout and returns the frame mode and
// the compressed bytes. The result is valid until the next call.
func (c *Codec) compressLocked(body []byte) (uint32, []byte, error) {
	c.zout.Reset()
	mode := modeDependent
	if c.zw == nil {
		zw, err := c.backend.NewWriter(&c.zout, EncodingLevel(c.encoding))
		if err != nil {
			return 0, nil, fmt.Errorf("create compressor: %w", err)
		}
		c.zw = zw
		mode = modeIndependent
	}
	if _, err := c.zw.Write(body); err != nil {
		c.resetOutLocked()
		return 0, nil, fmt.Errorf("compress: %w", err)
	}
	if err := c.zw.Flush(); err != nil {
		c.resetOutLocked()
		return 0, nil, fmt.Errorf("flush compressor: %w", err)
	}
	return mode, c.zout.Bytes(), nil
}

// parseHeader decodes and checks a frame header. It reports a
// [*SizeLimitError] if the declared body exceeds the size limit of c, and
// a [*muscle.FormatError] if the header is invalid.
func (c *Codec) parseHeader(hdr []byte) (size int, enc uint32, err error) {
	size = int(int32(binary.LittleEndian.Uint32(hdr)))
	enc = binary.LittleEndian.Uint32(hdr[4:])
	if size < 0 {
		rootMetrics.formatErrors.Add(1)
		return 0, 0, &muscle.FormatError{Offset: 0, Reason: fmt.Sprintf("negative body length %d", size)}
	}
	if limit := c.MaxIncomingMessageSize(); limit > 0 && size > limit {
		rootMetrics.sizeRejected.Add(1)
		return 0, 0, &SizeLimitError{Size: size, Limit: limit}
	}
	if !ValidEncoding(enc) {
		rootMetrics.formatErrors.Add(1)
		return 0, 0, &muscle.FormatError{Offset: 4, Reason: "unknown encoding " + muscle.CodeString(enc)}
	}
	return size, enc, nil
}

// Unflatten decodes a frame from the head of data, and reports the decoded
// message and the number of bytes of data consumed.
//
// If data does not contain a complete frame, Unflatten reports
// [ErrInsufficientData] and consumes nothing. If the header declares a body
// larger than the incoming size limit, it reports a [*SizeLimitError] and
// consumes only the header. Malformed frames are reported as
// [*muscle.FormatError] values. The decoded message does not alias data.
func (c *Codec) Unflatten(data []byte) (*muscle.Message, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, ErrInsufficientData
	}
	size, enc, err := c.parseHeader(data[:HeaderSize])
	if err != nil {
		var serr *SizeLimitError
		if errors.As(err, &serr) {
			return nil, HeaderSize, err
		}
		return nil, 0, err
	}
	if len(data)-HeaderSize < size {
		return nil, 0, ErrInsufficientData
	}
	m, err := c.decodeBody(enc, data[HeaderSize:HeaderSize+size])
	if err != nil {
		var fe *muscle.FormatError
		if errors.As(err, &fe) {
			rootMetrics.formatErrors.Add(1)
		}
		return nil, 0, err
	}
	rootMetrics.framesDecoded.Add(1)
	rootMetrics.bytesDecoded.Add(int64(HeaderSize + size))
	return m, HeaderSize + size, nil
}

func (c *Codec) decodeBody(enc uint32, body []byte) (*muscle.Message, error) {
	if enc != EncodingDefault {
		var err error
		body, err = c.inflate(body)
		if err != nil {
			return nil, err
		}
	}
	var m muscle.Message
	if err := m.UnmarshalBinary(body); err != nil {
		if enc == EncodingDefault {
			var fe *muscle.FormatError
			if errors.As(err, &fe) {
				fe.Offset += HeaderSize
			}
		}
		return nil, err
	}
	return &m, nil
}

// inflate decompresses a compressed frame body and returns the flattened
// message it contains.
func (c *Codec) inflate(body []byte) ([]byte, error) {
	if len(body) < zlibHeaderSize {
		return nil, &muscle.FormatError{Offset: HeaderSize, Reason: "compressed body too short"}
	}
	mode := binary.LittleEndian.Uint32(body)
	orig := int(int32(binary.LittleEndian.Uint32(body[4:])))
	payload := body[zlibHeaderSize:]
	if orig < 0 {
		return nil, &muscle.FormatError{Offset: HeaderSize + 4, Reason: fmt.Sprintf("negative original length %d", orig)}
	} else if limit := c.MaxIncomingMessageSize(); limit > 0 && orig > limit {
		rootMetrics.sizeRejected.Add(1)
		return nil, &SizeLimitError{Size: orig, Limit: limit}
	}

	c.μ.Lock()
	backend := c.backend
	c.μ.Unlock()

	c.inμ.Lock()
	defer c.inμ.Unlock()
	switch mode {
	case modeIndependent:
		c.resetInLocked()
		c.zin.Write(payload)
		zr, err := backend.NewReader(&c.zin)
		if err != nil {
			c.resetInLocked()
			return nil, &muscle.FormatError{Offset: HeaderSize + zlibHeaderSize, Reason: "invalid zlib stream", Err: err}
		}
		c.zr = zr
	case modeDependent:
		if c.zr == nil {
			return nil, &muscle.FormatError{Offset: HeaderSize, Reason: "dependent frame without a compression context"}
		}
		c.zin.Write(payload)
	default:
		return nil, &muscle.FormatError{Offset: HeaderSize, Reason: "unknown compression mode " + muscle.CodeString(mode)}
	}
	rootMetrics.framesInflated.Add(1)

	// The original length is untrusted, so the output grows with the data
	// actually decompressed rather than being allocated up front.
	var out bytes.Buffer
	out.Grow(min(orig, 4*len(payload)+64))
	if _, err := io.CopyN(&out, c.zr, int64(orig)); err != nil {
		c.resetInLocked()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &muscle.FormatError{Offset: HeaderSize + zlibHeaderSize, Reason: "decompress body", Err: err}
	}
	return out.Bytes(), nil
}

// WriteMessage writes a complete frame for m to w.
func (c *Codec) WriteMessage(w io.Writer, m *muscle.Message) error {
	frame, err := c.Flatten(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads a complete frame from r and decodes its message.
// The size limit of c is checked before the body is read. If r is at
// end of input before the first byte of the frame, ReadMessage reports
// [io.EOF]; a partial frame reports [io.ErrUnexpectedEOF].
func (c *Codec) ReadMessage(r io.Reader) (*muscle.Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size, _, err := c.parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+size)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m, _, err := c.Unflatten(frame)
	return m, err
}
