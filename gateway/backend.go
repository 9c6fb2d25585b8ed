// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package gateway

import (
	"compress/zlib"
	"io"

	kzlib "github.com/klauspost/compress/zlib"
)

// A Backend constructs the compressors and decompressors used for frames
// with a compressed body. Both ends of a connection must agree on the zlib
// stream format, but need not use the same Backend.
type Backend interface {
	// NewWriter returns a compressor at the given level (1..9) that writes
	// a zlib stream to w.
	NewWriter(w io.Writer, level int) (FlushWriter, error)

	// NewReader returns a decompressor for the zlib stream read from r.
	// The stream header must be available from r when NewReader is called.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// A FlushWriter is a compressor whose Flush method writes all pending data
// to the underlying stream, aligned to a byte boundary, without ending the
// stream.
type FlushWriter interface {
	io.WriteCloser
	Flush() error
}

// StdZlib is a [Backend] using the standard library zlib implementation.
// This is the default for a new [Codec].
var StdZlib Backend = stdZlib{}

// FastZlib is a [Backend] using the zlib implementation from
// github.com/klauspost/compress, which is typically faster at the same level.
var FastZlib Backend = fastZlib{}

type stdZlib struct{}

func (stdZlib) NewWriter(w io.Writer, level int) (FlushWriter, error) {
	return zlib.NewWriterLevel(w, level)
}

func (stdZlib) NewReader(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) }

type fastZlib struct{}

func (fastZlib) NewWriter(w io.Writer, level int) (FlushWriter, error) {
	return kzlib.NewWriterLevel(w, level)
}

func (fastZlib) NewReader(r io.Reader) (io.ReadCloser, error) { return kzlib.NewReader(r) }
