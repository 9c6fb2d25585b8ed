// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/creachadair/muscle/packet"
	"github.com/google/go-cmp/cmp"
)

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(true)
	b.Put(5, 9, 100)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.Int32(-2)
	b.Uint64(0x0102030405060708)
	b.Float32(1.5)
	b.Float64(-0.25)
	b.PutString("xyzzy")

	const want = "\x01\x05\x09\x64\x88\x13\x01\x9a\x00\xfc\xfe\xff\xff\xff" +
		"\x08\x07\x06\x05\x04\x03\x02\x01" +
		"\x00\x00\xc0\x3f" +
		"\x00\x00\x00\x00\x00\x00\xd0\xbf" +
		"xyzzy"

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Byte 3", s.Byte, 100)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Int32", s.Int32, -2)
	check(t, "Uint64", s.Uint64, 0x0102030405060708)
	check(t, "Float32", s.Float32, 1.5)
	check(t, "Float64", s.Float64, -0.25)
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "xyzzy")

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}
	if got := s.Offset(); got != len(want) {
		t.Errorf("Offset = %d, want %d", got, len(want))
	}
}

func TestBuilderReset(t *testing.T) {
	b := packet.NewBuilder(make([]byte, 0, 4))
	b.Grow(64)
	b.Float64(math.Pi)
	if b.Len() != 8 {
		t.Errorf("Len = %d, want 8", b.Len())
	}
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after reset = %d, want 0", b.Len())
	}
}

func TestScannerTruncated(t *testing.T) {
	s := packet.NewScanner("\x01\x02\x03")
	if _, err := s.Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint32: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if _, err := packet.Get[[]byte](s, 4); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Get: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if _, err := packet.Get[[]byte](s, -1); err == nil {
		t.Error("Get(-1): got nil error")
	}

	sub, err := s.Sub(2)
	if err != nil {
		t.Fatalf("Sub: unexpected error: %v", err)
	}
	check(t, "Sub Uint16", sub.Uint16, 0x0201)
	check(t, "Rest Byte", s.Byte, 3)
	if _, err := s.Byte(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Byte at EOF: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
