// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muscle

import (
	"fmt"
	"strconv"
)

// A TypeCode identifies the wire type of the items in a [Field].
//
// Type codes are conventionally four ASCII characters packed big-endian into
// a 32-bit value, e.g., 'LONG'. Use [FourCC] to construct one from a string.
type TypeCode uint32

// Type codes for the field types understood by this package. A field with any
// other type code is carried as a [Blobs] value with its code preserved.
const (
	TypeBool    TypeCode = 0x424f4f4c // 'BOOL'
	TypeInt8    TypeCode = 0x42595445 // 'BYTE'
	TypeInt16   TypeCode = 0x53485254 // 'SHRT'
	TypeInt32   TypeCode = 0x4c4f4e47 // 'LONG'
	TypeInt64   TypeCode = 0x4c4c4e47 // 'LLNG'
	TypeFloat   TypeCode = 0x464c4f54 // 'FLOT'
	TypeDouble  TypeCode = 0x44424c45 // 'DBLE'
	TypePoint   TypeCode = 0x42504e54 // 'BPNT'
	TypeRect    TypeCode = 0x52454354 // 'RECT'
	TypeString  TypeCode = 0x43535452 // 'CSTR'
	TypeMessage TypeCode = 0x4d534747 // 'MSGG'
	TypeRaw     TypeCode = 0x52415754 // 'RAWT'
)

// String renders c as a quoted four-character code if it is printable,
// otherwise as a decimal number.
func (c TypeCode) String() string { return CodeString(uint32(c)) }

// FourCC packs a four-character string into a 32-bit code, with the first
// character in the most significant byte. It panics if len(s) != 4.
func FourCC(s string) uint32 {
	if len(s) != 4 {
		panic(fmt.Sprintf("invalid four-character code %q", s))
	}
	return uint32(s[0])<<24 | uint32(s[1])<<16 | uint32(s[2])<<8 | uint32(s[3])
}

// CodeString renders a 32-bit code as a quoted four-character string if all
// four bytes are printable ASCII, and otherwise as a decimal number.
func CodeString(code uint32) string {
	buf := [4]byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	for _, b := range buf {
		if b < ' ' || b > '~' {
			return strconv.FormatUint(uint64(code), 10)
		}
	}
	return "'" + string(buf[:]) + "'"
}

// Point is a two-dimensional point with single-precision coordinates.
type Point struct {
	X, Y float32
}

func (p Point) String() string { return fmt.Sprintf("Point(%g, %g)", p.X, p.Y) }

// Rect is an axis-aligned rectangle with single-precision edges.
type Rect struct {
	Left, Top, Right, Bottom float32
}

// Width reports the horizontal extent of r.
func (r Rect) Width() float32 { return r.Right - r.Left }

// Height reports the vertical extent of r.
func (r Rect) Height() float32 { return r.Bottom - r.Top }

func (r Rect) String() string {
	return fmt.Sprintf("Rect(l=%g, t=%g, r=%g, b=%g)", r.Left, r.Top, r.Right, r.Bottom)
}
