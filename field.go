// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muscle

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/muscle/packet"
)

// A Field is a homogeneous array of items of a single wire type. The concrete
// type of a Field is one of the slice types defined in this package, each of
// which owns its own items:
//
//	Bools, Int8s, Int16s, Int32s, Int64s, Floats, Doubles,
//	Points, Rects, Strings, Messages, Blobs
//
// Fields are appendable with the built-in append function, e.g.,
//
//	f := muscle.Strings{"a"}
//	f = append(f, "b", "c")
//
// The set of implementations is closed; other packages cannot add to it.
type Field interface {
	// Type reports the wire type code of the field.
	Type() TypeCode

	// Len reports the number of items in the field.
	Len() int

	// FlattenedItemSize reports the fixed size in bytes of a single flattened
	// item, or 0 if the field has variable-size items.
	FlattenedItemSize() int

	// FlattenedSize reports the number of bytes occupied by the flattened
	// items of the field, not including the name and type header of the
	// enclosing message.
	FlattenedSize() int

	// Clone returns a deep copy of the field sharing no mutable state with
	// the original.
	Clone() Field

	appendTo(b *packet.Builder)
	formatItem(i int) string
}

type (
	Bools    []bool
	Int8s    []int8
	Int16s   []int16
	Int32s   []int32
	Int64s   []int64
	Floats   []float32
	Doubles  []float64
	Points   []Point
	Rects    []Rect
	Strings  []string
	Messages []*Message
)

// Blobs is a field of raw byte strings. Blobs carries the type code of the
// field, so that fields of types not otherwise known to this package survive
// a round trip unchanged. A zero Code is treated as [TypeRaw].
type Blobs struct {
	Code  TypeCode
	Items [][]byte
}

// NewField returns an empty field of the variant for the specified type code.
// Codes not known to the package produce an empty [Blobs] with that code.
func NewField(code TypeCode) Field {
	switch code {
	case TypeBool:
		return Bools(nil)
	case TypeInt8:
		return Int8s(nil)
	case TypeInt16:
		return Int16s(nil)
	case TypeInt32:
		return Int32s(nil)
	case TypeInt64:
		return Int64s(nil)
	case TypeFloat:
		return Floats(nil)
	case TypeDouble:
		return Doubles(nil)
	case TypePoint:
		return Points(nil)
	case TypeRect:
		return Rects(nil)
	case TypeString:
		return Strings(nil)
	case TypeMessage:
		return Messages(nil)
	default:
		return Blobs{Code: code}
	}
}

// isTypedCode reports whether code names one of the structured field types,
// which may not be carried by a Blobs value.
func isTypedCode(code TypeCode) bool {
	_, ok := NewField(code).(Blobs)
	return !ok
}

func (Bools) Type() TypeCode    { return TypeBool }
func (Int8s) Type() TypeCode    { return TypeInt8 }
func (Int16s) Type() TypeCode   { return TypeInt16 }
func (Int32s) Type() TypeCode   { return TypeInt32 }
func (Int64s) Type() TypeCode   { return TypeInt64 }
func (Floats) Type() TypeCode   { return TypeFloat }
func (Doubles) Type() TypeCode  { return TypeDouble }
func (Points) Type() TypeCode   { return TypePoint }
func (Rects) Type() TypeCode    { return TypeRect }
func (Strings) Type() TypeCode  { return TypeString }
func (Messages) Type() TypeCode { return TypeMessage }

func (b Blobs) Type() TypeCode {
	if b.Code == 0 {
		return TypeRaw
	}
	return b.Code
}

func (f Bools) Len() int    { return len(f) }
func (f Int8s) Len() int    { return len(f) }
func (f Int16s) Len() int   { return len(f) }
func (f Int32s) Len() int   { return len(f) }
func (f Int64s) Len() int   { return len(f) }
func (f Floats) Len() int   { return len(f) }
func (f Doubles) Len() int  { return len(f) }
func (f Points) Len() int   { return len(f) }
func (f Rects) Len() int    { return len(f) }
func (f Strings) Len() int  { return len(f) }
func (f Messages) Len() int { return len(f) }
func (b Blobs) Len() int    { return len(b.Items) }

func (Bools) FlattenedItemSize() int    { return 1 }
func (Int8s) FlattenedItemSize() int    { return 1 }
func (Int16s) FlattenedItemSize() int   { return 2 }
func (Int32s) FlattenedItemSize() int   { return 4 }
func (Int64s) FlattenedItemSize() int   { return 8 }
func (Floats) FlattenedItemSize() int   { return 4 }
func (Doubles) FlattenedItemSize() int  { return 8 }
func (Points) FlattenedItemSize() int   { return 8 }
func (Rects) FlattenedItemSize() int    { return 16 }
func (Strings) FlattenedItemSize() int  { return 0 }
func (Messages) FlattenedItemSize() int { return 0 }
func (Blobs) FlattenedItemSize() int    { return 0 }

func (f Bools) FlattenedSize() int   { return len(f) }
func (f Int8s) FlattenedSize() int   { return len(f) }
func (f Int16s) FlattenedSize() int  { return 2 * len(f) }
func (f Int32s) FlattenedSize() int  { return 4 * len(f) }
func (f Int64s) FlattenedSize() int  { return 8 * len(f) }
func (f Floats) FlattenedSize() int  { return 4 * len(f) }
func (f Doubles) FlattenedSize() int { return 8 * len(f) }
func (f Points) FlattenedSize() int  { return 8 * len(f) }
func (f Rects) FlattenedSize() int   { return 16 * len(f) }

// FlattenedSize implements a method of [Field]. There is no item count for a
// message field: each item is a 4-byte length followed by the flattened
// message.
func (f Messages) FlattenedSize() int {
	var n int
	for _, m := range f {
		n += 4 + m.FlattenedSize()
	}
	return n
}

// FlattenedSize implements a method of [Field]. The encoding is a 4-byte item
// count, then for each item a 4-byte length (including a NUL terminator), the
// UTF-8 bytes of the string, and the terminator.
func (f Strings) FlattenedSize() int {
	n := 4
	for _, s := range f {
		n += 4 + len(s) + 1
	}
	return n
}

// FlattenedSize implements a method of [Field]. The encoding is a 4-byte item
// count, then for each item a 4-byte length and the bytes of the item.
func (b Blobs) FlattenedSize() int {
	n := 4
	for _, item := range b.Items {
		n += 4 + len(item)
	}
	return n
}

func (f Bools) Clone() Field   { return slices.Clone(f) }
func (f Int8s) Clone() Field   { return slices.Clone(f) }
func (f Int16s) Clone() Field  { return slices.Clone(f) }
func (f Int32s) Clone() Field  { return slices.Clone(f) }
func (f Int64s) Clone() Field  { return slices.Clone(f) }
func (f Floats) Clone() Field  { return slices.Clone(f) }
func (f Doubles) Clone() Field { return slices.Clone(f) }
func (f Points) Clone() Field  { return slices.Clone(f) }
func (f Rects) Clone() Field   { return slices.Clone(f) }
func (f Strings) Clone() Field { return slices.Clone(f) }

func (f Messages) Clone() Field {
	if f == nil {
		return Messages(nil)
	}
	out := make(Messages, len(f))
	for i, m := range f {
		out[i] = m.Clone()
	}
	return out
}

func (b Blobs) Clone() Field {
	out := Blobs{Code: b.Code}
	if b.Items != nil {
		out.Items = make([][]byte, len(b.Items))
		for i, item := range b.Items {
			out.Items[i] = bytes.Clone(item)
		}
	}
	return out
}

func (f Bools) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Bool(v)
	}
}

func (f Int8s) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Put(byte(v))
	}
}

func (f Int16s) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Uint16(uint16(v))
	}
}

func (f Int32s) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Int32(v)
	}
}

func (f Int64s) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Uint64(uint64(v))
	}
}

func (f Floats) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Float32(v)
	}
}

func (f Doubles) appendTo(b *packet.Builder) {
	for _, v := range f {
		b.Float64(v)
	}
}

func (f Points) appendTo(b *packet.Builder) {
	for _, p := range f {
		b.Float32(p.X)
		b.Float32(p.Y)
	}
}

func (f Rects) appendTo(b *packet.Builder) {
	for _, r := range f {
		b.Float32(r.Left)
		b.Float32(r.Top)
		b.Float32(r.Right)
		b.Float32(r.Bottom)
	}
}

func (f Strings) appendTo(b *packet.Builder) {
	b.Uint32(uint32(len(f)))
	for _, s := range f {
		b.Uint32(uint32(len(s) + 1))
		b.PutString(s)
		b.Put(0)
	}
}

func (f Messages) appendTo(b *packet.Builder) {
	for _, m := range f {
		b.Uint32(uint32(m.FlattenedSize()))
		m.appendTo(b)
	}
}

func (b Blobs) appendTo(w *packet.Builder) {
	w.Uint32(uint32(len(b.Items)))
	for _, item := range b.Items {
		w.Uint32(uint32(len(item)))
		w.Put(item...)
	}
}

// unflattenField decodes a field of the given type from the entire contents
// of s. It reports an error if the data are malformed or if any bytes of s
// remain unconsumed.
func unflattenField(code TypeCode, s *packet.Scanner, depth int) (Field, error) {
	var f Field
	var err error
	switch code {
	case TypeBool:
		f, err = unflattenFixed[Bools](s, 1, (*packet.Scanner).Bool)
	case TypeInt8:
		f, err = unflattenFixed[Int8s](s, 1, func(s *packet.Scanner) (int8, error) {
			v, err := s.Byte()
			return int8(v), err
		})
	case TypeInt16:
		f, err = unflattenFixed[Int16s](s, 2, func(s *packet.Scanner) (int16, error) {
			v, err := s.Uint16()
			return int16(v), err
		})
	case TypeInt32:
		f, err = unflattenFixed[Int32s](s, 4, (*packet.Scanner).Int32)
	case TypeInt64:
		f, err = unflattenFixed[Int64s](s, 8, func(s *packet.Scanner) (int64, error) {
			v, err := s.Uint64()
			return int64(v), err
		})
	case TypeFloat:
		f, err = unflattenFixed[Floats](s, 4, (*packet.Scanner).Float32)
	case TypeDouble:
		f, err = unflattenFixed[Doubles](s, 8, (*packet.Scanner).Float64)
	case TypePoint:
		f, err = unflattenFixed[Points](s, 8, scanPoint)
	case TypeRect:
		f, err = unflattenFixed[Rects](s, 16, scanRect)
	case TypeString:
		f, err = unflattenStrings(s)
	case TypeMessage:
		f, err = unflattenMessages(s, depth)
	default:
		f, err = unflattenBlobs(code, s)
	}
	if err != nil {
		return nil, err
	}
	if s.Len() != 0 {
		return nil, formatErrorf(s.Offset(), nil, "%d unused bytes after %v field", s.Len(), code)
	}
	return f, nil
}

func unflattenFixed[S ~[]T, T any](s *packet.Scanner, size int, scan func(*packet.Scanner) (T, error)) (S, error) {
	if s.Len()%size != 0 {
		return nil, formatErrorf(s.Offset(), nil, "%d bytes is not a multiple of item size %d", s.Len(), size)
	}
	out := make(S, s.Len()/size)
	for i := range out {
		v, err := scan(s)
		if err != nil {
			return nil, formatErrorf(s.Offset(), err, "item %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func scanPoint(s *packet.Scanner) (Point, error) {
	x, err := s.Float32()
	if err != nil {
		return Point{}, err
	}
	y, err := s.Float32()
	return Point{X: x, Y: y}, err
}

func scanRect(s *packet.Scanner) (Rect, error) {
	var r Rect
	for _, p := range []*float32{&r.Left, &r.Top, &r.Right, &r.Bottom} {
		v, err := s.Float32()
		if err != nil {
			return Rect{}, err
		}
		*p = v
	}
	return r, nil
}

// scanCount reads a 4-byte item count and checks that it is plausible given
// that each item needs at least minItem bytes.
func scanCount(s *packet.Scanner, minItem int) (int, error) {
	v, err := s.Uint32()
	if err != nil {
		return 0, formatErrorf(s.Offset(), err, "missing item count")
	}
	n := int(int32(v))
	if n < 0 || n > s.Len()/minItem {
		return 0, formatErrorf(s.Offset()-4, nil, "item count %d exceeds available data (%d bytes)", n, s.Len())
	}
	return n, nil
}

func scanChunk(s *packet.Scanner, i int) ([]byte, error) {
	v, err := s.Uint32()
	if err != nil {
		return nil, formatErrorf(s.Offset(), err, "item %d length", i)
	}
	data, err := packet.Get[[]byte](s, int(v))
	if err != nil {
		return nil, formatErrorf(s.Offset(), err, "item %d", i)
	}
	return data, nil
}

func unflattenStrings(s *packet.Scanner) (Strings, error) {
	n, err := scanCount(s, 4)
	if err != nil {
		return nil, err
	}
	out := make(Strings, n)
	for i := range out {
		data, err := scanChunk(s, i)
		if err != nil {
			return nil, err
		}
		out[i] = string(bytes.TrimSuffix(data, []byte{0}))
	}
	return out, nil
}

func unflattenBlobs(code TypeCode, s *packet.Scanner) (Blobs, error) {
	n, err := scanCount(s, 4)
	if err != nil {
		return Blobs{}, err
	}
	out := Blobs{Code: code, Items: make([][]byte, n)}
	for i := range out.Items {
		data, err := scanChunk(s, i)
		if err != nil {
			return Blobs{}, err
		}
		out.Items[i] = bytes.Clone(data)
	}
	return out, nil
}

func unflattenMessages(s *packet.Scanner, depth int) (Messages, error) {
	var out Messages
	for s.Len() > 0 {
		v, err := s.Uint32()
		if err != nil {
			return nil, formatErrorf(s.Offset(), err, "message %d length", len(out))
		}
		base := s.Offset()
		sub, err := s.Sub(int(v))
		if err != nil {
			return nil, formatErrorf(base, err, "message %d", len(out))
		}
		m, err := unflattenMessage(sub, depth+1)
		if err != nil {
			return nil, shiftOffset(err, base)
		}
		out = append(out, m)
	}
	if out == nil {
		out = Messages{}
	}
	return out, nil
}

func (f Bools) formatItem(i int) string   { return strconv.FormatBool(f[i]) }
func (f Int8s) formatItem(i int) string   { return strconv.Itoa(int(f[i])) }
func (f Int16s) formatItem(i int) string  { return strconv.Itoa(int(f[i])) }
func (f Int32s) formatItem(i int) string  { return strconv.Itoa(int(f[i])) }
func (f Int64s) formatItem(i int) string  { return strconv.FormatInt(f[i], 10) }
func (f Floats) formatItem(i int) string  { return strconv.FormatFloat(float64(f[i]), 'g', -1, 32) }
func (f Doubles) formatItem(i int) string { return strconv.FormatFloat(f[i], 'g', -1, 64) }
func (f Points) formatItem(i int) string  { return f[i].String() }
func (f Rects) formatItem(i int) string   { return f[i].String() }
func (f Strings) formatItem(i int) string { return strconv.Quote(f[i]) }
func (b Blobs) formatItem(i int) string   { return fmt.Sprintf("[%d bytes]", len(b.Items[i])) }

func (f Messages) formatItem(i int) string {
	return fmt.Sprintf("[%s, %d fields]", CodeString(f[i].What), f[i].Len())
}

// maxFormatItems is the most items of a field rendered by formatField.
const maxFormatItems = 10

func formatField(f Field) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v, %d items:", f.Type(), f.Len())
	for i := range min(f.Len(), maxFormatItems) {
		sb.WriteByte(' ')
		sb.WriteString(f.formatItem(i))
	}
	if f.Len() > maxFormatItems {
		sb.WriteString(" ...")
	}
	return sb.String()
}

// fieldsEqual reports whether a and b have the same type and equal items.
// Floating-point items are compared by their bit patterns.
func fieldsEqual(a, b Field) bool {
	switch a := a.(type) {
	case Bools:
		return equalAs(a, b, slices.Equal)
	case Int8s:
		return equalAs(a, b, slices.Equal)
	case Int16s:
		return equalAs(a, b, slices.Equal)
	case Int32s:
		return equalAs(a, b, slices.Equal)
	case Int64s:
		return equalAs(a, b, slices.Equal)
	case Floats:
		return equalAs(a, b, func(x, y Floats) bool {
			return slices.EqualFunc(x, y, sameBits)
		})
	case Doubles:
		return equalAs(a, b, func(x, y Doubles) bool {
			return slices.EqualFunc(x, y, func(u, v float64) bool { return math.Float64bits(u) == math.Float64bits(v) })
		})
	case Points:
		return equalAs(a, b, func(x, y Points) bool { return slices.EqualFunc(x, y, samePoint) })
	case Rects:
		return equalAs(a, b, func(x, y Rects) bool { return slices.EqualFunc(x, y, sameRect) })
	case Strings:
		return equalAs(a, b, slices.Equal)
	case Messages:
		return equalAs(a, b, func(x, y Messages) bool { return slices.EqualFunc(x, y, (*Message).Equal) })
	case Blobs:
		return equalAs(a, b, func(x, y Blobs) bool {
			return x.Type() == y.Type() && slices.EqualFunc(x.Items, y.Items, bytes.Equal)
		})
	default:
		return false
	}
}

func sameBits(u, v float32) bool { return math.Float32bits(u) == math.Float32bits(v) }

func samePoint(p, q Point) bool { return sameBits(p.X, q.X) && sameBits(p.Y, q.Y) }

func sameRect(r, s Rect) bool {
	return sameBits(r.Left, s.Left) && sameBits(r.Top, s.Top) &&
		sameBits(r.Right, s.Right) && sameBits(r.Bottom, s.Bottom)
}

func equalAs[F Field](a F, b Field, eq func(F, F) bool) bool {
	bf, ok := b.(F)
	return ok && eq(a, bf)
}
