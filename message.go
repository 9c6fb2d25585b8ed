// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muscle

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/muscle/packet"
)

// MessageVersion is the tag that begins every flattened message ('PM00').
const MessageVersion = 0x504d3030

// messageHeaderSize is the size in bytes of the version, what, and field count
// words at the head of a flattened message.
const messageHeaderSize = 12

// minFieldSize is the smallest number of bytes a flattened field can occupy:
// a name length, a one-byte name and its terminator, a type code and a size.
const minFieldSize = 4 + 2 + 4 + 4

// maxNestingDepth bounds the depth of nested messages accepted by unflatten.
const maxNestingDepth = 256

// A Message is a mapping from field names to typed fields, tagged with a
// 32-bit "what" code that identifies its purpose to the application.
// The zero value is ready for use as an empty message with What == 0.
//
// Field names are unique and non-empty. Fields are flattened in the order in
// which their names were first added.
type Message struct {
	What uint32

	names  []string
	fields map[string]Field
}

// NewMessage constructs a new empty message with the given what code.
func NewMessage(what uint32) *Message { return &Message{What: what} }

// Put adds or replaces the field with the given name. A field that replaces
// an existing one keeps its position in the flattened order.
func (m *Message) Put(name string, f Field) error {
	if name == "" {
		return errors.New("empty field name")
	} else if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("field name %q contains NUL", name)
	} else if f == nil {
		return fmt.Errorf("field %q: nil field", name)
	}
	if b, ok := f.(Blobs); ok && isTypedCode(b.Type()) {
		return fmt.Errorf("field %q: raw field with code %v: %w", name, b.Type(), ErrTypeMismatch)
	}
	if ms, ok := f.(Messages); ok && slices.Contains(ms, nil) {
		return fmt.Errorf("field %q: nil message", name)
	}
	if m.fields == nil {
		m.fields = make(map[string]Field)
	}
	if _, ok := m.fields[name]; !ok {
		m.names = append(m.names, name)
	}
	m.fields[name] = f
	return nil
}

// Field reports the field with the given name, if present.
func (m *Message) Field(name string) (Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// Remove removes the field with the given name, and reports whether it was
// present.
func (m *Message) Remove(name string) bool {
	if _, ok := m.fields[name]; !ok {
		return false
	}
	delete(m.fields, name)
	m.names = slices.DeleteFunc(m.names, func(s string) bool { return s == name })
	return true
}

// Names returns the names of the fields of m in flattened order.
func (m *Message) Names() []string { return slices.Clone(m.names) }

// Len reports the number of fields in m.
func (m *Message) Len() int { return len(m.names) }

// Get returns the field of m with the given name as a value of type F.
// If no such field exists, it reports [ErrFieldNotFound]; if the field exists
// but has a different type, it reports [ErrTypeMismatch].
func Get[F Field](m *Message, name string) (F, error) {
	var zero F
	f, ok := m.fields[name]
	if !ok {
		return zero, fmt.Errorf("field %q: %w", name, ErrFieldNotFound)
	}
	out, ok := f.(F)
	if !ok {
		return zero, fmt.Errorf("field %q is %v, not %v: %w", name, f.Type(), typeOf(zero), ErrTypeMismatch)
	}
	return out, nil
}

// addItems appends vs to the field of type F with the given name, creating
// the field if necessary.
func addItems[F interface {
	Field
	~[]T
}, T any](m *Message, name string, vs []T) error {
	f, ok := m.fields[name]
	if !ok {
		return m.Put(name, F(slices.Clone(vs)))
	}
	cur, ok := f.(F)
	if !ok {
		return fmt.Errorf("add to field %q (%v): %w", name, f.Type(), ErrTypeMismatch)
	}
	m.fields[name] = append(cur, vs...)
	return nil
}

// AddBool appends Boolean items to the named field, creating it if needed.
func (m *Message) AddBool(name string, vs ...bool) error { return addItems[Bools](m, name, vs) }

// AddInt8 appends int8 items to the named field, creating it if needed.
func (m *Message) AddInt8(name string, vs ...int8) error { return addItems[Int8s](m, name, vs) }

// AddInt16 appends int16 items to the named field, creating it if needed.
func (m *Message) AddInt16(name string, vs ...int16) error { return addItems[Int16s](m, name, vs) }

// AddInt32 appends int32 items to the named field, creating it if needed.
func (m *Message) AddInt32(name string, vs ...int32) error { return addItems[Int32s](m, name, vs) }

// AddInt64 appends int64 items to the named field, creating it if needed.
func (m *Message) AddInt64(name string, vs ...int64) error { return addItems[Int64s](m, name, vs) }

// AddFloat appends float32 items to the named field, creating it if needed.
func (m *Message) AddFloat(name string, vs ...float32) error { return addItems[Floats](m, name, vs) }

// AddDouble appends float64 items to the named field, creating it if needed.
func (m *Message) AddDouble(name string, vs ...float64) error { return addItems[Doubles](m, name, vs) }

// AddPoint appends points to the named field, creating it if needed.
func (m *Message) AddPoint(name string, vs ...Point) error { return addItems[Points](m, name, vs) }

// AddRect appends rectangles to the named field, creating it if needed.
func (m *Message) AddRect(name string, vs ...Rect) error { return addItems[Rects](m, name, vs) }

// AddString appends strings to the named field, creating it if needed.
func (m *Message) AddString(name string, vs ...string) error { return addItems[Strings](m, name, vs) }

// AddMessage appends messages to the named field, creating it if needed.
// The messages are not copied, and must not be nil.
func (m *Message) AddMessage(name string, vs ...*Message) error {
	if slices.Contains(vs, nil) {
		return fmt.Errorf("field %q: nil message", name)
	}
	return addItems[Messages](m, name, vs)
}

// AddBytes appends byte strings to the named field of type [TypeRaw],
// creating it if needed.
func (m *Message) AddBytes(name string, vs ...[]byte) error {
	f, ok := m.fields[name]
	if !ok {
		return m.Put(name, Blobs{Code: TypeRaw, Items: slices.Clone(vs)})
	}
	cur, ok := f.(Blobs)
	if !ok || cur.Type() != TypeRaw {
		return fmt.Errorf("add to field %q (%v): %w", name, f.Type(), ErrTypeMismatch)
	}
	cur.Items = append(cur.Items, vs...)
	m.fields[name] = cur
	return nil
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{What: m.What, names: slices.Clone(m.names)}
	if m.fields != nil {
		out.fields = make(map[string]Field, len(m.fields))
		for name, f := range m.fields {
			out.fields[name] = f.Clone()
		}
	}
	return out
}

// Equal reports whether m and o have the same what code and the same fields,
// irrespective of field order. Floating-point items compare equal when their
// bit patterns are equal.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.What == o.What && maps.EqualFunc(m.fields, o.fields, fieldsEqual)
}

// String renders a human-readable multi-line summary of m. At most ten items
// of each field are shown.
func (m *Message) String() string {
	var sb strings.Builder
	m.writeSummary(&sb, "")
	return strings.TrimSuffix(sb.String(), "\n")
}

func (m *Message) writeSummary(sb *strings.Builder, indent string) {
	fmt.Fprintf(sb, "%sMessage: what=%s (%d), %d fields\n", indent, CodeString(m.What), m.What, m.Len())
	for _, name := range m.names {
		f := m.fields[name]
		fmt.Fprintf(sb, "%s  %q: %s\n", indent, name, formatField(f))
		if sub, ok := f.(Messages); ok {
			for _, c := range sub[:min(len(sub), maxFormatItems)] {
				c.writeSummary(sb, indent+"    ")
			}
		}
	}
}

// FlattenedSize reports the number of bytes occupied by the flattened form
// of m.
func (m *Message) FlattenedSize() int {
	n := messageHeaderSize
	for _, name := range m.names {
		n += 4 + len(name) + 1 + 4 + 4 + m.fields[name].FlattenedSize()
	}
	return n
}

func (m *Message) appendTo(b *packet.Builder) {
	b.Uint32(MessageVersion)
	b.Uint32(m.What)
	b.Uint32(uint32(len(m.names)))
	for _, name := range m.names {
		f := m.fields[name]
		b.Uint32(uint32(len(name) + 1))
		b.PutString(name)
		b.Put(0)
		b.Uint32(uint32(f.Type()))
		b.Uint32(uint32(f.FlattenedSize()))
		f.appendTo(b)
	}
}

// AppendFlattened appends the flattened form of m to buf and returns the
// updated slice.
func (m *Message) AppendFlattened(buf []byte) []byte {
	b := packet.NewBuilder(buf)
	b.Grow(m.FlattenedSize())
	m.appendTo(b)
	return b.Bytes()
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (m *Message) MarshalBinary() ([]byte, error) { return m.AppendFlattened(nil), nil }

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
// The contents of m are replaced. The data must contain exactly one flattened
// message; errors in its format are reported as [*FormatError] values. The
// decoded message does not alias data.
func (m *Message) UnmarshalBinary(data []byte) error {
	dec, err := unflattenMessage(packet.NewScanner(data), 0)
	if err != nil {
		return err
	}
	*m = *dec
	return nil
}

// unflattenMessage decodes a message from the entire contents of s.
func unflattenMessage(s *packet.Scanner, depth int) (*Message, error) {
	if depth > maxNestingDepth {
		return nil, formatErrorf(s.Offset(), nil, "messages nested more than %d deep", maxNestingDepth)
	}
	tag, err := s.Uint32()
	if err != nil {
		return nil, formatErrorf(s.Offset(), err, "message version")
	} else if tag != MessageVersion {
		return nil, formatErrorf(0, nil, "unknown message version %s", CodeString(tag))
	}
	what, err := s.Uint32()
	if err != nil {
		return nil, formatErrorf(s.Offset(), err, "message what code")
	}
	nf, err := scanCount(s, minFieldSize)
	if err != nil {
		return nil, err
	}

	m := &Message{What: what, names: make([]string, 0, nf), fields: make(map[string]Field, nf)}
	for i := range nf {
		nl, err := s.Uint32()
		if err != nil {
			return nil, formatErrorf(s.Offset(), err, "field %d name length", i)
		}
		raw, err := packet.Get[[]byte](s, int(nl))
		if err != nil {
			return nil, formatErrorf(s.Offset(), err, "field %d name", i)
		} else if len(raw) < 2 || raw[len(raw)-1] != 0 {
			return nil, formatErrorf(s.Offset()-len(raw), nil, "field %d has invalid name %q", i, raw)
		}
		name := string(raw[:len(raw)-1])
		if _, ok := m.fields[name]; ok {
			return nil, formatErrorf(s.Offset()-len(raw), nil, "duplicate field name %q", name)
		}
		code, err := s.Uint32()
		if err != nil {
			return nil, formatErrorf(s.Offset(), err, "field %q type code", name)
		}
		size, err := s.Uint32()
		if err != nil {
			return nil, formatErrorf(s.Offset(), err, "field %q size", name)
		}
		base := s.Offset()
		sub, err := s.Sub(int(size))
		if err != nil {
			return nil, formatErrorf(base, err, "field %q data", name)
		}
		f, err := unflattenField(TypeCode(code), sub, depth)
		if err != nil {
			return nil, shiftOffset(err, base)
		}
		m.names = append(m.names, name)
		m.fields[name] = f
	}
	if s.Len() != 0 {
		return nil, formatErrorf(s.Offset(), nil, "%d unused bytes after message", s.Len())
	}
	return m, nil
}
