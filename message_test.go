// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muscle_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/packet"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func roundTrip(t *testing.T, m *muscle.Message) *muscle.Message {
	t.Helper()
	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: unexpected error: %v", err)
	}
	if len(data) != m.FlattenedSize() {
		t.Errorf("Flattened length = %d, want FlattenedSize %d", len(data), m.FlattenedSize())
	}
	var got muscle.Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: unexpected error: %v", err)
	}
	return &got
}

func TestFieldRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		field muscle.Field
	}{
		{"Bools", muscle.Bools{true, false, true}},
		{"Int8s", muscle.Int8s{-128, 0, 1, 127}},
		{"Int16s", muscle.Int16s{-32768, 25, 32767}},
		{"Int32s", muscle.Int32s{math.MinInt32, -1, 0, math.MaxInt32}},
		{"Int64s", muscle.Int64s{math.MinInt64, 1, math.MaxInt64}},
		{"Floats", muscle.Floats{-1.5, 0, float32(math.Inf(1)), float32(math.NaN())}},
		{"Doubles", muscle.Doubles{math.Pi, -math.MaxFloat64, math.NaN()}},
		{"Points", muscle.Points{{X: 1, Y: 2}, {X: -3.5, Y: 0.25}}},
		{"Rects", muscle.Rects{{Left: 1, Top: 2, Right: 30, Bottom: 40}}},
		{"NaNPoints", muscle.Points{{X: float32(math.NaN()), Y: 1}, {X: 0, Y: float32(math.NaN())}}},
		{"NaNRects", muscle.Rects{{Left: float32(math.NaN()), Top: 0, Right: 1, Bottom: float32(math.NaN())}}},
		{"Strings", muscle.Strings{"", "*", "hello, world", "日本語"}},
		{"Messages", muscle.Messages{muscle.NewMessage(1), muscle.NewMessage(2)}},
		{"Raw", muscle.Blobs{Code: muscle.TypeRaw, Items: [][]byte{nil, []byte("xyz"), {0, 1, 2}}}},
		{"Unknown", muscle.Blobs{Code: muscle.TypeCode(muscle.FourCC("ZZTP")), Items: [][]byte{[]byte("opaque")}}},

		{"EmptyBools", muscle.Bools{}},
		{"EmptyInt64s", muscle.Int64s(nil)},
		{"EmptyRects", muscle.Rects{}},
		{"EmptyStrings", muscle.Strings{}},
		{"EmptyMessages", muscle.Messages{}},
		{"EmptyRaw", muscle.Blobs{Code: muscle.TypeRaw}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := muscle.NewMessage(muscle.FourCC("test"))
			if err := m.Put("f", tc.field); err != nil {
				t.Fatalf("Put: unexpected error: %v", err)
			}
			got := roundTrip(t, m)
			if diff := cmp.Diff(got, m); diff != "" {
				t.Errorf("Round trip (-got, +want):\n%s", diff)
			}

			f, ok := got.Field("f")
			if !ok {
				t.Fatal("Field f not found after round trip")
			}
			if f.Type() != tc.field.Type() {
				t.Errorf("Type = %v, want %v", f.Type(), tc.field.Type())
			}
			if f.Len() != tc.field.Len() {
				t.Errorf("Len = %d, want %d", f.Len(), tc.field.Len())
			}
			if f.FlattenedSize() != tc.field.FlattenedSize() {
				t.Errorf("FlattenedSize = %d, want %d", f.FlattenedSize(), tc.field.FlattenedSize())
			}
		})
	}
}

func TestFlattenedSize(t *testing.T) {
	tests := []struct {
		field    muscle.Field
		itemSize int
		want     int
	}{
		{muscle.Bools{true, true}, 1, 2},
		{muscle.Int16s{1, 2, 3}, 2, 6},
		{muscle.Int64s{1}, 8, 8},
		{muscle.Points{{}, {}}, 8, 16},
		{muscle.Rects{{}}, 16, 16},
		{muscle.Strings{"*"}, 0, 4 + 4 + 1 + 1},
		{muscle.Strings{}, 0, 4},
		{muscle.Blobs{Items: [][]byte{[]byte("ab"), nil}}, 0, 4 + 4 + 2 + 4},
		{muscle.Messages{muscle.NewMessage(0)}, 0, 4 + 12},
		{muscle.Messages{}, 0, 0},
	}
	for _, tc := range tests {
		if got := tc.field.FlattenedItemSize(); got != tc.itemSize {
			t.Errorf("%v FlattenedItemSize = %d, want %d", tc.field.Type(), got, tc.itemSize)
		}
		if got := tc.field.FlattenedSize(); got != tc.want {
			t.Errorf("%v FlattenedSize = %d, want %d", tc.field.Type(), got, tc.want)
		}
	}

	// The example message from the package documentation: 12 bytes of header,
	// 17 bytes of field header ("keys" + NUL), 10 bytes of string data.
	m := muscle.NewMessage(1234)
	m.AddString("keys", "*")
	if got, want := m.FlattenedSize(), 12+17+10; got != want {
		t.Errorf("Message FlattenedSize = %d, want %d", got, want)
	}
}

func TestNestedRoundTrip(t *testing.T) {
	leaf := muscle.NewMessage(3)
	leaf.AddString("name", "leaf")
	leaf.AddRect("bounds", muscle.Rect{Left: 0, Top: 0, Right: 640, Bottom: 480})

	mid := muscle.NewMessage(2)
	mid.AddMessage("children", leaf, leaf.Clone())
	mid.AddInt64("stamp", 1700000000)

	inner := muscle.NewMessage(1)
	inner.AddMessage("sub", mid)
	inner.AddBool("ok", true)

	root := muscle.NewMessage(muscle.FourCC("root"))
	root.AddMessage("tree", inner)
	root.AddDouble("weight", 0.5)

	got := roundTrip(t, root)
	if diff := cmp.Diff(got, root); diff != "" {
		t.Errorf("Nested round trip (-got, +want):\n%s", diff)
	}

	// Walk down to the leaves to make sure the structure survived.
	tree, err := muscle.Get[muscle.Messages](got, "tree")
	if err != nil {
		t.Fatalf("Get tree: %v", err)
	}
	sub, err := muscle.Get[muscle.Messages](tree[0], "sub")
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}
	kids, err := muscle.Get[muscle.Messages](sub[0], "children")
	if err != nil {
		t.Fatalf("Get children: %v", err)
	}
	if len(kids) != 2 {
		t.Fatalf("Got %d children, want 2", len(kids))
	}
	name, err := muscle.Get[muscle.Strings](kids[1], "name")
	if err != nil || len(name) != 1 || name[0] != "leaf" {
		t.Errorf("Leaf name: got %q, %v; want [leaf]", name, err)
	}
}

func TestFieldOrder(t *testing.T) {
	m := muscle.NewMessage(0)
	for _, name := range []string{"c", "a", "b"} {
		m.AddInt32(name, 1)
	}
	m.AddInt32("a", 2) // does not move "a"
	m.Remove("c")
	m.AddInt32("c", 3) // appended at the end

	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(m.Names(), want); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(roundTrip(t, m).Names(), want); diff != "" {
		t.Errorf("Names after round trip (-got, +want):\n%s", diff)
	}
	if m.Remove("nonesuch") {
		t.Error("Remove nonesuch: got true, want false")
	}
}

func TestGet(t *testing.T) {
	m := muscle.NewMessage(0)
	m.AddInt32("n", 1, 2, 3)
	m.AddBytes("raw", []byte("data"))

	if got, err := muscle.Get[muscle.Int32s](m, "n"); err != nil {
		t.Errorf("Get n: unexpected error: %v", err)
	} else if diff := cmp.Diff(got, muscle.Int32s{1, 2, 3}); diff != "" {
		t.Errorf("Get n (-got, +want):\n%s", diff)
	}
	if _, err := muscle.Get[muscle.Int32s](m, "missing"); !errors.Is(err, muscle.ErrFieldNotFound) {
		t.Errorf("Get missing: got %v, want %v", err, muscle.ErrFieldNotFound)
	}
	if _, err := muscle.Get[muscle.Strings](m, "n"); !errors.Is(err, muscle.ErrTypeMismatch) {
		t.Errorf("Get n as Strings: got %v, want %v", err, muscle.ErrTypeMismatch)
	}
	if f, err := muscle.Get[muscle.Field](m, "raw"); err != nil || f.Type() != muscle.TypeRaw {
		t.Errorf("Get raw as Field: got %v, %v; want RAWT field", f, err)
	}
}

func TestAddErrors(t *testing.T) {
	m := muscle.NewMessage(0)
	m.AddString("s", "a")

	if err := m.AddInt32("s", 1); !errors.Is(err, muscle.ErrTypeMismatch) {
		t.Errorf("AddInt32 to string field: got %v, want %v", err, muscle.ErrTypeMismatch)
	}
	if err := m.AddBytes("s", nil); !errors.Is(err, muscle.ErrTypeMismatch) {
		t.Errorf("AddBytes to string field: got %v, want %v", err, muscle.ErrTypeMismatch)
	}
	if err := m.AddString("", "x"); err == nil {
		t.Error("AddString with empty name: got nil error")
	}
	if err := m.Put("x\x00y", muscle.Bools{}); err == nil {
		t.Error("Put with NUL in name: got nil error")
	}
	if err := m.Put("x", nil); err == nil {
		t.Error("Put nil field: got nil error")
	}
	if err := m.Put("x", muscle.Blobs{Code: muscle.TypeInt32}); !errors.Is(err, muscle.ErrTypeMismatch) {
		t.Errorf("Put raw LONG field: got %v, want %v", err, muscle.ErrTypeMismatch)
	}
	if got, _ := muscle.Get[muscle.Strings](m, "s"); len(got) != 1 {
		t.Errorf("Field s was modified: %q", got)
	}

	// Nested messages must not be nil.
	if err := m.AddMessage("kids", nil); err == nil {
		t.Error("AddMessage(nil): got nil error")
	}
	if err := m.AddMessage("kids", muscle.NewMessage(1), nil); err == nil {
		t.Error("AddMessage with a nil item: got nil error")
	}
	if err := m.Put("kids", muscle.Messages{nil}); err == nil {
		t.Error("Put Messages with a nil item: got nil error")
	}
	if err := m.AddMessage("kids", muscle.NewMessage(2)); err != nil {
		t.Fatalf("AddMessage: unexpected error: %v", err)
	}
	if err := m.AddMessage("kids", nil); err == nil {
		t.Error("AddMessage(nil) to existing field: got nil error")
	}
	if got, _ := muscle.Get[muscle.Messages](m, "kids"); len(got) != 1 {
		t.Errorf("Field kids has %d items, want 1", len(got))
	}
	if _, err := m.MarshalBinary(); err != nil {
		t.Errorf("MarshalBinary: unexpected error: %v", err)
	}
}

func TestClone(t *testing.T) {
	child := muscle.NewMessage(2)
	child.AddString("v", "original")

	m := muscle.NewMessage(1)
	m.AddMessage("child", child)
	m.AddBytes("raw", []byte("abc"))
	m.AddPoint("p", muscle.Point{X: 1, Y: 1})

	c := m.Clone()
	if diff := cmp.Diff(c, m); diff != "" {
		t.Fatalf("Clone (-got, +want):\n%s", diff)
	}

	// Mutate the clone deeply and verify the original is unaffected.
	kids, _ := muscle.Get[muscle.Messages](c, "child")
	kids[0].Put("v", muscle.Strings{"changed"})
	raw, _ := muscle.Get[muscle.Blobs](c, "raw")
	raw.Items[0][0] = 'X'
	pts, _ := muscle.Get[muscle.Points](c, "p")
	pts[0].X = 99

	if got, _ := muscle.Get[muscle.Strings](child, "v"); got[0] != "original" {
		t.Errorf("Child field changed through clone: %q", got)
	}
	if got, _ := muscle.Get[muscle.Blobs](m, "raw"); string(got.Items[0]) != "abc" {
		t.Errorf("Raw field changed through clone: %q", got.Items[0])
	}
	if got, _ := muscle.Get[muscle.Points](m, "p"); got[0].X != 1 {
		t.Errorf("Point field changed through clone: %v", got)
	}
	if c.Equal(m) {
		t.Error("Modified clone still equals original")
	}
}

func TestSetEqualTo(t *testing.T) {
	fields := []muscle.Field{muscle.Int32s{1}, muscle.Strings{"a"}, muscle.Messages{}, nil}
	for _, dst := range fields {
		for _, src := range fields {
			if err := muscle.SetEqualTo(dst, src); !errors.Is(err, muscle.ErrTypeMismatch) {
				t.Errorf("SetEqualTo(%v, %v): got %v, want %v", dst, src, err, muscle.ErrTypeMismatch)
			}
		}
	}
}

func TestNewField(t *testing.T) {
	codes := []muscle.TypeCode{
		muscle.TypeBool, muscle.TypeInt8, muscle.TypeInt16, muscle.TypeInt32, muscle.TypeInt64,
		muscle.TypeFloat, muscle.TypeDouble, muscle.TypePoint, muscle.TypeRect,
		muscle.TypeString, muscle.TypeMessage, muscle.TypeRaw, muscle.TypeCode(muscle.FourCC("ABCD")),
	}
	for _, code := range codes {
		f := muscle.NewField(code)
		if f.Type() != code {
			t.Errorf("NewField(%v).Type() = %v", code, f.Type())
		}
		if f.Len() != 0 {
			t.Errorf("NewField(%v).Len() = %d, want 0", code, f.Len())
		}
	}
}

func TestUnmarshalErrors(t *testing.T) {
	header := func(numFields uint32) *packet.Builder {
		var b packet.Builder
		b.Uint32(muscle.MessageVersion)
		b.Uint32(1)
		b.Uint32(numFields)
		return &b
	}
	field := func(b *packet.Builder, name string, code muscle.TypeCode, data string) *packet.Builder {
		b.Uint32(uint32(len(name) + 1))
		b.PutString(name)
		b.Put(0)
		b.Uint32(uint32(code))
		b.Uint32(uint32(len(data)))
		b.PutString(data)
		return b
	}

	valid := muscle.NewMessage(5)
	valid.AddString("s", "hello")
	good, _ := valid.MarshalBinary()

	tests := []struct {
		name  string
		input []byte
	}{
		{"Empty", nil},
		{"ShortHeader", []byte{0x30, 0x30, 0x4d}},
		{"BadVersion", append([]byte("XXXX"), good[4:]...)},
		{"Truncated", good[:len(good)-1]},
		{"Trailing", append(append([]byte(nil), good...), 0)},
		{"HugeFieldCount", header(1 << 30).Bytes()},
		{"NegativeFieldCount", header(0xffffffff).Bytes()},
		{"EmptyName", field(header(1), "", muscle.TypeBool, "\x01").Bytes()},
		{"DuplicateName", field(field(header(2), "a", muscle.TypeBool, "\x01"), "a", muscle.TypeBool, "\x00").Bytes()},
		{"FixedRemainder", field(header(1), "n", muscle.TypeInt32, "\x01\x02\x03\x04\x05").Bytes()},
		{"StringCountTooLarge", field(header(1), "s", muscle.TypeString, "\x09\x00\x00\x00").Bytes()},
		{"StringShortItem", field(header(1), "s", muscle.TypeString, "\x01\x00\x00\x00\x05\x00\x00\x00ab").Bytes()},
		{"StringExtraData", field(header(1), "s", muscle.TypeString, "\x00\x00\x00\x00junk").Bytes()},
		{"RawShortItem", field(header(1), "r", muscle.TypeRaw, "\x01\x00\x00\x00\x09\x00\x00\x00").Bytes()},
		{"MessageShortChunk", field(header(1), "m", muscle.TypeMessage, "\x20\x00\x00\x00PM00").Bytes()},
		{"MessagePartialLength", field(header(1), "m", muscle.TypeMessage, "\x01\x00").Bytes()},
		{"MessageBadChild", field(header(1), "m", muscle.TypeMessage, "\x04\x00\x00\x00XXXX").Bytes()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var m muscle.Message
			err := m.UnmarshalBinary(tc.input)
			var fe *muscle.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("UnmarshalBinary: got %v, want *FormatError", err)
			}
			if fe.Offset < 0 || fe.Offset > len(tc.input) {
				t.Errorf("Error offset %d out of range [0, %d]", fe.Offset, len(tc.input))
			}
			t.Logf("Error: %v", err)
		})
	}
}

func TestUnmarshalNoAlias(t *testing.T) {
	m := muscle.NewMessage(1)
	m.AddBytes("raw", []byte("abc"))
	m.AddString("s", "def")
	data, _ := m.MarshalBinary()

	var got muscle.Message
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	clear(data)
	if diff := cmp.Diff(&got, m); diff != "" {
		t.Errorf("Decoded message aliases input (-got, +want):\n%s", diff)
	}
}

func TestString(t *testing.T) {
	child := muscle.NewMessage(muscle.FourCC("kids"))
	child.AddBool("ok", true)

	m := muscle.NewMessage(1234)
	m.AddString("keys", "*")
	m.AddInt32("many", 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11)
	m.AddMessage("sub", child)

	got := m.String()
	t.Logf("String:\n%s", got)
	for _, want := range []string{
		"what=1234 (1234), 3 fields",
		`"keys": 'CSTR', 1 items: "*"`,
		`"many": 'LONG', 12 items: 0 1 2 3 4 5 6 7 8 9 ...`,
		"what='kids'",
		`"ok": 'BOOL', 1 items: true`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("String is missing %q", want)
		}
	}
}

func TestFourCC(t *testing.T) {
	if got, want := muscle.FourCC("PM00"), uint32(muscle.MessageVersion); got != want {
		t.Errorf("FourCC(PM00) = %#x, want %#x", got, want)
	}
	if got, want := muscle.TypeString.String(), "'CSTR'"; got != want {
		t.Errorf("TypeString.String() = %q, want %q", got, want)
	}
	if got, want := muscle.CodeString(5), "5"; got != want {
		t.Errorf("CodeString(5) = %q, want %q", got, want)
	}
	mtest.MustPanic(t, func() { muscle.FourCC("abc") })
}

func TestFieldAppend(t *testing.T) {
	f := muscle.Strings{"a"}
	f = append(f, "b", "c")
	g := f.Clone().(muscle.Strings)
	g[0] = "z"
	if diff := cmp.Diff(f, muscle.Strings{"a", "b", "c"}, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Field (-got, +want):\n%s", diff)
	}
}
