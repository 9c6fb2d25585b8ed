// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/muscle"
)

// parseWhat parses a what code given either as an unsigned decimal or
// hexadecimal integer, or as a four-character code.
func parseWhat(s string) (uint32, error) {
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(v), nil
	}
	if len(s) == 4 {
		return muscle.FourCC(s), nil
	}
	return 0, fmt.Errorf("invalid what code %q", s)
}

// parseMessage constructs a message with the given what code from field
// arguments of the form name:type=value[,value...]. Repeating a name adds
// more values to the same field.
func parseMessage(what uint32, args []string) (*muscle.Message, error) {
	m := muscle.NewMessage(what)
	for _, arg := range args {
		name, f, err := parseField(arg)
		if err != nil {
			return nil, err
		}
		if old, ok := m.Field(name); ok {
			if old.Type() != f.Type() {
				return nil, fmt.Errorf("field %q: cannot add %v to %v: %w",
					name, f.Type(), old.Type(), muscle.ErrTypeMismatch)
			}
			f = concat(old, f)
		}
		if err := m.Put(name, f); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
	}
	return m, nil
}

// concat returns the items of a followed by the items of b, which must have
// the same concrete type.
func concat(a, b muscle.Field) muscle.Field {
	switch t := a.(type) {
	case muscle.Bools:
		return append(t, b.(muscle.Bools)...)
	case muscle.Int8s:
		return append(t, b.(muscle.Int8s)...)
	case muscle.Int16s:
		return append(t, b.(muscle.Int16s)...)
	case muscle.Int32s:
		return append(t, b.(muscle.Int32s)...)
	case muscle.Int64s:
		return append(t, b.(muscle.Int64s)...)
	case muscle.Floats:
		return append(t, b.(muscle.Floats)...)
	case muscle.Doubles:
		return append(t, b.(muscle.Doubles)...)
	case muscle.Points:
		return append(t, b.(muscle.Points)...)
	case muscle.Rects:
		return append(t, b.(muscle.Rects)...)
	case muscle.Strings:
		return append(t, b.(muscle.Strings)...)
	case muscle.Blobs:
		t.Items = append(t.Items, b.(muscle.Blobs).Items...)
		return t
	default:
		panic(fmt.Sprintf("unexpected field type %T", a))
	}
}

// parseField parses a field argument of the form name:type=value[,value...].
// The coordinates of points and rectangles are separated by "/".
func parseField(arg string) (string, muscle.Field, error) {
	lhs, rhs, ok := strings.Cut(arg, "=")
	if !ok {
		return "", nil, fmt.Errorf("invalid field %q: missing value", arg)
	}
	name, kind, ok := strings.Cut(lhs, ":")
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid field %q: want name:type=value", arg)
	}
	vals := strings.Split(rhs, ",")

	var f muscle.Field
	var err error
	switch kind {
	case "bool":
		var vs []bool
		vs, err = parseEach(vals, strconv.ParseBool)
		f = muscle.Bools(vs)
	case "int8":
		var vs []int8
		vs, err = parseEach(vals, parseInt[int8](8))
		f = muscle.Int8s(vs)
	case "int16":
		var vs []int16
		vs, err = parseEach(vals, parseInt[int16](16))
		f = muscle.Int16s(vs)
	case "int32":
		var vs []int32
		vs, err = parseEach(vals, parseInt[int32](32))
		f = muscle.Int32s(vs)
	case "int64":
		var vs []int64
		vs, err = parseEach(vals, parseInt[int64](64))
		f = muscle.Int64s(vs)
	case "float":
		var vs []float32
		vs, err = parseEach(vals, parseFloat32)
		f = muscle.Floats(vs)
	case "double":
		var vs []float64
		vs, err = parseEach(vals, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
		f = muscle.Doubles(vs)
	case "point":
		var vs []muscle.Point
		vs, err = parseEach(vals, func(s string) (muscle.Point, error) {
			c, err := parseCoords(s, 2)
			if err != nil {
				return muscle.Point{}, err
			}
			return muscle.Point{X: c[0], Y: c[1]}, nil
		})
		f = muscle.Points(vs)
	case "rect":
		var vs []muscle.Rect
		vs, err = parseEach(vals, func(s string) (muscle.Rect, error) {
			c, err := parseCoords(s, 4)
			if err != nil {
				return muscle.Rect{}, err
			}
			return muscle.Rect{Left: c[0], Top: c[1], Right: c[2], Bottom: c[3]}, nil
		})
		f = muscle.Rects(vs)
	case "string":
		f = muscle.Strings(vals)
	case "raw":
		var items [][]byte
		for _, v := range vals {
			items = append(items, []byte(v))
		}
		f = muscle.Blobs{Items: items}
	default:
		return "", nil, fmt.Errorf("field %q: unknown type %q", name, kind)
	}
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", name, err)
	}
	return name, f, nil
}

func parseEach[T any](vals []string, parse func(string) (T, error)) ([]T, error) {
	out := make([]T, len(vals))
	for i, s := range vals {
		v, err := parse(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInt[T ~int8 | ~int16 | ~int32 | ~int64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseInt(s, 0, bits)
		return T(v), err
	}
}

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}

func parseCoords(s string, n int) ([]float32, error) {
	parts := strings.Split(s, "/")
	if len(parts) != n {
		return nil, fmt.Errorf("got %d coordinates in %q, want %d", len(parts), s, n)
	}
	return parseEach(parts, parseFloat32)
}
