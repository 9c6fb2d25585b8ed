// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muscle

import (
	"errors"
	"fmt"
)

var (
	// ErrFieldNotFound is reported when a message has no field of the
	// requested name.
	ErrFieldNotFound = errors.New("field not found")

	// ErrTypeMismatch is reported when a field exists but does not have the
	// requested type, or when fields of different types are combined.
	ErrTypeMismatch = errors.New("field type mismatch")
)

// FormatError reports malformed flattened data. It is always fatal to the
// value being decoded.
type FormatError struct {
	Offset int    // offset of the problem within the data being decoded
	Reason string // a human-readable description
	Err    error  // the underlying error, if any
}

// Error satisfies the error interface.
func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format error at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("format error at offset %d: %s", e.Offset, e.Reason)
}

// Unwrap reports the underlying error of e, if any.
func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(offset int, err error, msg string, args ...any) error {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(msg, args...), Err: err}
}

// SetEqualTo reports an error wrapping [ErrTypeMismatch]. Fields are
// homogeneous arrays and are never generically assignable to one another;
// use Clone to copy a field.
func SetEqualTo(dst, src Field) error {
	return fmt.Errorf("set %v field from %v field: %w", typeOf(dst), typeOf(src), ErrTypeMismatch)
}

func typeOf(f Field) string {
	if f == nil {
		return "nil"
	}
	return f.Type().String()
}

// shiftOffset adjusts the offset of a *FormatError in err by base, so that
// errors from nested data report positions relative to the enclosing value.
func shiftOffset(err error, base int) error {
	var fe *FormatError
	if errors.As(err, &fe) {
		fe.Offset += base
	}
	return err
}
