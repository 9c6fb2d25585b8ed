// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler dispatches received message batches to functions selected
// by the what code of each message, and provides adapters to the [Func] type
// for functions with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// A parameter is read from the first item of a named string or raw field of
// the message.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces. A result is
// stored in a named raw field of the reply message.
package handler

import (
	"bytes"
	"encoding"
	"fmt"
	"sync"

	"github.com/creachadair/muscle"
)

// A Func handles a single message.
type Func func(*muscle.Message) error

// A Mux routes messages to handlers by their what code. A zero Mux is ready
// for use, and discards every message. The methods of a Mux are safe for
// concurrent use.
//
// Use [Mux.Messages] to register a Mux with a transceiver:
//
//	mux := new(handler.Mux).Handle(pingCode, handlePing)
//	t.HandleMessages(mux.Messages())
type Mux struct {
	μ     sync.Mutex
	funcs map[uint32]Func
	def   Func
	onErr func(*muscle.Message, error)
}

// Handle registers f to handle messages with the given what code, and returns
// m to permit chaining. If f == nil, the handler for what is removed.
func (m *Mux) Handle(what uint32, f Func) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if f == nil {
		delete(m.funcs, what)
	} else {
		if m.funcs == nil {
			m.funcs = make(map[uint32]Func)
		}
		m.funcs[what] = f
	}
	return m
}

// HandleDefault registers f to handle messages whose what code has no other
// handler, and returns m to permit chaining. If f == nil, such messages are
// discarded.
func (m *Mux) HandleDefault(f Func) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.def = f
	return m
}

// HandleError registers f to receive the errors reported by handlers, along
// with the message that caused each one, and returns m to permit chaining.
// If f == nil, errors are discarded.
func (m *Mux) HandleError(f func(*muscle.Message, error)) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onErr = f
	return m
}

func (m *Mux) lookup(what uint32) (Func, func(*muscle.Message, error)) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if f, ok := m.funcs[what]; ok {
		return f, m.onErr
	}
	return m.def, m.onErr
}

// Dispatch calls the handler for each message of msgs in order, and reports
// the number of messages that had a handler.
func (m *Mux) Dispatch(msgs []*muscle.Message) int {
	var nh int
	for _, msg := range msgs {
		f, onErr := m.lookup(msg.What)
		if f == nil {
			continue
		}
		nh++
		if err := f(msg); err != nil && onErr != nil {
			onErr(msg, err)
		}
	}
	return nh
}

// Messages returns a function that dispatches message batches to m, suitable
// for use with the HandleMessages method of a transceiver.
func (m *Mux) Messages() func([]*muscle.Message) {
	return func(msgs []*muscle.Message) { m.Dispatch(msgs) }
}

// A Sender queues messages to a remote peer. A *client.Transceiver
// implements this interface.
type Sender interface {
	Send(...*muscle.Message) error
}

// Reply adapts a function f that computes a reply to a message, to a Func
// that sends the reply to s. If f returns a nil message, nothing is sent.
func Reply(s Sender, f func(*muscle.Message) (*muscle.Message, error)) Func {
	return func(msg *muscle.Message) error {
		rsp, err := f(msg)
		if err != nil || rsp == nil {
			return err
		}
		return s.Send(rsp)
	}
}

// Param adapts a function f that accepts a parameter of type P to a Func.
// The parameter is decoded from the first item of the field with the given
// name, which must be a string or raw field.
func Param[P any](name string, f func(*muscle.Message, P) error) Func {
	return func(msg *muscle.Message) error {
		var p P
		data, err := fieldData(msg, name)
		if err != nil {
			return err
		}
		if err := unmarshal(data, &p); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		return f(msg, p)
	}
}

// ParamResult adapts a function f that accepts a parameter of type P and
// returns a result of type R, to a Func that sends the result to s. The
// parameter is decoded as for [Param]. The result is stored in a raw field
// of the same name, in a reply message with the same what code as the
// request.
func ParamResult[P, R any](s Sender, name string, f func(*muscle.Message, P) (R, error)) Func {
	return Param(name, func(msg *muscle.Message, p P) error {
		r, err := f(msg, p)
		if err != nil {
			return err
		}
		data, err := marshal(r)
		if err != nil {
			return err
		}
		rsp := muscle.NewMessage(msg.What)
		if err := rsp.AddBytes(name, data); err != nil {
			return err
		}
		return s.Send(rsp)
	})
}

// fieldData returns the contents of the first item of the named field of msg.
func fieldData(msg *muscle.Message, name string) ([]byte, error) {
	f, ok := msg.Field(name)
	if !ok {
		return nil, fmt.Errorf("field %q: %w", name, muscle.ErrFieldNotFound)
	}
	switch t := f.(type) {
	case muscle.Strings:
		if len(t) != 0 {
			return []byte(t[0]), nil
		}
	case muscle.Blobs:
		if len(t.Items) != 0 {
			return t.Items[0], nil
		}
	default:
		return nil, fmt.Errorf("field %q has type %v: %w", name, f.Type(), muscle.ErrTypeMismatch)
	}
	return nil, nil
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
