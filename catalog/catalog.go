// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic string names to message
// what codes. Names are not exchanged between peers on the wire, but a
// Catalog can be encoded as a message and sent from one peer to another.
//
// # Usage
//
// Construct a new empty catalog and add names to it:
//
//	cat := catalog.New().Add("foo", "bar", "baz")
//
// Add assigns what codes to the specified names. To recover the assigned code
// use the Lookup method:
//
//	what := cat.Lookup("foo")
//
// If you want to choose the code, use Set:
//
//	cat.Set("quux", muscle.FourCC("quux"))
//
// Codes are assigned systematically, so that repeating the same sequence of
// Add and Set calls will always result in the same codes.
//
// To route messages by name, bind the catalog to a [handler.Mux]. This
// creates a copy of the catalog sharing the same names but a (possibly)
// different mux:
//
//	var mux handler.Mux
//	cat.Bind(&mux).
//	  Handle("foo", handleFoo).
//	  Handle("bar", handleBar)
//	t.HandleMessages(mux.Messages())
//
// Note that Handle will panic if given a name not registered with the catalog.
//
// To construct a message to send, use Message:
//
//	t.Send(cat.Message("foo"))
//
// A Catalog provides a Handler that replies to a request with the encoded
// catalog:
//
//	cat.Add("catalog")
//	cat.Bind(&mux).Handle("catalog", cat.Handler(t))
package catalog

import (
	"fmt"
	"maps"
	"slices"

	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/handler"
)

// Code is the what code of an encoded catalog message.
var Code = muscle.FourCC("mcat")

// A Catalog associates a mux with a static mapping from names to what codes.
type Catalog struct {
	mux   *handler.Mux
	codes map[string]uint32
}

// New creates a new empty, unbound catalog to map names to what codes. It is
// safe to copy the resulting value, all copies share a reference to the same
// name to code mapping.
func New() Catalog { return Catalog{codes: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive codes, and returns c to
// allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedCode())
	}
	return c
}

// Set maps name to what in c, and return c to allow chaining. If name was
// already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it. It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, what uint32) Catalog {
	c.codes[name] = what
	return c
}

func (c Catalog) pickUnusedCode() uint32 {
	var hi uint32
	for _, code := range c.codes {
		hi = max(hi, code)
	}
	return hi + 1
}

// Bind returns a copy of c bound to the specified mux.
func (c Catalog) Bind(mux *handler.Mux) Catalog { return Catalog{mux: mux, codes: c.codes} }

// Mux returns the mux associated with c, or nil if the c is unbound.
func (c Catalog) Mux() *handler.Mux { return c.mux }

// Lookup returns the what code assigned to name, or 0.
//
// Note that the caller may Set a name with code 0, but assigned codes will
// always be positive, so a return value of 0 means name was not assigned a
// code even if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.codes[name] }

// Name returns the name assigned to what, and reports whether one was found.
// If several names share the code, the lexicographically first is returned.
func (c Catalog) Name(what uint32) (string, bool) {
	var out string
	var ok bool
	for name, code := range c.codes {
		if code == what && (!ok || name < out) {
			out, ok = name, true
		}
	}
	return out, ok
}

// Names returns the names defined by c in lexicographic order.
func (c Catalog) Names() []string { return slices.Sorted(maps.Keys(c.codes)) }

// Message returns a new empty message with the what code bound to name.
// If name is not known in the catalog, the message has what code 0.
func (c Catalog) Message(name string) *muscle.Message { return muscle.NewMessage(c.codes[name]) }

// Handle registers f on the mux associated with c for the code bound to
// name, and returns c to permit chaining.
// Handle will panic if c is not bound to a mux, or if name is not a name
// known by the catalog.
func (c Catalog) Handle(name string, f handler.Func) Catalog {
	what, ok := c.codes[name]
	if !ok {
		panic(fmt.Sprintf("name %q not known", name))
	}
	c.mux.Handle(what, f)
	return c
}

// Encode encodes c as a message with what code [Code].
//
// The message has a string field "names" listing the names of c in
// lexicographic order, and an int32 field "codes" giving the corresponding
// what codes in the same order. An empty catalog has no fields.
func (c Catalog) Encode() *muscle.Message {
	m := muscle.NewMessage(Code)
	if len(c.codes) == 0 {
		return m
	}
	names := c.Names()
	codes := make(muscle.Int32s, len(names))
	for i, name := range names {
		codes[i] = int32(c.codes[name])
	}
	m.Put("names", muscle.Strings(names))
	m.Put("codes", codes)
	return m
}

// Decode decodes m as an encoded catalog, replacing the contents of c.
func (c *Catalog) Decode(m *muscle.Message) error {
	if c.codes == nil {
		c.codes = make(map[string]uint32)
	} else {
		clear(c.codes)
	}
	if m.Len() == 0 {
		return nil
	}
	names, err := muscle.Get[muscle.Strings](m, "names")
	if err != nil {
		return fmt.Errorf("catalog names: %w", err)
	}
	codes, err := muscle.Get[muscle.Int32s](m, "codes")
	if err != nil {
		return fmt.Errorf("catalog codes: %w", err)
	}
	if len(names) != len(codes) {
		return fmt.Errorf("catalog has %d names but %d codes", len(names), len(codes))
	}
	for i, name := range names {
		c.codes[name] = uint32(codes[i])
	}
	return nil
}

// Handler returns a handler that replies to each message it receives by
// sending the encoded catalog to s.
func (c Catalog) Handler(s handler.Sender) handler.Func {
	return handler.Reply(s, func(*muscle.Message) (*muscle.Message, error) {
		return c.Encode(), nil
	})
}
