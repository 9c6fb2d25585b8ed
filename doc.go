// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package muscle implements MUSCLE messages, a typed self-describing binary
// message format.
//
// A [Message] is a 32-bit "what" code together with a collection of named
// fields. Each field is a homogeneous array of items of a single wire type,
// represented by one of the [Field] implementations in this package:
//
//	m := muscle.NewMessage(muscle.FourCC("pref"))
//	m.AddString("keys", "*")
//	m.AddInt32("count", 1, 2, 3)
//	m.Put("origin", muscle.Points{{X: 0, Y: 0}})
//
// Fields may contain nested messages, so a message is a recursive document.
// To read a field with a known type, use [Get]:
//
//	keys, err := muscle.Get[muscle.Strings](m, "keys")
//
// # Wire Format
//
// All multi-byte values are little-endian. A flattened message is:
//
//	uint32 version ('PM00')
//	uint32 what
//	uint32 numFields
//	numFields × {
//	   uint32 nameLength    // including the NUL terminator
//	   byte   name[nameLength]
//	   uint32 typeCode
//	   uint32 dataSize
//	   byte   data[dataSize]
//	}
//
// Fixed-size items (BOOL, BYTE, SHRT, LONG, LLNG, FLOT, DBLE, BPNT, RECT) are
// packed end to end with no count. A CSTR field is an item count followed by
// each string as a length (including a NUL terminator), the bytes, and the
// terminator. A MSGG field is a sequence of nested messages, each preceded by
// its length, with no item count. Fields of any other type are an item count
// followed by each item as a length and its bytes.
//
// Use [Message.MarshalBinary] and [Message.UnmarshalBinary] to convert
// between messages and their flattened form. Malformed input is reported as
// a [*FormatError].
//
// The gateway package frames flattened messages onto a byte stream, and the
// client package exchanges framed messages with a remote peer.
package muscle
