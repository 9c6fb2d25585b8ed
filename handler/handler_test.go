// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/client"
	"github.com/creachadair/muscle/handler"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

// sendLog is a handler.Sender that records what it was sent.
type sendLog []*muscle.Message

func (s *sendLog) Send(msgs ...*muscle.Message) error { *s = append(*s, msgs...); return nil }

var (
	codeA = muscle.FourCC("aaaa")
	codeB = muscle.FourCC("bbbb")
	codeC = muscle.FourCC("cccc")
)

func TestMux(t *testing.T) {
	var log []string
	record := func(tag string) handler.Func {
		return func(m *muscle.Message) error {
			log = append(log, tag+":"+muscle.CodeString(m.What))
			return nil
		}
	}
	var errs []error
	mux := new(handler.Mux).
		Handle(codeA, record("A")).
		Handle(codeB, func(*muscle.Message) error { return errors.New("bad robot") }).
		HandleError(func(m *muscle.Message, err error) { errs = append(errs, err) })

	msgs := []*muscle.Message{
		muscle.NewMessage(codeA),
		muscle.NewMessage(codeC), // no handler, dropped
		muscle.NewMessage(codeB),
		muscle.NewMessage(codeA),
	}
	if n := mux.Dispatch(msgs); n != 3 {
		t.Errorf("Dispatch: got %d handled, want 3", n)
	}
	if diff := cmp.Diff(log, []string{"A:'aaaa'", "A:'aaaa'"}); diff != "" {
		t.Errorf("Handled (-got, +want):\n%s", diff)
	}
	if len(errs) != 1 || errs[0].Error() != "bad robot" {
		t.Errorf("Errors: got %v, want [bad robot]", errs)
	}

	// With a default, every message is handled.
	log = nil
	mux.HandleDefault(record("D")).Handle(codeB, nil)
	mux.Messages()(msgs)
	want := []string{"A:'aaaa'", "D:'cccc'", "D:'bbbb'", "A:'aaaa'"}
	if diff := cmp.Diff(log, want); diff != "" {
		t.Errorf("Handled (-got, +want):\n%s", diff)
	}
}

func TestZeroMux(t *testing.T) {
	var mux handler.Mux
	if n := mux.Dispatch([]*muscle.Message{muscle.NewMessage(1)}); n != 0 {
		t.Errorf("Dispatch: got %d handled, want 0", n)
	}
}

func request(what uint32, name string, f muscle.Field) *muscle.Message {
	m := muscle.NewMessage(what)
	if f != nil {
		m.Put(name, f)
	}
	return m
}

func TestParamResult(t *testing.T) {
	tests := []struct {
		name  string
		req   *muscle.Message
		h     func(handler.Sender) handler.Func
		want  string
		etext string
	}{
		{"StringString", request(codeA, "x", muscle.Strings{"input"}),
			func(s handler.Sender) handler.Func {
				return handler.ParamResult(s, "x", func(_ *muscle.Message, p string) (string, error) {
					return p + "-ok", nil
				})
			}, "input-ok", ""},
		{"BytesBytes", request(codeA, "x", muscle.Blobs{Items: [][]byte{[]byte("input"), []byte("ignored")}}),
			func(s handler.Sender) handler.Func {
				return handler.ParamResult(s, "x", func(_ *muscle.Message, p []byte) ([]byte, error) {
					return append(p, "-ok"...), nil
				})
			}, "input-ok", ""},
		{"TextBinary", request(codeA, "x", muscle.Strings{"input"}),
			func(s handler.Sender) handler.Func {
				return handler.ParamResult(s, "x", func(_ *muscle.Message, p tvText) (tvBinary, error) {
					return tvBinary(p + "-ok"), nil
				})
			}, "input-ok", ""},
		{"BinaryText", request(codeA, "x", muscle.Blobs{Items: [][]byte{[]byte("input")}}),
			func(s handler.Sender) handler.Func {
				return handler.ParamResult(s, "x", func(_ *muscle.Message, p tvBinary) (*tvText, error) {
					r := tvText(p + "-ok")
					return &r, nil
				})
			}, "input-ok", ""},
		{"Error", request(codeA, "x", muscle.Strings{"input"}),
			func(s handler.Sender) handler.Func {
				return handler.ParamResult(s, "x", func(*muscle.Message, string) (string, error) {
					return "", errors.New("bad robot")
				})
			}, "", "bad robot"},
		{"Missing", request(codeA, "", nil),
			func(s handler.Sender) handler.Func {
				return handler.Param("x", func(*muscle.Message, string) error { return nil })
			}, "", `field "x": field not found`},
		{"WrongType", request(codeA, "x", muscle.Int32s{1}),
			func(s handler.Sender) handler.Func {
				return handler.Param("x", func(*muscle.Message, string) error { return nil })
			}, "", `field "x" has type 'LONG': field type mismatch`},
		{"BadParam", request(codeA, "x", muscle.Strings{"input"}),
			func(s handler.Sender) handler.Func {
				return handler.Param("x", func(*muscle.Message, int) error { return nil })
			}, "", `field "x": cannot unmarshal into *int`},
		{"BadResult", request(codeA, "x", muscle.Strings{"input"}),
			func(s handler.Sender) handler.Func {
				return handler.ParamResult(s, "x", func(*muscle.Message, string) (int, error) { return 1, nil })
			}, "", "cannot marshal int"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var sent sendLog
			err := tc.h(&sent)(tc.req)
			if tc.etext != "" {
				if err == nil || err.Error() != tc.etext {
					t.Fatalf("Handler: got error %v, want %q", err, tc.etext)
				}
				return
			} else if err != nil {
				t.Fatalf("Handler: unexpected error: %v", err)
			}
			if len(sent) != 1 {
				t.Fatalf("Handler sent %d messages, want 1", len(sent))
			}
			if sent[0].What != tc.req.What {
				t.Errorf("Reply what: got %v, want %v", muscle.CodeString(sent[0].What), muscle.CodeString(tc.req.What))
			}
			got, err := muscle.Get[muscle.Blobs](sent[0], "x")
			if err != nil {
				t.Fatalf("Get reply field: %v", err)
			}
			if len(got.Items) != 1 || string(got.Items[0]) != tc.want {
				t.Errorf("Reply: got %q, want %q", got.Items, tc.want)
			}
		})
	}
}

func TestReply(t *testing.T) {
	defer leaktest.Check(t)()

	// The server answers pings with pongs, and ignores everything else.
	srv, err := client.New("", "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ping, pong := muscle.FourCC("ping"), muscle.FourCC("pong")
	srv.HandleMessages(new(handler.Mux).Handle(ping, handler.Reply(srv,
		func(m *muscle.Message) (*muscle.Message, error) {
			rsp := m.Clone()
			rsp.What = pong
			return rsp, nil
		})).Messages())

	cli, err := client.New("", "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := make(chan *muscle.Message, 1)
	cli.HandleMessages(new(handler.Mux).Handle(pong, func(m *muscle.Message) error {
		got <- m
		return nil
	}).Messages())

	sc, cc := net.Pipe()
	srv.Start(sc)
	cli.Start(cc)
	defer srv.Stop()
	defer cli.Stop()

	req := muscle.NewMessage(ping)
	req.AddString("payload", "hello")
	cli.Send(muscle.NewMessage(codeC), req)

	select {
	case m := <-got:
		want := req.Clone()
		want.What = pong
		if diff := cmp.Diff(m, want); diff != "" {
			t.Errorf("Reply (-got, +want):\n%s", diff)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for reply")
	}
}
