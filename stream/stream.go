// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream provides pull-style helpers for exchanging streams of
// messages with a transceiver, as an alternative to message callbacks.
package stream

import (
	"context"
	"io"
	"iter"

	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/client"
	"github.com/creachadair/muscle/deque"
)

// A Stream buffers the messages received by a transceiver so that they can
// be read one at a time. A Stream is safe for concurrent use, but each
// message is returned to only one reader.
type Stream struct {
	t  *client.Transceiver
	mb *deque.Mailbox[*muscle.Message]
}

// New constructs a Stream that receives the messages delivered to t. New
// replaces the message handler of t, so it should be called before t is
// started to avoid losing messages.
func New(t *client.Transceiver) *Stream {
	s := &Stream{t: t, mb: deque.NewMailbox[*muscle.Message]()}
	t.HandleMessages(func(msgs []*muscle.Message) { s.mb.Push(msgs...) })
	return s
}

// Len reports the number of received messages not yet read from s.
func (s *Stream) Len() int { return s.mb.Len() }

func (s *Stream) pop() (*muscle.Message, bool) {
	var out *muscle.Message
	s.mb.Drain(func(m *muscle.Message) bool {
		if out != nil {
			return false
		}
		out = m
		return true
	})
	return out, out != nil
}

// Next blocks until a message is available and returns it. Messages
// received before the transceiver disconnected are returned before any
// error. Once they are exhausted, Next reports io.EOF if the transceiver
// was closed or the remote peer disconnected, or otherwise the error that
// terminated it. If ctx ends first, Next reports the context error.
func (s *Stream) Next(ctx context.Context) (*muscle.Message, error) {
	for {
		if m, ok := s.pop(); ok {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.mb.Ready():
			// retry
		case <-s.t.Done():
			if m, ok := s.pop(); ok {
				return m, nil
			}
			if err := s.t.Wait(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
	}
}

// All returns an iterator over the messages of s, as reported by Next.
// If the stream ends with io.EOF the iterator simply ends; otherwise it
// yields a final (nil, err) pair.
func (s *Stream) All(ctx context.Context) iter.Seq2[*muscle.Message, error] {
	return func(yield func(*muscle.Message, error) bool) {
		for {
			m, err := s.Next(ctx)
			if err == io.EOF {
				return
			} else if err != nil {
				yield(nil, err)
				return
			} else if !yield(m, nil) {
				return
			}
		}
	}
}

// Close detaches s from its transceiver and discards any unread messages.
// Messages received after Close are dropped.
func (s *Stream) Close() {
	s.t.HandleMessages(nil)
	s.mb.Close()
}

// Send sends the messages yielded by seq to t in order. It stops and
// reports the first error yielded by seq or reported by t, or the error of
// ctx if it ends first.
func Send(ctx context.Context, t *client.Transceiver, seq iter.Seq2[*muscle.Message, error]) error {
	for m, err := range seq {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Send(m); err != nil {
			return err
		}
	}
	return nil
}
