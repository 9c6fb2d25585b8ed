// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package client implements a transceiver that exchanges MUSCLE messages with
// a remote peer over a byte-stream connection.
//
// A [Transceiver] owns a connection and runs a receiver and a sender in
// background goroutines. Outbound messages are queued by [Transceiver.Send]
// without blocking on I/O; inbound messages are delivered in batches to the
// callback registered with [Transceiver.HandleMessages]. Any error on the
// connection, or a call to [Transceiver.Close], terminates the transceiver
// and is reported once to the callback registered with
// [Transceiver.HandleDisconnect].
//
//	t, err := client.New("tcp", "localhost:2960", nil)
//	...
//	t.HandleMessages(func(ms []*muscle.Message) { ... })
//	t.HandleDisconnect(func(err error) { log.Printf("disconnected: %v", err) })
//	if err := t.Connect(ctx); err != nil {
//	   log.Fatalf("Connect: %v", err)
//	}
//	t.Send(msg)
package client

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/deque"
	"github.com/creachadair/muscle/gateway"
	"github.com/creachadair/taskgroup"
)

// ErrDisposed is reported by operations on a transceiver that has been
// closed or has disconnected.
var ErrDisposed = errors.New("transceiver is disposed")

// A Conn is a reliable ordered byte stream connected to a remote peer.
//
// If a Conn also has a SetReadDeadline(time.Time) error method, as a
// [net.Conn] does, the receiver uses it to bound the time spent waiting for
// input. Otherwise, a pending read is interrupted only by closing the Conn.
type Conn interface {
	io.ReadWriteCloser
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// State is the connection state of a [Transceiver].
type State int32

const (
	Unconnected  State = iota // not yet connected
	Connecting                // a connection attempt is in progress
	Connected                 // exchanging messages
	Disconnected              // terminated; this state is final
)

var stateNames = [...]string{"Unconnected", "Connecting", "Connected", "Disconnected"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A FrameLogger logs a message exchanged with the remote peer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a message and a flag indicating whether the message
// was sent or received.
type FrameInfo struct {
	*muscle.Message      // the message being logged
	Sent            bool // whether the message was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%v what=%s fields=%d", f.dir(), muscle.CodeString(f.What), f.Len())
}

// A Transceiver exchanges messages with a remote peer. Construct one with
// [New], register callbacks, then call Connect (or Start with an existing
// connection).
//
// The state of a transceiver moves from Unconnected through Connecting to
// Connected, and finally to Disconnected. A disconnected transceiver cannot
// be restarted; every later operation on it reports [ErrDisposed].
//
// The methods of a Transceiver are safe for concurrent use by multiple
// goroutines.
type Transceiver struct {
	network string
	addr    string
	opts    *Options
	log     *slog.Logger
	codec   *gateway.Codec
	outbox  *deque.Mailbox[*muscle.Message]
	done    chan struct{} // closed when the transceiver disconnects
	tasks   *taskgroup.Group
	failed  sync.Once

	μ sync.Mutex // N.B. acquire before the outbox lock, never after

	state  State
	conn   Conn
	err    error                   // the error that ended the transceiver
	onDisc func(error)             // disconnect callback
	onMsgs func([]*muscle.Message) // message batch callback
	flog   FrameLogger             // what it says on the tin
}

// New constructs a new unconnected transceiver for the given network address.
// The network and addr are used by Connect; they may be empty if the
// transceiver will only be started with Start. If opts == nil, default
// options are used.
func New(network, addr string, opts *Options) (*Transceiver, error) {
	codec, err := gateway.NewCodecFor(opts.encoding(), opts.maxIncoming())
	if err != nil {
		return nil, err
	}
	codec.SetBackend(opts.backend())
	return &Transceiver{
		network: network,
		addr:    addr,
		opts:    opts,
		log:     opts.logger().With("remote", addr),
		codec:   codec,
		outbox:  deque.NewMailbox[*muscle.Message](),
		done:    make(chan struct{}),
	}, nil
}

// Codec returns the codec used by t. The caller may use it to change the
// outgoing encoding while t is running.
func (t *Transceiver) Codec() *gateway.Codec { return t.codec }

// State reports the current state of t.
func (t *Transceiver) State() State {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.state
}

// Done returns a channel that is closed when t disconnects.
func (t *Transceiver) Done() <-chan struct{} { return t.done }

// RemoteAddr reports the address of the remote peer. If the connection
// reports its own remote address, that is used; otherwise it is the address
// given to New.
func (t *Transceiver) RemoteAddr() string {
	t.μ.Lock()
	defer t.μ.Unlock()
	if ra, ok := t.conn.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := ra.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return t.addr
}

// Metrics returns a metrics map for transceivers. Metrics are shared by all
// transceivers, and the result is the same map returned by [Metrics]. It is
// safe for the caller to add additional metrics to the map while the
// transceiver is active.
func (t *Transceiver) Metrics() *expvar.Map { return Metrics() }

// HandleDisconnect registers a callback that is invoked exactly once, when t
// terminates, with the error that caused it. If t was closed by a call to
// Close the error is [ErrDisposed]; if the remote peer closed the connection
// the error wraps [io.EOF]. Passing nil removes the callback. It returns t to
// permit chaining. Once t has terminated, the callback cannot be changed.
//
// The callback runs on the goroutine that detected the failure, which is
// either a service goroutine of t or the caller of Close. It must not call
// Wait or Stop.
func (t *Transceiver) HandleDisconnect(f func(error)) *Transceiver {
	t.μ.Lock()
	defer t.μ.Unlock()
	if !t.ignoreDisposedLocked("HandleDisconnect") {
		t.onDisc = f
	}
	return t
}

// HandleMessages registers a callback that receives batches of messages from
// the remote peer, in the order they were received. Passing nil removes the
// callback; messages received while no callback is registered are
// discarded. It returns t to permit chaining. Once t has terminated, the
// callback cannot be changed.
//
// The callback runs on the receiver goroutine of t, and no more input is read
// until it returns. It may call Send. If it panics, t is terminated.
func (t *Transceiver) HandleMessages(f func([]*muscle.Message)) *Transceiver {
	t.μ.Lock()
	defer t.μ.Unlock()
	if !t.ignoreDisposedLocked("HandleMessages") {
		t.onMsgs = f
	}
	return t
}

// LogFrames registers a callback that is invoked for each message sent to or
// received from the remote peer. Passing nil disables logging. It returns t
// to permit chaining. It has no effect once t has terminated.
func (t *Transceiver) LogFrames(log FrameLogger) *Transceiver {
	t.μ.Lock()
	defer t.μ.Unlock()
	if !t.ignoreDisposedLocked("LogFrames") {
		t.flog = log
	}
	return t
}

// ignoreDisposedLocked reports whether t has terminated, in which case the
// named operation has no effect. The caller must hold t.μ.
func (t *Transceiver) ignoreDisposedLocked(op string) bool {
	if t.state != Disconnected {
		return false
	}
	t.log.Warn("ignored after disposal", "op", op)
	return true
}

// Connect dials the address given to New and starts t on the resulting
// connection. It blocks until the connection is established or fails. A
// failure to connect terminates t.
func (t *Transceiver) Connect(ctx context.Context) error {
	t.μ.Lock()
	switch t.state {
	case Unconnected:
		t.state = Connecting
	case Disconnected:
		t.μ.Unlock()
		return ErrDisposed
	default:
		t.μ.Unlock()
		return fmt.Errorf("transceiver is already %v", t.state)
	}
	t.μ.Unlock()

	t.log.Debug("connecting", "network", t.network)
	conn, err := t.opts.dial(ctx, t.network, t.addr)
	if err != nil {
		err = fmt.Errorf("connect %s %s: %w", t.network, t.addr, err)
		t.fail(err)
		return err
	}
	return t.start(conn, Connecting)
}

// A ConnectOp is a pending connection attempt started by
// [Transceiver.BeginConnect].
type ConnectOp struct {
	done chan struct{}
	err  error
}

// Done returns a channel that is closed when the connection attempt is
// complete.
func (op *ConnectOp) Done() <-chan struct{} { return op.done }

// BeginConnect starts a connection attempt in the background and returns
// without waiting for it. Use [Transceiver.EndConnect] to obtain its result.
func (t *Transceiver) BeginConnect(ctx context.Context) *ConnectOp {
	op := &ConnectOp{done: make(chan struct{})}
	taskgroup.Go(func() error {
		defer close(op.done)
		op.err = t.Connect(ctx)
		return op.err
	})
	return op
}

// EndConnect blocks until op is complete and reports the result of the
// connection attempt.
func (t *Transceiver) EndConnect(op *ConnectOp) error {
	<-op.done
	return op.err
}

// Start starts t exchanging messages on conn, which is already connected
// to the remote peer. Start does not block; call Wait to wait for t to exit.
// Start reports an error if t is not unconnected.
func (t *Transceiver) Start(conn Conn) error { return t.start(conn, Unconnected) }

func (t *Transceiver) start(conn Conn, from State) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.state == Disconnected {
		conn.Close()
		return ErrDisposed
	} else if t.state != from {
		return fmt.Errorf("transceiver is already %v", t.state)
	}
	t.conn = conn
	t.state = Connected
	t.tasks = taskgroup.New(nil)
	t.tasks.Go(func() error { t.receive(conn); return nil })
	t.tasks.Go(func() error { t.send(conn); return nil })
	rootMetrics.connects.Add(1)
	rootMetrics.active.Add(1)
	t.log.Info("connected")
	return nil
}

// Send queues msgs to be sent to the remote peer in order. Send does not wait
// for the messages to be sent, and the caller must not modify them after
// Send returns. Messages queued before t connects are sent once it does.
// Messages from concurrent calls to Send may be interleaved, but the messages
// of each call are sent in order. It reports [ErrDisposed] if t has
// terminated.
func (t *Transceiver) Send(msgs ...*muscle.Message) error {
	for i, m := range msgs {
		if m == nil {
			return fmt.Errorf("message %d is nil", i)
		}
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.state == Disconnected || !t.outbox.Push(msgs...) {
		return ErrDisposed
	}
	rootMetrics.queueDepth.Add(int64(len(msgs)))
	return nil
}

// Close terminates t, closing its connection and discarding any messages not
// yet sent. It does not wait for the service goroutines to exit; use Wait or
// Stop for that. Close is safe to call more than once.
func (t *Transceiver) Close() error {
	t.fail(ErrDisposed)
	return nil
}

// Stop closes t and blocks until it has exited, and reports the same value
// as Wait.
func (t *Transceiver) Stop() error { t.Close(); return t.Wait() }

// Wait blocks until t terminates and reports the error that caused it.
// If t was closed, or the remote peer closed the connection, Wait reports
// nil. If t was never started, Wait returns immediately.
func (t *Transceiver) Wait() error {
	t.μ.Lock()
	g := t.tasks
	t.μ.Unlock()
	if g != nil {
		g.Wait()
	}

	t.μ.Lock()
	defer t.μ.Unlock()
	if treatErrorAsSuccess(t.err) {
		return nil
	}
	return t.err
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrDisposed)
}

// fail terminates t with err. Only the first call has any effect.
func (t *Transceiver) fail(err error) {
	t.failed.Do(func() {
		t.μ.Lock()
		wasConnected := t.state == Connected
		t.state = Disconnected
		t.err = err
		conn := t.conn
		onDisc := t.onDisc
		t.μ.Unlock()

		close(t.done)
		if conn != nil {
			conn.Close()
		}
		if n := t.outbox.Close(); n != 0 {
			rootMetrics.queueDepth.Add(-int64(n))
		}
		rootMetrics.disconnects.Add(1)
		if wasConnected {
			rootMetrics.active.Add(-1)
		}
		if errors.Is(err, ErrDisposed) {
			t.log.Info("closed")
		} else {
			t.log.Info("disconnected", "error", err)
		}

		if onDisc != nil {
			if perr := recoverPanic(func() { onDisc(err) }); perr != nil {
				t.log.Error("disconnect handler failed", "error", perr)
			}
		}
	})
}

// recoverPanic calls f, and converts a panic out of f into an error.
func recoverPanic(f func()) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	f()
	return nil
}

func (t *Transceiver) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// receive reads and decodes frames from conn and delivers them to the
// message handler, until t terminates or a read fails.
func (t *Transceiver) receive(conn Conn) {
	dec := gateway.NewDecoder(t.codec)
	buf := make([]byte, t.opts.receiveBufferSize())
	batch := t.opts.batchSize()
	poll := t.opts.pollInterval()
	rd, canPoll := conn.(readDeadliner)

	for !t.closed() {
		if canPoll {
			rd.SetReadDeadline(time.Now().Add(poll))
		}
		nr, err := conn.Read(buf)
		if nr > 0 {
			derr := dec.Decode(buf[:nr])

			// Deliver on a short read, since no more input is waiting, or when
			// a full batch has accumulated.
			if derr != nil || nr < len(buf) || len(dec.Received()) >= batch {
				if !t.deliver(dec.Take()) {
					return
				}
			}
			if derr != nil {
				t.fail(fmt.Errorf("decode: %w", derr))
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			} else if t.closed() {
				return
			}
			t.deliver(dec.Take())
			if errors.Is(err, io.EOF) {
				t.fail(fmt.Errorf("remote side disconnected: %w", io.EOF))
			} else {
				t.fail(fmt.Errorf("read: %w", err))
			}
			return
		}
	}
}

// deliver reports a batch of received messages to the message handler.
// It reports false if the handler failed, terminating t.
func (t *Transceiver) deliver(msgs []*muscle.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	t.μ.Lock()
	onMsgs, flog := t.onMsgs, t.flog
	t.μ.Unlock()

	rootMetrics.msgRecv.Add(int64(len(msgs)))
	if flog != nil {
		for _, m := range msgs {
			flog(FrameInfo{Message: m, Sent: false})
		}
	}
	if onMsgs == nil {
		rootMetrics.msgDropped.Add(int64(len(msgs)))
		return true
	}
	rootMetrics.batches.Add(1)
	if err := recoverPanic(func() { onMsgs(msgs) }); err != nil {
		t.fail(err)
		return false
	}
	t.log.Debug("delivered batch", "messages", len(msgs))
	return true
}

// send waits for outbound messages, packs them into frames, and writes them
// to conn, until t terminates or a write fails.
func (t *Transceiver) send(conn Conn) {
	enc := gateway.NewEncoder(t.codec, t.opts.sendBufferSize())
	for {
		select {
		case <-t.done:
			return
		case <-t.outbox.Ready():
		}

		// Drain the outbox completely, since Ready is signaled only when it
		// becomes non-empty.
		for {
			var big []byte // a frame too large for the encoder buffer
			var encErr error
			var sent []*muscle.Message // for logging
			t.μ.Lock()
			flog := t.flog
			t.μ.Unlock()

			n := t.outbox.Drain(func(m *muscle.Message) bool {
				if big != nil {
					return false
				}
				err := enc.Encode(m)
				if errors.Is(err, gateway.ErrEncoderFull) && enc.Len() == 0 {
					big, err = t.codec.Flatten(m)
				}
				if err != nil {
					if !errors.Is(err, gateway.ErrEncoderFull) {
						encErr = err
					}
					return false
				}
				if flog != nil {
					sent = append(sent, m)
				}
				return true
			})
			rootMetrics.queueDepth.Add(-int64(n))
			for _, m := range sent {
				flog(FrameInfo{Message: m, Sent: true})
			}
			if encErr != nil {
				t.fail(fmt.Errorf("encode: %w", encErr))
				return
			}
			if n == 0 {
				break
			}
			if enc.Len() != 0 {
				if _, err := conn.Write(enc.Drain()); err != nil {
					t.fail(fmt.Errorf("write: %w", err))
					return
				}
			}
			if big != nil {
				if _, err := conn.Write(big); err != nil {
					t.fail(fmt.Errorf("write: %w", err))
					return
				}
			}
			rootMetrics.msgSent.Add(int64(n))
		}
	}
}
