// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the client.Conn interface.
package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/muscle/client"
	"github.com/gorilla/websocket"
)

// Pipe constructs a connected pair of in-memory connections. Bytes written
// to A are read from B and vice versa. Unlike [net.Pipe], the connections do
// not support deadlines.
func Pipe() (A, B IOConn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return IO(ar, aw), IO(br, bw)
}

// IO constructs a connection that reads from r and writes to wc.
// Closing the connection closes wc, and also r if it is an [io.Closer].
func IO(r io.Reader, wc io.WriteCloser) IOConn { return IOConn{r: r, w: wc} }

// An IOConn is a connection that reads from a reader and writes to a writer.
type IOConn struct {
	r io.Reader
	w io.WriteCloser
}

// Read implements a method of the [client.Conn] interface.
func (c IOConn) Read(data []byte) (int, error) { return c.r.Read(data) }

// Write implements a method of the [client.Conn] interface.
func (c IOConn) Write(data []byte) (int, error) { return c.w.Write(data) }

// Close implements a method of the [client.Conn] interface.
func (c IOConn) Close() error {
	err := c.w.Close()
	if rc, ok := c.r.(io.Closer); ok {
		err = errors.Join(err, rc.Close())
	}
	return err
}

// WebSocket adapts a WebSocket connection to a byte stream. Each Write sends
// one binary message; Read returns the contents of received messages in
// order, without regard to message boundaries.
//
// The connection does not support read deadlines, since a WebSocket read
// that times out leaves the connection unusable.
func WebSocket(ws *websocket.Conn) *WSConn { return &WSConn{ws: ws} }

// A WSConn is a byte stream carried by the binary messages of a WebSocket.
type WSConn struct {
	ws *websocket.Conn
	rd io.Reader // the current message being read, or nil

	// Must hold wμ to write.
	wμ sync.Mutex
}

// Read implements a method of the [client.Conn] interface.
func (c *WSConn) Read(data []byte) (int, error) {
	for {
		if c.rd == nil {
			mt, rd, err := c.ws.NextReader()
			if err != nil {
				return 0, wsError(err)
			} else if mt != websocket.BinaryMessage {
				continue // discard
			}
			c.rd = rd
		}
		nr, err := c.rd.Read(data)
		if err == io.EOF {
			c.rd = nil
			if nr == 0 {
				continue
			}
			err = nil
		}
		return nr, err
	}
}

// Write implements a method of the [client.Conn] interface.
func (c *WSConn) Write(data []byte) (int, error) {
	c.wμ.Lock()
	defer c.wμ.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, wsError(err)
	}
	return len(data), nil
}

// Close implements a method of the [client.Conn] interface.
func (c *WSConn) Close() error { return c.ws.Close() }

// RemoteAddr reports the network address of the remote peer.
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// wsError maps a normal WebSocket closure to io.EOF.
func wsError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

// DialWebSocket dials a WebSocket at the given URL and returns a connection
// for its byte stream.
func DialWebSocket(ctx context.Context, url string) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return WebSocket(ws), nil
}

// Dialer returns a dial function for use in [client.Options]. For the
// networks "ws" and "wss" it dials a WebSocket, where the address is either
// a complete URL or a host:port and path to which the scheme is added. For
// other networks it uses a [net.Dialer].
func Dialer() func(ctx context.Context, network, addr string) (client.Conn, error) {
	return func(ctx context.Context, network, addr string) (client.Conn, error) {
		switch network {
		case "ws", "wss":
			if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
				addr = network + "://" + addr
			}
			conn, err := DialWebSocket(ctx, addr)
			if err != nil {
				return nil, err
			}
			return conn, nil
		default:
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
}
