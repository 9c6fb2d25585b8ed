// Package peers provides support code for running and testing transceivers
// that serve incoming connections.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/channel"
	"github.com/creachadair/muscle/client"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// An Accepter accepts connections from remote peers.
type Accepter interface {
	Accept(context.Context) (client.Conn, error)
}

// Loop accepts connections from acc and runs a transceiver for each one in a
// goroutine. Each transceiver is constructed with opts and passed to setup,
// if it is non-nil, before it is started; setup should register callbacks.
// Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running transceivers are closed. When acc closes,
// the loop waits for running transceivers to exit before returning.
func Loop(ctx context.Context, acc Accepter, opts *client.Options, setup func(*client.Transceiver)) error {
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		t, err := client.New("", "", opts)
		if err != nil {
			conn.Close()
			g.Wait()
			return err
		}
		if setup != nil {
			setup(t)
		}
		g.Go(func() error { return serve(ctx, t, conn) })
	}
}

// serve runs t on conn until it exits or ctx ends.
func serve(ctx context.Context, t *client.Transceiver, conn client.Conn) error {
	if err := t.Start(conn); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()
	return t.Wait()
}

// Reflect configures t to send each message it receives back to the remote
// peer unchanged, and returns t.
func Reflect(t *client.Transceiver) *client.Transceiver {
	return t.HandleMessages(func(msgs []*muscle.Message) { t.Send(msgs...) })
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (client.Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// WebSocketHandler returns an HTTP handler that upgrades each request to a
// WebSocket and runs a transceiver on it for the lifetime of the request.
// Transceivers are constructed and configured as for [Loop].
func WebSocketHandler(opts *client.Options, setup func(*client.Transceiver)) http.Handler {
	up := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return // the upgrader has already replied
		}
		t, err := client.New("ws", r.RemoteAddr, opts)
		if err != nil {
			ws.Close()
			return
		}
		if setup != nil {
			setup(t)
		}
		serve(r.Context(), t, channel.WebSocket(ws))
	})
}
