// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/creachadair/muscle/gateway"
)

// Default settings for [Options] fields left zero.
const (
	DefaultSendBufferSize    = 1 << 20
	DefaultReceiveBufferSize = 16 << 10
	DefaultBatchSize         = 200
	DefaultPollInterval      = 500 * time.Millisecond
)

// Options are settings for a [Transceiver]. A nil *Options is ready for use
// and provides default values as described on the fields.
type Options struct {
	// Encoding is the outgoing frame encoding. If zero, the default
	// (uncompressed) encoding is used.
	Encoding uint32

	// MaxIncomingMessageSize is the largest message body accepted from the
	// remote peer. If zero, incoming messages are not limited.
	MaxIncomingMessageSize int

	// SendBufferSize is the capacity in bytes of the buffer used to pack
	// outgoing frames into a single write. If zero, DefaultSendBufferSize.
	SendBufferSize int

	// ReceiveBufferSize is the size in bytes of each read from the connection.
	// If zero, DefaultReceiveBufferSize.
	ReceiveBufferSize int

	// BatchSize is the number of decoded messages that are delivered at once
	// even if more input is immediately available. If zero, DefaultBatchSize.
	BatchSize int

	// PollInterval bounds how long a read waits before the receiver checks
	// whether the transceiver has been closed. It applies only to connections
	// that support read deadlines. If zero, DefaultPollInterval.
	PollInterval time.Duration

	// Dial, if non-nil, is used by Connect to open a connection. If nil, a
	// net.Dialer is used.
	Dial func(ctx context.Context, network, addr string) (Conn, error)

	// Backend, if non-nil, is the compression backend for the codec.
	// If nil, gateway.StdZlib is used.
	Backend gateway.Backend

	// Logger, if non-nil, receives connection lifecycle events. If nil,
	// nothing is logged.
	Logger *slog.Logger
}

func (o *Options) encoding() uint32 {
	if o == nil || o.Encoding == 0 {
		return gateway.EncodingDefault
	}
	return o.Encoding
}

func (o *Options) maxIncoming() int {
	if o == nil {
		return 0
	}
	return o.MaxIncomingMessageSize
}

func (o *Options) sendBufferSize() int {
	if o == nil || o.SendBufferSize <= 0 {
		return DefaultSendBufferSize
	}
	return o.SendBufferSize
}

func (o *Options) receiveBufferSize() int {
	if o == nil || o.ReceiveBufferSize <= 0 {
		return DefaultReceiveBufferSize
	}
	return o.ReceiveBufferSize
}

func (o *Options) batchSize() int {
	if o == nil || o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func (o *Options) pollInterval() time.Duration {
	if o == nil || o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

func (o *Options) dial(ctx context.Context, network, addr string) (Conn, error) {
	if o == nil || o.Dial == nil {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	return o.Dial(ctx, network, addr)
}

func (o *Options) backend() gateway.Backend {
	if o == nil {
		return nil
	}
	return o.Backend
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}
