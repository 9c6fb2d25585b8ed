// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program muscle is a command-line utility for working with MUSCLE messages
// and peers.
package main

import (
	"bufio"
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/muscle"
	"github.com/creachadair/muscle/channel"
	"github.com/creachadair/muscle/client"
	"github.com/creachadair/muscle/gateway"
	"github.com/creachadair/muscle/peers"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var rootFlags struct {
	Verbose bool `flag:"v,Enable verbose logging"`
}

var packFlags struct {
	Level int `flag:"z,Compression level (0 for none or 1 to 9 for zlib)"`
}

var dumpFlags struct {
	Limit int `flag:"limit,Maximum message size in bytes (0 means no limit)"`
}

var sendFlags struct {
	Level int           `flag:"z,Compression level (0 for none or 1 to 9 for zlib)"`
	Count int           `flag:"n,default=1,Number of copies of the message to send"`
	Wait  time.Duration `flag:"wait,default=1s,How long to wait for replies"`
}

var serveFlags struct {
	Level     int    `flag:"z,Compression level (0 for none or 1 to 9 for zlib)"`
	Limit     int    `flag:"limit,Maximum incoming message size in bytes (0 means no limit)"`
	WebSocket bool   `flag:"ws,Serve WebSocket connections over HTTP"`
	Quiet     bool   `flag:"q,Do not print received messages"`
	NoEcho    bool   `flag:"no-echo,Do not reflect received messages to the sender"`
	Metrics   string `flag:"metrics,Serve metrics over HTTP at this address"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for working with MUSCLE messages and peers.",

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &rootFlags) },

		Commands: []*command.C{
			{
				Name:  "pack",
				Usage: "<what> <field>...",
				Help: `Pack a message into a frame and write it to stdout.

The what code is a four-character code (e.g., "ping") or an integer.
Each field argument has the form name:type=value[,value...], where the type
is one of:

  bool, int8, int16, int32, int64, float, double, string, raw
  point  : coordinates x/y
  rect   : coordinates left/top/right/bottom

Repeating a field name adds more values to that field.
`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &packFlags) },
				Run:      runPack,
			},
			{
				Name:  "dump",
				Usage: "[file]",
				Help: `Print the messages in a stream of frames.

If no file is named, frames are read from stdin.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &dumpFlags) },
				Run:      runDump,
			},
			{
				Name:  "send",
				Usage: "<addr> <what> <field>...",
				Help: `Send a message to a peer and print the replies.

The address is a host:port for TCP, or a ws:// or wss:// URL for WebSocket.
The message is specified as for the "pack" command.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &sendFlags) },
				Run:      runSend,
			},
			{
				Name:  "serve",
				Usage: "<addr>",
				Help: `Serve peers that connect to the given address.

By default, each message received is printed and sent back to its sender.
With -ws, the address is an HTTP address, and peers connect via WebSocket.
With -metrics, counters are served in Prometheus format at /metrics and as
JSON at /debug/vars.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &serveFlags) },
				Run:      runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if rootFlags.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// encodingFor returns the frame encoding for a compression level.
func encodingFor(level int) (uint32, error) {
	if level < 0 || level > 9 {
		return 0, fmt.Errorf("invalid compression level %d", level)
	}
	return gateway.EncodingDefault + uint32(level), nil
}

func messageArgs(env *command.Env, args []string) (*muscle.Message, error) {
	if len(args) == 0 {
		return nil, env.Usagef("missing what code")
	}
	what, err := parseWhat(args[0])
	if err != nil {
		return nil, err
	}
	return parseMessage(what, args[1:])
}

func runPack(env *command.Env) error {
	m, err := messageArgs(env, env.Args)
	if err != nil {
		return err
	}
	enc, err := encodingFor(packFlags.Level)
	if err != nil {
		return err
	}
	c, err := gateway.NewCodecFor(enc, 0)
	if err != nil {
		return err
	}
	return c.WriteMessage(os.Stdout, m)
}

func runDump(env *command.Env) error {
	var in io.Reader = os.Stdin
	switch len(env.Args) {
	case 0:
	case 1:
		f, err := os.Open(env.Args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	default:
		return env.Usagef("extra arguments after file: %q", env.Args[1:])
	}

	c := gateway.NewCodec().SetMaxIncomingMessageSize(dumpFlags.Limit)
	r := bufio.NewReader(in)
	for i := 1; ; i++ {
		m, err := c.ReadMessage(r)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		fmt.Printf("-- frame %d\n%v\n", i, m)
	}
}

func runSend(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing address and what code")
	}
	addr := env.Args[0]
	m, err := messageArgs(env, env.Args[1:])
	if err != nil {
		return err
	}
	enc, err := encodingFor(sendFlags.Level)
	if err != nil {
		return err
	}

	log := logger()
	opts := &client.Options{Encoding: enc, Logger: log}
	network := "tcp"
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		network = "ws"
		opts.Dial = channel.Dialer()
	}
	t, err := client.New(network, addr, opts)
	if err != nil {
		return err
	}
	t.HandleMessages(printMessages)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := t.Connect(ctx); err != nil {
		return err
	}
	for range sendFlags.Count {
		if err := t.Send(m); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(sendFlags.Wait):
	}
	return t.Stop()
}

func printMessages(msgs []*muscle.Message) {
	for _, m := range msgs {
		fmt.Println(m)
	}
}

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("wrong number of arguments")
	}
	enc, err := encodingFor(serveFlags.Level)
	if err != nil {
		return err
	}
	log := logger()
	opts := &client.Options{
		Encoding:               enc,
		MaxIncomingMessageSize: serveFlags.Limit,
		Logger:                 log,
	}
	setup := func(t *client.Transceiver) {
		t.HandleMessages(func(msgs []*muscle.Message) {
			if !serveFlags.Quiet {
				printMessages(msgs)
			}
			if !serveFlags.NoEcho {
				t.Send(msgs...)
			}
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g := taskgroup.New(nil)
	if serveFlags.Metrics != "" {
		g.Go(func() error { return serveHTTP(ctx, serveFlags.Metrics, metricsHandler(), log) })
	}
	if serveFlags.WebSocket {
		g.Go(func() error { return serveHTTP(ctx, env.Args[0], peers.WebSocketHandler(opts, setup), log) })
	} else {
		lst, err := net.Listen("tcp", env.Args[0])
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		log.Info("serving", "addr", lst.Addr().String())
		g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), opts, setup) })
	}
	return g.Wait()
}

// serveHTTP serves h at addr until ctx ends.
func serveHTTP(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h}
	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()
	log.Info("serving HTTP", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// metricsHandler publishes the gateway and client metrics maps via expvar,
// and returns a handler that serves them in Prometheus and JSON formats.
func metricsHandler() http.Handler {
	expvar.Publish("muscle_gateway", gateway.Metrics())
	expvar.Publish("muscle_client", client.Metrics())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewExpvarCollector(map[string]*prometheus.Desc{
		"muscle_gateway": prometheus.NewDesc(
			"muscle_gateway", "MUSCLE frame codec counters.", []string{"metric"}, nil),
		"muscle_client": prometheus.NewDesc(
			"muscle_client", "MUSCLE transceiver counters.", []string{"metric"}, nil),
	}))
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}
