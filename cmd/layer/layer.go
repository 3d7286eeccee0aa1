// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program layer runs and inspects nodes of a layer publish/subscribe mesh.
package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/layer"
	"github.com/creachadair/layer/catalog"
	"github.com/creachadair/layer/handler"
	"github.com/creachadair/layer/hub"
	"github.com/creachadair/layer/packet"
	"github.com/creachadair/layer/peers"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var logFlags struct {
	Level string `flag:"log-level,default=info,Minimum level of log records (debug, info, warn, error)"`
	JSON  bool   `flag:"log-json,Write log records as JSON instead of text"`
}

var serveFlags struct {
	Addr      string        `flag:"addr,default=localhost:8080,Service address (host:port)"`
	Advertise string        `flag:"advertise,URL at which peers can reach this node"`
	Peers     string        `flag:"peer,Comma-separated URLs of peers to link to"`
	Sweep     time.Duration `flag:"sweep,default=30s,Interval between attempts to relink peers"`
	Subs      string        `flag:"sub,Comma-separated subject names to log deliveries for"`
	Weight    int           `flag:"weight,default=3,Interest weight for subjects with hub clients"`
	Timeout   time.Duration `flag:"handshake-timeout,default=10s,Time limit for link handshakes"`
}

var packFlags struct {
	Text bool `flag:"text,Write the packet in text form"`
}

// names remembers the subject names seen on the command line.
var names = catalog.New(catalog.DefaultSize)

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Run and inspect nodes of a layer publish/subscribe mesh.",
		SetFlags: command.Flags(flax.MustBind, &logFlags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run a node serving peers and hub clients.

The node accepts WebSocket links from peers at the root path, and WebSocket
hub clients at /client. A plain HTTP request for the root path returns the
identity of the node in hexadecimal. Metrics are served at /debug/vars.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "resolve",
				Usage: "<subject>...",
				Help: `Print the addresses of the given subjects.

A subject is a name, a quoted name, or an address in hexadecimal with the
prefix 0x or 16#.`,
				Run: runResolve,
			},
			{
				Name:  "pack",
				Usage: "<type> <subject> [<payload>]",
				Help: `Encode a hub client packet and write it to stdout.

The type is one of subscribe, unsubscribe, or publish. Only a publish packet
takes a payload. By default the packet is written in binary form; use --text
for the text form.`,
				SetFlags: command.Flags(flax.MustBind, &packFlags),
				Run:      runPack,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logFlags.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	var w io.Writer = os.Stderr
	if !logFlags.JSON {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	n := peers.Register(layer.NewNode(&layer.NodeOptions{
		Logger:           &log,
		HandshakeTimeout: serveFlags.Timeout,
		AdvertiseURL:     serveFlags.Advertise,
	}))
	defer n.Close()
	log.Info().Str("identity", n.Identity().String()).Msg("node started")

	for _, name := range splitList(serveFlags.Subs) {
		addr, err := names.Parse(name)
		if err != nil {
			return fmt.Errorf("subject %q: %w", name, err)
		}
		l := handler.Listener(func(d handler.Delivery[string]) {
			log.Info().Str("subject", names.Format(d.Subject)).Int("hops", len(d.Hops)).
				Str("data", d.Value).Msg("delivery")
		}, nil)
		if err := n.Interest(addr, l, layer.MaxRelayWeight); err != nil {
			return err
		}
	}

	h := hub.New()
	stop := hub.Bridge(h, n, serveFlags.Weight)
	defer stop()
	clients := hub.NewHandler(h, &log)

	expvar.Publish("layer", n.Metrics())
	expvar.Publish("hub", clients.Metrics())

	acc := peers.NewWebSocketAccepter()
	defer acc.Close()

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/client", clients)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			acc.ServeHTTP(w, r)
			return
		}
		fmt.Fprint(w, n.Identity().String())
	})

	lst, err := net.Listen("tcp", serveFlags.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}
	log.Info().Str("addr", lst.Addr().String()).Msg("listening")

	g := taskgroup.New(func(error) { cancel() })
	g.Go(func() error {
		if err := srv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return peers.Loop(ctx, acc, n, nil) })
	if urls := splitList(serveFlags.Peers); len(urls) != 0 {
		g.Go(func() error {
			peers.Sweep(ctx, n, urls, serveFlags.Sweep, nil)
			return nil
		})
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)
	acc.Close()
	return g.Wait()
}

func runResolve(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing subjects")
	}
	for _, arg := range env.Args {
		addr, err := names.Parse(arg)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t0x%s\n", names.Format(addr), addr)
	}
	return nil
}

func runPack(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing arguments")
	}
	typ, err := packet.ParseType(env.Args[0])
	if err != nil {
		return err
	}
	addr, err := names.Parse(env.Args[1])
	if err != nil {
		return err
	}
	pkt := packet.Packet{Type: typ, Address: addr}
	switch rest := env.Args[2:]; {
	case pkt.Type == packet.Publish && len(rest) == 1:
		pkt.Payload = []byte(rest[0])
	case pkt.Type != packet.Publish && len(rest) == 0:
	default:
		return env.Usagef("wrong number of arguments for %v", pkt.Type)
	}

	if packFlags.Text {
		fmt.Println(pkt.EncodeText())
	} else {
		os.Stdout.Write(pkt.Encode())
	}
	return nil
}
