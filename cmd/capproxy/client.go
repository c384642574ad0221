package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/guseggert/capproxy/directory"
	"github.com/guseggert/capproxy/host"
	"github.com/guseggert/capproxy/proxy"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "addr",
		Usage:   "Address of the host. Looked up in the directory when empty.",
		EnvVars: []string{"CAPPROXY_ADDR"},
	},
	&cli.StringFlag{
		Name:    "tls-dir",
		Usage:   "Directory holding the client PEM files written by certs.",
		EnvVars: []string{"CAPPROXY_TLS_DIR"},
	},
	&cli.StringFlag{
		Name:    "codec",
		Usage:   "Bus codec. One of [json,cbor].",
		Value:   "json",
		EnvVars: []string{"CAPPROXY_CODEC"},
	},
	&cli.StringSliceFlag{
		Name:    "etcd-endpoints",
		Usage:   "etcd endpoints of the channel directory.",
		EnvVars: []string{"CAPPROXY_ETCD_ENDPOINTS"},
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for the host and the answer.",
		Value: 30 * time.Second,
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "Log protocol traffic.",
	},
}

func withClientFlags(flags ...cli.Flag) []cli.Flag {
	return append(append([]cli.Flag{}, clientFlags...), flags...)
}

var channelFlag = &cli.StringFlag{
	Name:     "channel",
	Usage:    "The channel to connect to.",
	Required: true,
}

var channelsCommand = &cli.Command{
	Name:  "channels",
	Usage: "list the channels a host serves",
	Flags: clientFlags,
	Action: func(ctx *cli.Context) error {
		c, cancel, err := hostClient(ctx, "")
		if err != nil {
			return err
		}
		defer cancel()
		descs, err := c.Channels(ctx.Context)
		if err != nil {
			return fmt.Errorf("listing channels: %w", err)
		}
		return printJSON(ctx.App.Writer, descs)
	},
}

var callCommand = &cli.Command{
	Name:        "call",
	Usage:       "read a value or call a function",
	ArgsUsage:   "MEMBER [ARG...]",
	Description: "Arguments are parsed as JSON, falling back to strings.",
	Flags:       withClientFlags(channelFlag),
	Action: func(ctx *cli.Context) error {
		member, args, err := memberArgs(ctx)
		if err != nil {
			return err
		}
		client, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		var fut *proxy.Future
		switch client.Descriptor().Properties[member] {
		case proxy.KindValue:
			if len(args) > 0 {
				return fmt.Errorf("%q is a value and takes no arguments", member)
			}
			fut = client.Get(member)
		default:
			fut = client.Call(member, args...)
		}
		v, err := fut.Await(ctx.Context)
		if err != nil {
			return err
		}
		return printJSON(ctx.App.Writer, v)
	},
}

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "subscribe to a stream and print its values",
	ArgsUsage: "MEMBER [ARG...]",
	Flags: withClientFlags(channelFlag, &cli.IntFlag{
		Name:  "count",
		Usage: "Stop after this many values. 0 means until the stream ends.",
	}),
	Action: func(ctx *cli.Context) error {
		member, args, err := memberArgs(ctx)
		if err != nil {
			return err
		}
		// --timeout bounds connecting, not watching
		parent := ctx.Context
		client, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		var stream *proxy.Stream
		switch client.Descriptor().Properties[member] {
		case proxy.KindStreamFactory:
			stream, err = client.OpenStream(member, args...)
		default:
			stream, err = client.Stream(member)
		}
		if err != nil {
			return err
		}

		watchCtx, cancel := context.WithCancel(parent)
		defer cancel()
		values, wait := stream.Values(watchCtx)
		count := ctx.Int("count")
		n := 0
		for v := range values {
			if err := printJSON(ctx.App.Writer, v); err != nil {
				return err
			}
			n++
			if count > 0 && n >= count {
				cancel()
				break
			}
		}
		if err := wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func memberArgs(ctx *cli.Context) (string, []any, error) {
	if ctx.NArg() == 0 {
		return "", nil, errors.New("a member is required")
	}
	member := ctx.Args().First()
	var args []any
	for _, raw := range ctx.Args().Tail() {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args = append(args, v)
	}
	return member, args, nil
}

func filesIn(dir string, files host.TLSFiles) host.TLSFiles {
	return host.TLSFiles{
		CACert: filepath.Join(dir, files.CACert),
		Cert:   filepath.Join(dir, files.Cert),
		Key:    filepath.Join(dir, files.Key),
	}
}

func logger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	if !ctx.Bool("verbose") {
		return zap.NewNop().Sugar(), nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// resolveAddr returns --addr, or the first directory entry for channel.
func resolveAddr(ctx *cli.Context, channel string) (string, error) {
	if addr := ctx.String("addr"); addr != "" {
		return addr, nil
	}
	endpoints := ctx.StringSlice("etcd-endpoints")
	if channel == "" || len(endpoints) == 0 {
		return "", errors.New("--addr is required without --channel and --etcd-endpoints")
	}
	dir, err := directory.NewEtcd(endpoints)
	if err != nil {
		return "", err
	}
	defer dir.Close()
	entries, err := dir.Lookup(ctx.Context, channel)
	if err != nil {
		return "", err
	}
	return entries[0].Addr, nil
}

// hostClient builds a host client and waits for the host. cancel releases the timeout.
func hostClient(ctx *cli.Context, channel string) (*host.Client, context.CancelFunc, error) {
	log, err := logger(ctx)
	if err != nil {
		return nil, nil, err
	}
	timeoutCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
	ctx.Context = timeoutCtx

	addr, err := resolveAddr(ctx, channel)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	opts := []host.ClientOption{host.WithClientCodec(ctx.String("codec"))}
	if dir := ctx.String("tls-dir"); dir != "" {
		tlsConfig, err := filesIn(dir, host.ClientFiles).ClientConfig()
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("building client TLS config: %w", err)
		}
		opts = append(opts, host.WithClientTLS(tlsConfig))
	}
	c, err := host.NewClient(log, addr, opts...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if err := c.WaitForServer(ctx.Context); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("waiting for host %s: %w", addr, err)
	}
	return c, cancel, nil
}

func connect(ctx *cli.Context) (*proxy.Client, func(), error) {
	c, cancel, err := hostClient(ctx, ctx.String("channel"))
	if err != nil {
		return nil, nil, err
	}
	client, conn, err := c.Connect(ctx.Context, ctx.String("channel"))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		conn.Close()
		cancel()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
