package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/capproxy/directory"
	"github.com/guseggert/capproxy/examples/clock"
	"github.com/guseggert/capproxy/host"
	"github.com/guseggert/capproxy/internal/files"
	"github.com/guseggert/capproxy/proxy"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate a CA and mTLS server and client certs",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory to write the PEM files to.",
			Value: "certs",
		},
		&cli.StringSliceFlag{
			Name:  "host",
			Usage: "IP address or DNS name the server cert is valid for. Repeatable.",
			Value: cli.NewStringSlice("127.0.0.1", "localhost"),
		},
	},
	Action: func(ctx *cli.Context) error {
		certs, err := host.GenerateCerts(ctx.StringSlice("host")...)
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		server, client, err := certs.WriteFiles(ctx.String("dir"))
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "server: %s %s %s\nclient: %s %s %s\n",
			server.CACert, server.Cert, server.Key, client.CACert, client.Cert, client.Key)
		return nil
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the clock service on a host",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML config file. Flags override it. Defaults to the nearest capproxy.yaml above the working directory.",
			EnvVars: []string{"CAPPROXY_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			EnvVars: []string{"CAPPROXY_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "advertise-addr",
			Usage:   "The address published to the directory.",
			EnvVars: []string{"CAPPROXY_ADVERTISE_ADDR"},
		},
		&cli.StringFlag{
			Name:    "tls-dir",
			Usage:   "Directory holding the server PEM files written by certs. Enables mTLS.",
			EnvVars: []string{"CAPPROXY_TLS_DIR"},
		},
		&cli.StringSliceFlag{
			Name:    "etcd-endpoints",
			Usage:   "etcd endpoints of the channel directory.",
			EnvVars: []string{"CAPPROXY_ETCD_ENDPOINTS"},
		},
		&cli.StringFlag{
			Name:  "zone",
			Usage: "Time zone of the clock.",
			Value: "UTC",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level.",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := serveConfig(ctx)
		if err != nil {
			return err
		}

		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		logger = logger.WithOptions(zap.IncreaseLevel(level))
		log := logger.Sugar()

		registry := proxy.NewRegistry(append(cfg.RegistryOptions(), proxy.WithLogger(log))...)
		defer registry.Close()

		opts, err := cfg.Options()
		if err != nil {
			return err
		}
		h, err := host.New(registry, append(opts, host.WithLogger(logger))...)
		if err != nil {
			return fmt.Errorf("building host: %w", err)
		}

		c, err := clock.New(ctx.String("zone"))
		if err != nil {
			return err
		}
		if _, err := h.Register(c, clock.Descriptor); err != nil {
			return fmt.Errorf("registering clock: %w", err)
		}

		if err := h.Listen(); err != nil {
			return err
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if len(cfg.EtcdEndpoints) > 0 {
			dir, err := directory.NewEtcd(cfg.EtcdEndpoints, directory.WithTTL(cfg.DirectoryTTL), directory.WithLogger(log))
			if err != nil {
				return err
			}
			defer dir.Close()
			addr := cfg.AdvertiseAddr
			if addr == "" {
				addr = h.Addr()
			}
			if err := directory.PublishAll(sigCtx, dir, registry, addr, cfg.TLS.Enabled(), ""); err != nil {
				return err
			}
			defer func() {
				withdrawCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := directory.WithdrawAll(withdrawCtx, dir, registry, addr); err != nil {
					log.Warnw("error withdrawing channels", "Error", err)
				}
			}()
		}

		go func() {
			<-sigCtx.Done()
			h.Stop()
		}()
		return h.Run()
	},
}

const configFileName = "capproxy.yaml"

// serveConfig layers flags over the config file over the defaults.
func serveConfig(ctx *cli.Context) (host.Config, error) {
	cfg := host.DefaultConfig()
	path := ctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, err
		}
		if path, err = files.FindUp(configFileName, wd); err != nil {
			return cfg, err
		}
	}
	if path != "" {
		var err error
		if cfg, err = host.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("advertise-addr") {
		cfg.AdvertiseAddr = ctx.String("advertise-addr")
	}
	if ctx.IsSet("tls-dir") {
		cfg.TLS = filesIn(ctx.String("tls-dir"), host.ServerFiles)
	}
	if ctx.IsSet("etcd-endpoints") {
		cfg.EtcdEndpoints = ctx.StringSlice("etcd-endpoints")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	return cfg, cfg.Validate()
}
