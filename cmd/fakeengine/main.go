// Command fakeengine serves an in-memory aria2 engine over websocket
// JSON-RPC. It is meant for trying ariactl without a real engine and for
// exercising engine discovery through etcd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ariactl/enginetest"
	"ariactl/logging"
	"ariactl/registry"
	"ariactl/server"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	Listen    string
	Advertise string
	Secret    string
	Origins   []string
	Etcd      []string
	Name      string
	Weight    int
	Seed      int
	Tick      time.Duration
	LogLevel  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("fakeengine", pflag.ContinueOnError)
	fs.StringVar(&o.Listen, "listen", "127.0.0.1:6800", "listen address")
	fs.StringVar(&o.Advertise, "advertise", "", "websocket URL announced to the registry (default derived from --listen)")
	fs.StringVar(&o.Secret, "secret", "", "rpc-secret clients must present")
	fs.StringSliceVar(&o.Origins, "allow-origin", nil, "browser origins allowed to connect")
	fs.StringSliceVar(&o.Etcd, "etcd", nil, "etcd endpoints to announce on")
	fs.StringVar(&o.Name, "name", "aria2", "engine group name in the registry")
	fs.IntVar(&o.Weight, "weight", 1, "relative capacity for weighted balancing")
	fs.IntVar(&o.Seed, "seed", 3, "sample downloads to create at startup")
	fs.DurationVar(&o.Tick, "tick", time.Second, "progress step interval; 0 freezes downloads")
	fs.StringVar(&o.LogLevel, "log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if o.Advertise == "" {
		o.Advertise = "ws://" + o.Listen + server.Path
	}
	return o, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = o.LogLevel
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srvOpts := []server.Option{
		server.WithLogger(logger.Named("server")),
		server.WithSecret(o.Secret),
		server.WithAnnouncement(o.Name, o.Weight, enginetest.Version),
	}
	if len(o.Origins) > 0 {
		srvOpts = append(srvOpts, server.WithAllowedOrigins(o.Origins...))
	}
	srv := server.NewServer(srvOpts...)
	engine := enginetest.NewEngine()
	if err := engine.Mount(srv); err != nil {
		return err
	}
	seed(engine, o.Seed)

	var reg registry.Registry
	if len(o.Etcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(o.Etcd, logger.Named("registry"))
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.Tick > 0 {
		go func() {
			t := time.NewTicker(o.Tick)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					engine.Tick()
				}
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(o.Listen, o.Advertise, reg) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.Int("connections", srv.Connections()))
	return srv.Shutdown(5 * time.Second)
}

// seed creates n downloads at different speeds so a client has something to show.
func seed(e *enginetest.Engine, n int) {
	for i := range n {
		gid := e.Add(fmt.Sprintf("http://mirror.example.com/sample-%d.iso", i+1), nil)
		total := int64(64<<20) * int64(i+1)
		_ = e.SetProgress(gid, 0, total, int64(512<<10)*int64(i+1))
	}
}
