package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ariactl/client"
	"ariactl/config"
	"ariactl/loadbalance"
	"ariactl/logging"
	"ariactl/middleware"
	"ariactl/registry"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	ConfigPath  string
	URL         string
	Secret      string
	Timeout     time.Duration
	Retries     int
	LogLevel    string
	Output      string
	Etcd        []string
	Engine      string
	Balancer    string
	AffinityKey string
	RateLimit   float64
}

func (f *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	fs.StringVarP(&f.URL, "url", "u", "", "engine websocket URL")
	fs.StringVar(&f.Secret, "secret", "", "engine rpc-secret")
	fs.DurationVar(&f.Timeout, "timeout", 0, "per-call timeout")
	fs.IntVar(&f.Retries, "retries", 0, "attempts per call, including the first")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVarP(&f.Output, "output", "o", "table", "output format: table or json")
	fs.StringSliceVar(&f.Etcd, "etcd", nil, "etcd endpoints for engine discovery")
	fs.StringVar(&f.Engine, "engine", "", "engine group name in the registry")
	fs.StringVar(&f.Balancer, "balancer", "", "round-robin, weighted-random or consistent-hash")
	fs.StringVar(&f.AffinityKey, "affinity-key", "", "key for consistent-hash engine selection (default hostname)")
	fs.Float64Var(&f.RateLimit, "rate-limit", 0, "maximum calls per second; 0 is unlimited")
}

// apply copies the flags the user actually set over cfg.
func (f *globalFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("url") {
		cfg.Client.URL = f.URL
	}
	if fs.Changed("secret") {
		cfg.Client.Secret = f.Secret
	}
	if fs.Changed("timeout") {
		cfg.Client.CallTimeout = f.Timeout
	}
	if fs.Changed("retries") {
		cfg.Client.Retry.MaxAttempts = f.Retries
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if fs.Changed("etcd") {
		cfg.Registry.Endpoints = f.Etcd
	}
	if fs.Changed("engine") {
		cfg.Registry.Name = f.Engine
	}
	if fs.Changed("balancer") {
		cfg.Registry.Balancer = f.Balancer
	}
	if fs.Changed("affinity-key") {
		cfg.Registry.Key = f.AffinityKey
	}
	if fs.Changed("rate-limit") {
		cfg.RateLimit = f.RateLimit
	}
}

// app carries the state built once per invocation.
type app struct {
	out    io.Writer
	flags  globalFlags
	cfg    config.Config
	logger *zap.Logger
	tty    bool

	closers []func() error
}

func (a *app) setup(cmd *cobra.Command) error {
	path, explicit := a.flags.ConfigPath, a.flags.ConfigPath != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}
	a.flags.apply(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch a.flags.Output {
	case "table", "json":
	default:
		return fmt.Errorf("output %q: want table or json", a.flags.Output)
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if f, ok := a.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		a.tty = true
	} else {
		pterm.DisableStyling()
	}
	return nil
}

// engineRegistry opens the configured etcd registry.
func (a *app) engineRegistry() (*registry.EtcdRegistry, error) {
	if !a.cfg.Registry.Enabled() {
		return nil, fmt.Errorf("no registry configured (use --etcd or ARIACTL_ETCD_ENDPOINTS)")
	}
	reg, err := registry.NewEtcdRegistry(a.cfg.Registry.Endpoints, a.logger.Named("registry"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, reg.Close)
	return reg, nil
}

// client builds the RPC client, resolving the engine through the registry
// when one is configured.
func (a *app) client(opts ...client.Option) (*client.Client, error) {
	opts = append([]client.Option{client.WithLogger(a.logger.Named("client"))}, opts...)
	if r := a.cfg.RateLimit; r > 0 {
		opts = append(opts, client.WithMiddleware(middleware.RateLimitMiddleware(r, max(1, int(r)))))
	}

	if a.cfg.Registry.Enabled() {
		reg, err := a.engineRegistry()
		if err != nil {
			return nil, err
		}
		picker, err := loadbalance.New(a.cfg.Registry.Balancer)
		if err != nil {
			return nil, err
		}
		key := a.cfg.Registry.Key
		if key == "" {
			key, _ = os.Hostname()
		}
		opts = append(opts, client.WithResolver(&registry.Resolver{
			Registry: reg,
			Name:     a.cfg.Registry.Name,
			Key:      key,
			Picker:   picker,
		}))
	}

	c := client.New(a.cfg.Client, opts...)
	a.closers = append(a.closers, c.Close)
	return c, nil
}

// run wraps a command body so everything it opened is closed on return.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return fn(cmd, args)
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// callContext bounds one command's work.
func (a *app) callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	budget := a.cfg.Client.CallTimeout * time.Duration(max(a.cfg.Client.Retry.MaxAttempts, 1)+1)
	return context.WithTimeout(cmd.Context(), budget)
}

// parseOptions turns key=value pairs into engine options.
func parseOptions(pairs []string) (map[string]string, error) {
	opts := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q: want key=value", p)
		}
		opts[k] = v
	}
	return opts, nil
}
