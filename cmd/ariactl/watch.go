package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ariactl/client"
	"ariactl/format"
	"ariactl/message"
	"ariactl/middleware"
	"ariactl/poller"
	"ariactl/protocol"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow downloads and engine events until interrupted",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("interval") {
				a.cfg.PollInterval = interval
			}
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx)
		}),
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "poll interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9101")
	return cmd
}

func (a *app) watch(ctx context.Context) error {
	events := make(chan *message.Notification, 64)
	opts := []client.Option{client.WithNotificationHandler(func(n *message.Notification) {
		select {
		case events <- n:
		default:
			a.logger.Debug("dropped engine event", zap.String("method", n.Method))
		}
	})}

	var c *client.Client
	if a.cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		m := middleware.NewMetrics(reg, func() float64 { return float64(c.Pending()) })
		opts = append(opts, client.WithMetrics(m))
		stopMetrics, err := a.serveMetrics(reg)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}
	c, err := a.client(opts...)
	if err != nil {
		return err
	}

	var area *pterm.AreaPrinter
	if a.tty && a.flags.Output == "table" {
		area, _ = pterm.DefaultArea.Start()
		defer func() { _ = area.Stop() }()
	}

	var prev *poller.Snapshot
	p := poller.New(c, a.cfg.PollInterval, func(s poller.Snapshot) {
		if !s.Changed(prev) {
			return
		}
		prev = &s
		a.showSnapshot(&s, area)
	}, a.logger.Named("poller"))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-events:
				a.showEvent(n)
			}
		}
	}()

	err = p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) showSnapshot(s *poller.Snapshot, area *pterm.AreaPrinter) {
	if a.flags.Output == "json" {
		_ = a.render(s, nil)
		return
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(downloadRows(s.All())).Srender()
	if err != nil {
		return
	}
	header := fmt.Sprintf("%s  down %s  up %s\n", s.At.Format(time.TimeOnly), format.Speed(s.Stat.Down()), format.Speed(s.Stat.Up()))
	if area != nil {
		area.Update(header + table)
		return
	}
	fmt.Fprintln(a.out, header+table)
}

func (a *app) showEvent(n *message.Notification) {
	if a.flags.Output == "json" {
		_ = a.render(n, nil)
		return
	}
	a.info("%s %s", strings.TrimPrefix(protocol.Verb(n.Method), "on"), strings.Join(n.GIDs(), " "))
}

// serveMetrics exposes reg on a.cfg.MetricsAddr and returns a stop func.
func (a *app) serveMetrics(reg *prometheus.Registry) (func(), error) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return nil, fmt.Errorf("metrics listener: %w", err)
	case <-time.After(50 * time.Millisecond):
	}
	a.logger.Info("serving metrics", zap.String("addr", a.cfg.MetricsAddr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
