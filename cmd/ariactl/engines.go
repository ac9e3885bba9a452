package main

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"

	"ariactl/registry"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newEnginesCmd(a *app) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "List engines announced in the registry",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			reg, err := a.engineRegistry()
			if err != nil {
				return err
			}
			name := a.cfg.Registry.Name
			show := func(instances []registry.EngineInstance) error {
				if instances == nil {
					instances = []registry.EngineInstance{}
				}
				return a.render(instances, func() pterm.TableData { return engineRows(instances) })
			}

			if !follow {
				ctx, cancel := a.callContext(cmd)
				defer cancel()
				instances, err := reg.Discover(ctx, name)
				if err != nil {
					return err
				}
				return show(instances)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			updates := reg.Watch(ctx, name)
			instances, err := reg.Discover(ctx, name)
			if err != nil {
				return err
			}
			if err := show(instances); err != nil {
				return err
			}
			for instances := range updates {
				if err := show(instances); err != nil {
					return err
				}
			}
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "keep printing membership changes")
	return cmd
}

func engineRows(instances []registry.EngineInstance) pterm.TableData {
	rows := pterm.TableData{{"ADDR", "WEIGHT", "VERSION"}}
	for _, in := range instances {
		rows = append(rows, []string{in.Addr, strconv.Itoa(in.Weight), in.Version})
	}
	return rows
}
