package main

import (
	"strings"

	"ariactl/aria2"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newOptionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "option",
		Short: "Read or change engine options",
	}
	cmd.AddCommand(newOptionGetCmd(a), newOptionSetCmd(a))
	return cmd
}

func newOptionGetCmd(a *app) *cobra.Command {
	var gid string
	cmd := &cobra.Command{
		Use:   "get [key...]",
		Short: "Show global options, or those of one download with --gid",
		RunE: a.run(func(cmd *cobra.Command, keys []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			var opts aria2.Options
			if gid != "" {
				opts, err = c.GetOption(ctx, gid)
			} else {
				opts, err = c.GetGlobalOption(ctx)
			}
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				picked := aria2.Options{}
				for _, k := range keys {
					if v, ok := opts[k]; ok {
						picked[k] = v
					}
				}
				opts = picked
			}
			return a.render(opts, func() pterm.TableData { return optionRows(opts) })
		}),
	}
	cmd.Flags().StringVar(&gid, "gid", "", "download to read options of")
	return cmd
}

func newOptionSetCmd(a *app) *cobra.Command {
	var gids []string
	cmd := &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Change global options, or those of downloads given with --gid",
		Long: `Change options. Without --gid the engine-wide options change. --gid can
be repeated to apply the same settings to several downloads.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(args)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			if len(gids) == 0 {
				if err := c.ChangeGlobalOption(ctx, opts); err != nil {
					return err
				}
				a.success("updated %d global options", len(opts))
				return nil
			}
			if err := c.ChangeOptionMany(ctx, gids, opts); err != nil {
				return err
			}
			a.success("updated %d options on %s", len(opts), strings.Join(gids, " "))
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&gids, "gid", nil, "downloads to change; repeatable")
	return cmd
}

// clientVersion is set at build time with -ldflags "-X main.clientVersion=...".
var clientVersion = "dev"

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and engine versions",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			v, err := c.GetVersion(ctx)
			if err != nil {
				return err
			}
			out := struct {
				Client   string   `json:"client"`
				Engine   string   `json:"engine"`
				Features []string `json:"features"`
			}{clientVersion, v.Version, v.EnabledFeatures}
			return a.render(out, func() pterm.TableData {
				return pterm.TableData{
					{"CLIENT", "ENGINE", "FEATURES"},
					{out.Client, out.Engine, strings.Join(out.Features, ", ")},
				}
			})
		}),
	}
}
