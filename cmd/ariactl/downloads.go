package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ariactl/aria2"
	"ariactl/client"
	"ariactl/poller"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var listQueues = []string{"active", "waiting", "stopped", "all"}

func newListCmd(a *app) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:       "list [active|waiting|stopped|all]",
		Short:     "List downloads",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: listQueues,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			queue := "all"
			if len(args) == 1 {
				queue = args[0]
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			var ds []aria2.Download
			switch queue {
			case "active":
				ds, err = c.TellActive(ctx)
			case "waiting":
				ds, err = c.TellWaiting(ctx, offset, limit)
			case "stopped":
				ds, err = c.TellStopped(ctx, offset, limit)
			default:
				var snap *poller.Snapshot
				snap, err = poller.New(c, a.cfg.PollInterval, nil, a.logger).Poll(ctx)
				if snap != nil {
					ds = snap.All()
				}
			}
			if err != nil {
				return err
			}
			if ds == nil {
				ds = []aria2.Download{}
			}
			return a.render(ds, func() pterm.TableData { return downloadRows(ds) })
		}),
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "first entry of waiting/stopped; negative counts from the end")
	cmd.Flags().IntVar(&limit, "limit", poller.PageSize, "maximum entries of waiting/stopped")
	return cmd
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show aggregate speeds and queue sizes",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			stat, err := c.GetGlobalStat(ctx)
			if err != nil {
				return err
			}
			return a.render(stat, func() pterm.TableData { return statRows(stat) })
		}),
	}
}

// submitFlags are shared by the add commands.
type submitFlags struct {
	Dir     string
	Pause   bool
	Options []string
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Dir, "dir", "d", "", "download directory")
	cmd.Flags().BoolVar(&f.Pause, "pause", false, "queue the download paused")
	cmd.Flags().StringArrayVar(&f.Options, "opt", nil, "engine option as key=value; repeatable")
}

func (f *submitFlags) options() (aria2.Options, error) {
	opts, err := parseOptions(f.Options)
	if err != nil {
		return nil, err
	}
	if f.Dir != "" {
		opts["dir"] = f.Dir
	}
	if f.Pause {
		opts["pause"] = "true"
	}
	return opts, nil
}

func newAddCmd(a *app) *cobra.Command {
	var sf submitFlags
	var mirrors bool
	cmd := &cobra.Command{
		Use:   "add <uri>...",
		Short: "Queue downloads from URIs",
		Long: `Queue one download per URI. With --mirrors all URIs are treated as
sources of the same file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts, err := sf.options()
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			groups := [][]string{args}
			if !mirrors {
				groups = make([][]string, 0, len(args))
				for _, u := range args {
					groups = append(groups, []string{u})
				}
			}
			gids := make([]string, 0, len(groups))
			for _, uris := range groups {
				gid, err := c.AddURI(ctx, uris, opts)
				if err != nil {
					return fmt.Errorf("add %s: %w", uris[0], err)
				}
				gids = append(gids, gid)
				a.success("queued %s as %s", uris[0], gid)
			}
			if a.flags.Output == "json" {
				return a.render(gids, nil)
			}
			return nil
		}),
	}
	sf.register(cmd)
	cmd.Flags().BoolVar(&mirrors, "mirrors", false, "treat all URIs as mirrors of one file")
	return cmd
}

func newAddTorrentCmd(a *app) *cobra.Command {
	var sf submitFlags
	var seeds []string
	cmd := &cobra.Command{
		Use:   "add-torrent <file>",
		Short: "Queue a torrent file",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts, err := sf.options()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			gid, err := c.AddTorrent(ctx, data, seeds, opts)
			if err != nil {
				return err
			}
			a.success("queued %s as %s", args[0], gid)
			if a.flags.Output == "json" {
				return a.render(gid, nil)
			}
			return nil
		}),
	}
	sf.register(cmd)
	cmd.Flags().StringSliceVar(&seeds, "web-seed", nil, "web seed URIs")
	return cmd
}

func newAddMetalinkCmd(a *app) *cobra.Command {
	var sf submitFlags
	cmd := &cobra.Command{
		Use:   "add-metalink <file>",
		Short: "Queue every download of a metalink document",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts, err := sf.options()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			gids, err := c.AddMetalink(ctx, data, opts)
			if err != nil {
				return err
			}
			a.success("queued %d downloads: %s", len(gids), strings.Join(gids, " "))
			if a.flags.Output == "json" {
				return a.render(gids, nil)
			}
			return nil
		}),
	}
	sf.register(cmd)
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the files of a torrent without downloading it",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			info, err := c.InspectTorrent(ctx, data)
			if err != nil {
				return err
			}
			return a.render(info.Files, func() pterm.TableData { return fileRows(info.Files) })
		}),
	}
}

// bulkCmd builds pause/resume style commands acting on gids or, with --all,
// on the whole queue.
func bulkCmd(a *app, use, short, done string,
	one func(c *client.Client, cmd *cobra.Command, gids []string, force bool) error,
	all func(c *client.Client, cmd *cobra.Command) error,
) *cobra.Command {
	var everything, force bool
	cmd := &cobra.Command{
		Use:   use + " <gid>...",
		Short: short,
		Args: func(cmd *cobra.Command, args []string) error {
			if everything && len(args) > 0 {
				return fmt.Errorf("--all takes no gids")
			}
			if !everything && len(args) == 0 {
				return fmt.Errorf("requires at least one gid or --all")
			}
			return nil
		},
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if everything {
				err = all(c, cmd)
			} else {
				err = one(c, cmd, args, force)
			}
			if err != nil {
				return err
			}
			if everything {
				a.success("%s all downloads", done)
			} else {
				a.success("%s %s", done, strings.Join(args, " "))
			}
			return nil
		}),
	}
	if all != nil {
		cmd.Flags().BoolVar(&everything, "all", false, "apply to every download")
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the engine's cleanup actions")
	return cmd
}

func newPauseCmd(a *app) *cobra.Command {
	return bulkCmd(a, "pause", "Pause downloads", "paused",
		func(c *client.Client, cmd *cobra.Command, gids []string, force bool) error {
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if !force {
				return c.PauseMany(ctx, gids)
			}
			return client.Each(ctx, gids, func(ctx context.Context, gid string) error {
				_, err := c.ForcePause(ctx, gid)
				return err
			})
		},
		func(c *client.Client, cmd *cobra.Command) error {
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			return c.PauseAll(ctx)
		})
}

func newResumeCmd(a *app) *cobra.Command {
	cmd := bulkCmd(a, "resume", "Resume paused downloads", "resumed",
		func(c *client.Client, cmd *cobra.Command, gids []string, _ bool) error {
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			return c.UnpauseMany(ctx, gids)
		},
		func(c *client.Client, cmd *cobra.Command) error {
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			return c.UnpauseAll(ctx)
		})
	cmd.Aliases = []string{"unpause"}
	_ = cmd.Flags().MarkHidden("force")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	var purge bool
	cmd := bulkCmd(a, "remove", "Remove downloads", "removed",
		func(c *client.Client, cmd *cobra.Command, gids []string, force bool) error {
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if !force {
				return c.RemoveMany(ctx, gids, purge)
			}
			return client.Each(ctx, gids, func(ctx context.Context, gid string) error {
				if _, err := c.ForceRemove(ctx, gid); err != nil {
					return err
				}
				if purge {
					return c.RemoveDownloadResult(ctx, gid)
				}
				return nil
			})
		}, nil)
	cmd.Aliases = []string{"rm"}
	cmd.Flags().BoolVar(&purge, "purge", false, "also drop the stopped result")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Forget every completed, failed or removed download",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()
			if err := c.PurgeDownloadResult(ctx); err != nil {
				return err
			}
			a.success("purged stopped downloads")
			return nil
		}),
	}
}

var positions = map[string]aria2.Position{
	"set": aria2.PosSet,
	"cur": aria2.PosCur,
	"end": aria2.PosEnd,
}

func newMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <gid> <pos> [set|cur|end]",
		Short: "Move a waiting download within the queue",
		Long: `Move a waiting download. With set (the default) pos is an absolute
index; with cur it is relative to the current position; with end it is
relative to the end of the queue.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("position %q: %w", args[1], err)
			}
			how := aria2.PosSet
			if len(args) == 3 {
				var ok bool
				if how, ok = positions[strings.ToLower(args[2])]; !ok {
					return fmt.Errorf("mode %q: want set, cur or end", args[2])
				}
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			newPos, err := c.ChangePosition(ctx, args[0], pos, how)
			if err != nil {
				return err
			}
			a.success("%s is now at position %d", args[0], newPos)
			if a.flags.Output == "json" {
				return a.render(newPos, nil)
			}
			return nil
		}),
	}
}
