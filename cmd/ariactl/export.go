package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"ariactl/aria2"
	"ariactl/export"
	"ariactl/poller"

	"github.com/spf13/cobra"
)

var exportFields = []string{"name", "links", "size", "progress", "dir"}

func parseFields(names []string) (export.Fields, error) {
	var f export.Fields
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "name":
			f.Name = true
		case "links":
			f.Links = true
		case "size":
			f.Size = true
		case "progress":
			f.Progress = true
		case "dir":
			f.Dir = true
		default:
			return f, fmt.Errorf("field %q: want one of %s", n, strings.Join(exportFields, ", "))
		}
	}
	return f, nil
}

func newExportCmd(a *app) *cobra.Command {
	var (
		formatName string
		fields     []string
		status     []string
		file       string
	)
	cmd := &cobra.Command{
		Use:   "export [gid...]",
		Short: "Export downloads as txt, json, csv or yaml",
		Long: `Export the given downloads, or every download when no gid is named.
--status narrows the selection to downloads in those states.`,
		RunE: a.run(func(cmd *cobra.Command, gids []string) error {
			if !slices.Contains(export.Formats, formatName) {
				return fmt.Errorf("format %q: want one of %s", formatName, strings.Join(export.Formats, ", "))
			}
			f, err := parseFields(fields)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.callContext(cmd)
			defer cancel()

			snap, err := poller.New(c, a.cfg.PollInterval, nil, a.logger).Poll(ctx)
			if err != nil {
				return err
			}
			selected := selectDownloads(snap.All(), gids, status)

			var w io.Writer = a.out
			if file != "" {
				out, err := os.Create(file)
				if err != nil {
					return err
				}
				defer out.Close()
				w = out
			}
			if err := export.Write(w, formatName, export.Items(selected, f), f); err != nil {
				return err
			}
			if file != "" {
				a.success("exported %d downloads to %s", len(selected), file)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&formatName, "format", "F", "txt", "txt, json, csv or yaml")
	cmd.Flags().StringSliceVar(&fields, "fields", exportFields, "fields to include")
	cmd.Flags().StringSliceVar(&status, "status", nil, "only downloads in these states")
	cmd.Flags().StringVar(&file, "file", "", "write to this file instead of stdout")
	return cmd
}

func selectDownloads(all []aria2.Download, gids, status []string) []aria2.Download {
	var out []aria2.Download
	for _, d := range all {
		if len(gids) > 0 && !slices.Contains(gids, d.GID) {
			continue
		}
		if len(status) > 0 && !slices.Contains(status, string(d.Status)) {
			continue
		}
		out = append(out, d)
	}
	return out
}
