package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"ariactl/aria2"
	"ariactl/format"

	"github.com/pterm/pterm"
)

// render prints v as indented JSON with -o json, else the table rows.
func (a *app) render(v any, rows func() pterm.TableData) error {
	if a.flags.Output == "json" {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows()).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, table)
	return err
}

func (a *app) success(msg string, args ...any) {
	if a.flags.Output == "json" {
		return
	}
	fmt.Fprint(a.out, pterm.Success.Sprintln(fmt.Sprintf(msg, args...)))
}

func (a *app) info(msg string, args ...any) {
	fmt.Fprint(a.out, pterm.Info.Sprintln(fmt.Sprintf(msg, args...)))
}

func downloadRows(ds []aria2.Download) pterm.TableData {
	rows := pterm.TableData{{"GID", "NAME", "STATUS", "PROGRESS", "SIZE", "SPEED", "ETA"}}
	for i := range ds {
		d := &ds[i]
		rows = append(rows, []string{
			d.GID,
			d.DisplayName(),
			format.Status(d.Status),
			format.Progress(d),
			format.Bytes(d.Total()),
			format.Speed(d.Speed()),
			format.ETA(d),
		})
	}
	return rows
}

func statRows(s *aria2.GlobalStat) pterm.TableData {
	active, waiting, stopped := s.Counts()
	return pterm.TableData{
		{"DOWNLOAD", "UPLOAD", "ACTIVE", "WAITING", "STOPPED"},
		{format.Speed(s.Down()), format.Speed(s.Up()), format.Count(active), format.Count(waiting), format.Count(stopped)},
	}
}

func fileRows(files []aria2.File) pterm.TableData {
	rows := pterm.TableData{{"INDEX", "PATH", "SIZE", "SELECTED"}}
	for i := range files {
		f := &files[i]
		rows = append(rows, []string{f.Index, f.Path, format.Bytes(f.Size()), f.Selected})
	}
	return rows
}

func optionRows(opts aria2.Options) pterm.TableData {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	rows := pterm.TableData{{"OPTION", "VALUE"}}
	for _, k := range keys {
		rows = append(rows, []string{k, opts[k]})
	}
	return rows
}
