// Package export writes a selection of downloads as txt, json, csv or yaml.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"ariactl/aria2"
	"ariactl/format"

	"gopkg.in/yaml.v3"
)

// Formats lists the accepted output formats.
var Formats = []string{"txt", "json", "csv", "yaml"}

// Fields selects what each exported item carries.
type Fields struct {
	Name     bool
	Links    bool
	Size     bool
	Progress bool
	Dir      bool
}

// AllFields includes everything.
func AllFields() Fields {
	return Fields{Name: true, Links: true, Size: true, Progress: true, Dir: true}
}

// Item is one exported download. Omitted fields stay empty.
type Item struct {
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	Links         []string `json:"links,omitempty" yaml:"links,omitempty"`
	TotalSize     string   `json:"totalSize,omitempty" yaml:"totalSize,omitempty"`
	CompletedSize string   `json:"completedSize,omitempty" yaml:"completedSize,omitempty"`
	Progress      string   `json:"progress,omitempty" yaml:"progress,omitempty"`
	Dir           string   `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Items projects downloads onto the selected fields.
func Items(downloads []aria2.Download, f Fields) []Item {
	items := make([]Item, 0, len(downloads))
	for i := range downloads {
		d := &downloads[i]
		var it Item
		if f.Name {
			it.Name = d.DisplayName()
		}
		if f.Links {
			for _, file := range d.Files {
				for _, u := range file.URIs {
					it.Links = append(it.Links, u.URI)
				}
			}
		}
		if f.Size {
			it.TotalSize = format.Bytes(d.Total())
			it.CompletedSize = format.Bytes(d.Completed())
		}
		if f.Progress {
			it.Progress = format.Progress(d)
		}
		if f.Dir {
			it.Dir = d.Dir
		}
		items = append(items, it)
	}
	return items
}

// Write renders items to w in the named format.
func Write(w io.Writer, name string, items []Item, f Fields) error {
	switch name {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(items); err != nil {
			return err
		}
		return enc.Close()
	case "csv":
		return writeCSV(w, items, f)
	case "txt", "":
		return writeText(w, items)
	default:
		return fmt.Errorf("unknown export format %q (want one of %s)", name, strings.Join(Formats, ", "))
	}
}

type column struct {
	header string
	on     bool
	value  func(*Item) string
}

func columns(f Fields) []column {
	all := []column{
		{"name", f.Name, func(it *Item) string { return it.Name }},
		{"links", f.Links, func(it *Item) string { return strings.Join(it.Links, "; ") }},
		{"totalSize", f.Size, func(it *Item) string { return it.TotalSize }},
		{"completedSize", f.Size, func(it *Item) string { return it.CompletedSize }},
		{"progress", f.Progress, func(it *Item) string { return it.Progress }},
		{"dir", f.Dir, func(it *Item) string { return it.Dir }},
	}
	out := all[:0]
	for _, c := range all {
		if c.on {
			out = append(out, c)
		}
	}
	return out
}

func writeCSV(w io.Writer, items []Item, f Fields) error {
	cols := columns(f)
	cw := csv.NewWriter(w)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.header
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := range items {
		row := make([]string, len(cols))
		for j, c := range cols {
			row[j] = c.value(&items[i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeText(w io.Writer, items []Item) error {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		if it.Name != "" {
			fmt.Fprintf(&b, "Name: %s\n", it.Name)
		}
		if len(it.Links) > 0 {
			fmt.Fprintf(&b, "Links:\n%s\n", strings.Join(it.Links, "\n"))
		}
		if it.TotalSize != "" {
			fmt.Fprintf(&b, "Total size: %s\n", it.TotalSize)
		}
		if it.CompletedSize != "" {
			fmt.Fprintf(&b, "Completed: %s\n", it.CompletedSize)
		}
		if it.Progress != "" {
			fmt.Fprintf(&b, "Progress: %s\n", it.Progress)
		}
		if it.Dir != "" {
			fmt.Fprintf(&b, "Directory: %s\n", it.Dir)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
