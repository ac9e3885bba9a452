// Package aria2 holds the engine's domain types as they appear in RPC results.
//
// aria2 encodes every integer quantity (lengths, speeds, counters) as a decimal
// string. The structs keep the wire form; accessor methods parse on demand.
package aria2

import (
	"path"
	"strconv"
	"time"
)

// Status is a download's lifecycle state as reported by the engine.
type Status string

const (
	StatusActive   Status = "active"
	StatusWaiting  Status = "waiting"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
	StatusComplete Status = "complete"
	StatusRemoved  Status = "removed"
)

// Position is the "how" argument of changePosition.
type Position string

const (
	PosSet Position = "POS_SET"
	PosCur Position = "POS_CUR"
	PosEnd Position = "POS_END"
)

// Options is a mapping of engine option names to values. Keys and value
// encodings are defined by the engine and passed through untouched.
type Options map[string]string

// URI is one source of a file.
type URI struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// File is one file of a download.
type File struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
	URIs            []URI  `json:"uris"`
}

// IsSelected reports whether the file is selected for download.
func (f *File) IsSelected() bool {
	return f.Selected == "true"
}

// Size returns the file length in bytes.
func (f *File) Size() int64 { return parseInt(f.Length) }

// BitTorrentInfo is the torrent metadata attached to BitTorrent downloads.
type BitTorrentInfo struct {
	AnnounceList [][]string `json:"announceList,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	CreationDate int64      `json:"creationDate,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Info         struct {
		Name string `json:"name"`
	} `json:"info"`
}

// Download is the status of one task, as returned by tellStatus / tell*.
type Download struct {
	GID             string          `json:"gid"`
	Status          Status          `json:"status"`
	TotalLength     string          `json:"totalLength"`
	CompletedLength string          `json:"completedLength"`
	UploadLength    string          `json:"uploadLength"`
	DownloadSpeed   string          `json:"downloadSpeed"`
	UploadSpeed     string          `json:"uploadSpeed"`
	Connections     string          `json:"connections"`
	NumSeeders      string          `json:"numSeeders,omitempty"`
	Seeder          string          `json:"seeder,omitempty"`
	InfoHash        string          `json:"infoHash,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Dir             string          `json:"dir"`
	Files           []File          `json:"files"`
	BitTorrent      *BitTorrentInfo `json:"bittorrent,omitempty"`
}

// Total returns the total length in bytes.
func (d *Download) Total() int64 { return parseInt(d.TotalLength) }

// Completed returns the completed length in bytes.
func (d *Download) Completed() int64 { return parseInt(d.CompletedLength) }

// Speed returns the download speed in bytes per second.
func (d *Download) Speed() int64 { return parseInt(d.DownloadSpeed) }

// Progress returns completion as a whole percentage in [0, 100].
func (d *Download) Progress() int {
	total := d.Total()
	if total <= 0 {
		return 0
	}
	pct := int((float64(d.Completed())/float64(total))*100 + 0.5)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ETA estimates the remaining time at the current speed. ok is false when the
// download is stalled or its size is unknown.
func (d *Download) ETA() (eta time.Duration, ok bool) {
	speed := d.Speed()
	remaining := d.Total() - d.Completed()
	if speed <= 0 || remaining < 0 || d.Total() == 0 {
		return 0, false
	}
	return time.Duration(remaining/speed) * time.Second, true
}

// DisplayName picks the torrent name, else the first file's base name, else the gid.
func (d *Download) DisplayName() string {
	if d.BitTorrent != nil && d.BitTorrent.Info.Name != "" {
		return d.BitTorrent.Info.Name
	}
	for _, f := range d.Files {
		if f.Path != "" {
			return path.Base(f.Path)
		}
		for _, u := range f.URIs {
			if u.URI != "" {
				return path.Base(u.URI)
			}
		}
	}
	return d.GID
}

// GlobalStat is the engine's aggregate throughput and queue counters.
type GlobalStat struct {
	DownloadSpeed   string `json:"downloadSpeed"`
	UploadSpeed     string `json:"uploadSpeed"`
	NumActive       string `json:"numActive"`
	NumWaiting      string `json:"numWaiting"`
	NumStopped      string `json:"numStopped"`
	NumStoppedTotal string `json:"numStoppedTotal"`
}

// Down returns the aggregate download speed in bytes per second.
func (s *GlobalStat) Down() int64 { return parseInt(s.DownloadSpeed) }

// Up returns the aggregate upload speed in bytes per second.
func (s *GlobalStat) Up() int64 { return parseInt(s.UploadSpeed) }

// Counts returns the active, waiting and stopped queue sizes.
func (s *GlobalStat) Counts() (active, waiting, stopped int64) {
	return parseInt(s.NumActive), parseInt(s.NumWaiting), parseInt(s.NumStopped)
}

// Version is the result of getVersion.
type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

// TorrentInfo is the file listing of a torrent inspected without keeping it.
type TorrentInfo struct {
	GID   string // Handle the torrent had while it was briefly submitted; no longer valid
	Files []File
}

// TotalSize sums the length of every file.
func (t *TorrentInfo) TotalSize() int64 {
	var total int64
	for i := range t.Files {
		total += t.Files[i].Size()
	}
	return total
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
