// Package format renders engine quantities for people.
package format

import (
	"fmt"
	"strings"
	"time"

	"ariactl/aria2"

	"github.com/dustin/go-humanize"
)

// NoETA is shown when the remaining time cannot be estimated.
const NoETA = "--:--:--"

// Bytes renders n with binary units, e.g. "1.5 MiB".
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Speed renders a bytes-per-second rate.
func Speed(n int64) string {
	return Bytes(n) + "/s"
}

// Clock renders d as hh:mm:ss.
func Clock(d time.Duration) string {
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s%3600/60, s%60)
}

// ETA renders the remaining time of d, or NoETA.
func ETA(d *aria2.Download) string {
	eta, ok := d.ETA()
	if !ok {
		return NoETA
	}
	return Clock(eta)
}

// Progress renders the completion percentage of d.
func Progress(d *aria2.Download) string {
	return fmt.Sprintf("%d%%", d.Progress())
}

// Status capitalizes a status for display.
func Status(s aria2.Status) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// Count renders a counter with thousands separators.
func Count(n int64) string {
	return humanize.Comma(n)
}
