package format

import (
	"testing"
	"time"

	"ariactl/aria2"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	assert.Equal(t, "0 B", Bytes(0))
	assert.Equal(t, "0 B", Bytes(-5))
	assert.Equal(t, "1.5 KiB", Bytes(1536))
	assert.Equal(t, "1.0 MiB/s", Speed(1<<20))
}

func TestClock(t *testing.T) {
	assert.Equal(t, "00:00:00", Clock(0))
	assert.Equal(t, "01:01:05", Clock(time.Hour+time.Minute+5*time.Second))
	assert.Equal(t, "27:46:40", Clock(100000*time.Second))
}

func TestETA(t *testing.T) {
	d := &aria2.Download{TotalLength: "1000", CompletedLength: "400", DownloadSpeed: "10"}
	assert.Equal(t, "00:01:00", ETA(d))
	assert.Equal(t, "40%", Progress(d))

	d.DownloadSpeed = "0"
	assert.Equal(t, NoETA, ETA(d))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "Active", Status(aria2.StatusActive))
	assert.Equal(t, "", Status(""))
	assert.Equal(t, "1,234,567", Count(1234567))
}
