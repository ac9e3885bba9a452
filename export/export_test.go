package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"ariactl/aria2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sample() []aria2.Download {
	return []aria2.Download{
		{
			GID:             "2089b05ecca3d829",
			TotalLength:     "2048",
			CompletedLength: "1024",
			Dir:             "/downloads",
			Files: []aria2.File{{
				Path: "/downloads/debian.iso",
				URIs: []aria2.URI{{URI: "http://a/debian.iso"}, {URI: "http://b/debian.iso"}},
			}},
		},
		{GID: "2089b05ecca3d82a", TotalLength: "0", CompletedLength: "0"},
	}
}

func TestItemsHonorFields(t *testing.T) {
	items := Items(sample(), Fields{Name: true, Progress: true})
	require.Len(t, items, 2)
	assert.Equal(t, Item{Name: "debian.iso", Progress: "50%"}, items[0])
	assert.Equal(t, Item{Name: "2089b05ecca3d82a", Progress: "0%"}, items[1])
}

func TestWriteJSONAndYAML(t *testing.T) {
	items := Items(sample()[:1], AllFields())

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "json", items, AllFields()))
	var fromJSON []Item
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, items, fromJSON)

	buf.Reset()
	require.NoError(t, Write(&buf, "yaml", items, AllFields()))
	var fromYAML []Item
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, items, fromYAML)
}

func TestWriteCSV(t *testing.T) {
	f := Fields{Name: true, Links: true, Dir: true}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "csv", Items(sample(), f), f))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"name", "links", "dir"}, rows[0])
	assert.Equal(t, []string{"debian.iso", "http://a/debian.iso; http://b/debian.iso", "/downloads"}, rows[1])
	assert.Equal(t, []string{"2089b05ecca3d82a", "", ""}, rows[2])
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "txt", Items(sample(), AllFields()), AllFields()))
	out := buf.String()
	assert.Contains(t, out, "Name: debian.iso\nLinks:\nhttp://a/debian.iso\nhttp://b/debian.iso\n")
	assert.Contains(t, out, "Total size: 2.0 KiB\nCompleted: 1.0 KiB\nProgress: 50%\nDirectory: /downloads\n")
	assert.Contains(t, out, "\n\nName: 2089b05ecca3d82a\n")
}

func TestWriteUnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, "xml", nil, AllFields())
	assert.ErrorContains(t, err, "xml")
}
