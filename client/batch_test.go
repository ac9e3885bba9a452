package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"ariactl/aria2"
	"ariactl/enginetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEachCollectsEveryFailure(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")

	err := Each(context.Background(), []string{"a", "b", "c"}, func(_ context.Context, gid string) error {
		calls.Add(1)
		if gid == "b" || gid == "c" {
			return boom
		}
		return nil
	})

	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "b: ")
	assert.Contains(t, err.Error(), "c: ")
}

func TestBulkActions(t *testing.T) {
	h := enginetest.Start(t)
	c := newTestClient(t, h, Config{})
	ctx := context.Background()

	var gids []string
	for _, u := range []string{"http://example.com/a", "http://example.com/b"} {
		gid, err := c.AddURI(ctx, []string{u}, nil)
		require.NoError(t, err)
		gids = append(gids, gid)
	}

	require.NoError(t, c.PauseMany(ctx, gids))
	for _, gid := range gids {
		d, _ := h.Engine.Download(gid)
		assert.Equal(t, aria2.StatusPaused, d.Status)
	}

	require.NoError(t, c.ChangeOptionMany(ctx, gids, aria2.Options{"max-download-limit": "512K"}))
	require.NoError(t, c.UnpauseMany(ctx, gids))

	err := c.RemoveMany(ctx, append(gids, "00000000deadbeef"), true)
	assert.Error(t, err)
	assert.Equal(t, 0, h.Engine.Len())
}
