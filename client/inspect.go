package client

import (
	"context"
	"fmt"

	"ariactl/aria2"

	"go.uber.org/zap"
)

// InspectTorrent lists the files of a torrent without keeping it queued. The
// torrent is submitted paused, its files are read and it is removed again.
//
// The temporary download is removed exactly once on success. When listing or
// removal fails, one compensating removal is attempted before the original
// error is returned.
func (c *Client) InspectTorrent(ctx context.Context, torrent []byte) (*aria2.TorrentInfo, error) {
	gid, err := c.AddTorrent(ctx, torrent, nil, aria2.Options{"pause": "true"})
	if err != nil {
		return nil, fmt.Errorf("inspect torrent: submit: %w", err)
	}

	files, err := c.GetFiles(ctx, gid)
	if err != nil {
		c.discard(ctx, gid)
		return nil, fmt.Errorf("inspect torrent: list files of %s: %w", gid, err)
	}

	if _, err := c.Remove(ctx, gid); err != nil {
		c.discard(ctx, gid)
		return nil, fmt.Errorf("inspect torrent: remove %s: %w", gid, err)
	}
	c.forget(ctx, gid)

	return &aria2.TorrentInfo{GID: gid, Files: files}, nil
}

// discard is the compensating removal. It outlives a canceled ctx so the
// engine is not left holding the paused download.
func (c *Client) discard(ctx context.Context, gid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	if _, err := c.Remove(ctx, gid); err != nil {
		c.logger.Warn("failed to remove inspected torrent", zap.String("gid", gid), zap.Error(err))
		return
	}
	c.forget(ctx, gid)
}

// forget drops the stopped result of a removed download; best effort.
func (c *Client) forget(ctx context.Context, gid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	if err := c.RemoveDownloadResult(ctx, gid); err != nil {
		c.logger.Debug("failed to drop download result", zap.String("gid", gid), zap.Error(err))
	}
}
