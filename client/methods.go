package client

import (
	"context"
	"encoding/base64"

	"ariactl/aria2"
)

// withKeys appends the optional key filter of the tell* methods.
func withKeys(params []any, keys []string) []any {
	if len(keys) > 0 {
		params = append(params, keys)
	}
	return params
}

func orEmpty(opts aria2.Options) aria2.Options {
	if opts == nil {
		return aria2.Options{}
	}
	return opts
}

// AddURI queues a download of one resource from uris and returns its gid.
func (c *Client) AddURI(ctx context.Context, uris []string, opts aria2.Options) (string, error) {
	var gid string
	err := c.Call(ctx, "addUri", []any{uris, orEmpty(opts)}, &gid)
	return gid, err
}

// AddTorrent queues the torrent file and returns its gid. uris are web seeds.
func (c *Client) AddTorrent(ctx context.Context, torrent []byte, uris []string, opts aria2.Options) (string, error) {
	if uris == nil {
		uris = []string{}
	}
	var gid string
	err := c.Call(ctx, "addTorrent", []any{base64.StdEncoding.EncodeToString(torrent), uris, orEmpty(opts)}, &gid)
	return gid, err
}

// AddMetalink queues every download described by the metalink document.
func (c *Client) AddMetalink(ctx context.Context, metalink []byte, opts aria2.Options) ([]string, error) {
	var gids []string
	err := c.Call(ctx, "addMetalink", []any{base64.StdEncoding.EncodeToString(metalink), orEmpty(opts)}, &gids)
	return gids, err
}

func (c *Client) gidCall(ctx context.Context, verb, gid string) (string, error) {
	var out string
	err := c.Call(ctx, verb, []any{gid}, &out)
	return out, err
}

// Remove stops and removes a download.
func (c *Client) Remove(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "remove", gid)
}

// ForceRemove removes a download without waiting for cleanup actions.
func (c *Client) ForceRemove(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "forceRemove", gid)
}

// Pause pauses a download.
func (c *Client) Pause(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "pause", gid)
}

// ForcePause pauses a download without waiting for cleanup actions.
func (c *Client) ForcePause(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "forcePause", gid)
}

// Unpause resumes a paused download.
func (c *Client) Unpause(ctx context.Context, gid string) (string, error) {
	return c.gidCall(ctx, "unpause", gid)
}

// PauseAll pauses every active and waiting download.
func (c *Client) PauseAll(ctx context.Context) error {
	return c.Call(ctx, "pauseAll", nil, nil)
}

// UnpauseAll resumes every paused download.
func (c *Client) UnpauseAll(ctx context.Context) error {
	return c.Call(ctx, "unpauseAll", nil, nil)
}

// RemoveDownloadResult forgets a stopped download.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.Call(ctx, "removeDownloadResult", []any{gid}, nil)
}

// PurgeDownloadResult forgets every stopped download.
func (c *Client) PurgeDownloadResult(ctx context.Context) error {
	return c.Call(ctx, "purgeDownloadResult", nil, nil)
}

// TellStatus returns one download. keys restricts the returned fields.
func (c *Client) TellStatus(ctx context.Context, gid string, keys ...string) (*aria2.Download, error) {
	var d aria2.Download
	if err := c.Call(ctx, "tellStatus", withKeys([]any{gid}, keys), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TellActive lists downloads currently transferring.
func (c *Client) TellActive(ctx context.Context, keys ...string) ([]aria2.Download, error) {
	var ds []aria2.Download
	err := c.Call(ctx, "tellActive", withKeys(nil, keys), &ds)
	return ds, err
}

// TellWaiting lists up to num queued or paused downloads starting at offset.
func (c *Client) TellWaiting(ctx context.Context, offset, num int, keys ...string) ([]aria2.Download, error) {
	var ds []aria2.Download
	err := c.Call(ctx, "tellWaiting", withKeys([]any{offset, num}, keys), &ds)
	return ds, err
}

// TellStopped lists up to num finished, failed or removed downloads starting at offset.
func (c *Client) TellStopped(ctx context.Context, offset, num int, keys ...string) ([]aria2.Download, error) {
	var ds []aria2.Download
	err := c.Call(ctx, "tellStopped", withKeys([]any{offset, num}, keys), &ds)
	return ds, err
}

// ChangePosition moves a waiting download in the queue and returns its new position.
func (c *Client) ChangePosition(ctx context.Context, gid string, pos int, how aria2.Position) (int, error) {
	var newPos int
	err := c.Call(ctx, "changePosition", []any{gid, pos, how}, &newPos)
	return newPos, err
}

// ChangeOption updates options of one download.
func (c *Client) ChangeOption(ctx context.Context, gid string, opts aria2.Options) error {
	return c.Call(ctx, "changeOption", []any{gid, orEmpty(opts)}, nil)
}

// ChangeGlobalOption updates engine-wide options.
func (c *Client) ChangeGlobalOption(ctx context.Context, opts aria2.Options) error {
	return c.Call(ctx, "changeGlobalOption", []any{orEmpty(opts)}, nil)
}

// GetOption returns the options of one download.
func (c *Client) GetOption(ctx context.Context, gid string) (aria2.Options, error) {
	var opts aria2.Options
	err := c.Call(ctx, "getOption", []any{gid}, &opts)
	return opts, err
}

// GetGlobalOption returns the engine-wide options.
func (c *Client) GetGlobalOption(ctx context.Context) (aria2.Options, error) {
	var opts aria2.Options
	err := c.Call(ctx, "getGlobalOption", nil, &opts)
	return opts, err
}

// GetGlobalStat returns aggregate speeds and queue sizes.
func (c *Client) GetGlobalStat(ctx context.Context) (*aria2.GlobalStat, error) {
	var s aria2.GlobalStat
	if err := c.Call(ctx, "getGlobalStat", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetFiles lists the files of a download.
func (c *Client) GetFiles(ctx context.Context, gid string) ([]aria2.File, error) {
	var files []aria2.File
	err := c.Call(ctx, "getFiles", []any{gid}, &files)
	return files, err
}

// GetVersion reports the engine version and compiled-in features.
func (c *Client) GetVersion(ctx context.Context) (*aria2.Version, error) {
	var v aria2.Version
	if err := c.Call(ctx, "getVersion", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
