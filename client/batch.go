package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxParallel bounds the calls a bulk operation keeps in flight.
const MaxParallel = 8

// Each runs fn for every gid concurrently and returns all failures joined.
// A failing gid does not stop the others.
func Each(ctx context.Context, gids []string, fn func(ctx context.Context, gid string) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallel)
	for _, gid := range gids {
		g.Go(func() error {
			if err := fn(ctx, gid); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", gid, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// PauseMany pauses every gid.
func (c *Client) PauseMany(ctx context.Context, gids []string) error {
	return Each(ctx, gids, func(ctx context.Context, gid string) error {
		_, err := c.Pause(ctx, gid)
		return err
	})
}

// UnpauseMany resumes every gid.
func (c *Client) UnpauseMany(ctx context.Context, gids []string) error {
	return Each(ctx, gids, func(ctx context.Context, gid string) error {
		_, err := c.Unpause(ctx, gid)
		return err
	})
}

// RemoveMany removes every gid and, when purge is set, drops its result so it
// no longer shows up among stopped downloads.
func (c *Client) RemoveMany(ctx context.Context, gids []string, purge bool) error {
	return Each(ctx, gids, func(ctx context.Context, gid string) error {
		if _, err := c.Remove(ctx, gid); err != nil {
			return err
		}
		if purge {
			return c.RemoveDownloadResult(ctx, gid)
		}
		return nil
	})
}

// ChangeOptionMany applies opts to every gid.
func (c *Client) ChangeOptionMany(ctx context.Context, gids []string, opts map[string]string) error {
	return Each(ctx, gids, func(ctx context.Context, gid string) error {
		return c.ChangeOption(ctx, gid, opts)
	})
}
