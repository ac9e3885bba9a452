// Package poller periodically snapshots the engine's queues and throughput.
package poller

import (
	"context"
	"slices"
	"time"

	"ariactl/aria2"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PageSize is how many waiting and stopped downloads one round fetches.
const PageSize = 1000

// Source is the subset of the client the poller reads from.
type Source interface {
	TellActive(ctx context.Context, keys ...string) ([]aria2.Download, error)
	TellWaiting(ctx context.Context, offset, num int, keys ...string) ([]aria2.Download, error)
	TellStopped(ctx context.Context, offset, num int, keys ...string) ([]aria2.Download, error)
	GetGlobalStat(ctx context.Context) (*aria2.GlobalStat, error)
}

// Snapshot is the result of one polling round.
type Snapshot struct {
	Active  []aria2.Download
	Waiting []aria2.Download
	Stopped []aria2.Download
	Stat    aria2.GlobalStat
	At      time.Time
}

// Changed reports whether s differs from prev in queue membership, order,
// status or progress of any download, or in the global counters.
func (s *Snapshot) Changed(prev *Snapshot) bool {
	if prev == nil {
		return true
	}
	return s.Stat != prev.Stat ||
		!sameDownloads(s.Active, prev.Active) ||
		!sameDownloads(s.Waiting, prev.Waiting) ||
		!sameDownloads(s.Stopped, prev.Stopped)
}

func sameDownloads(a, b []aria2.Download) bool {
	return slices.EqualFunc(a, b, func(x, y aria2.Download) bool {
		return x.GID == y.GID &&
			x.Status == y.Status &&
			x.CompletedLength == y.CompletedLength &&
			x.TotalLength == y.TotalLength &&
			x.DownloadSpeed == y.DownloadSpeed &&
			x.UploadSpeed == y.UploadSpeed
	})
}

// All returns every download of the snapshot, active first then waiting then stopped.
func (s *Snapshot) All() []aria2.Download {
	out := make([]aria2.Download, 0, len(s.Active)+len(s.Waiting)+len(s.Stopped))
	out = append(out, s.Active...)
	out = append(out, s.Waiting...)
	return append(out, s.Stopped...)
}

// Poller fetches a Snapshot every interval and hands it to the sink.
type Poller struct {
	src      Source
	interval time.Duration
	sink     func(Snapshot)
	logger   *zap.Logger
}

// New creates a poller. A nil logger disables logging.
func New(src Source, interval time.Duration, sink func(Snapshot), logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{src: src, interval: interval, sink: sink, logger: logger}
}

// Run polls once immediately and then every interval until ctx is done. A
// failed round is logged and skipped; the next tick tries again.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		snap, err := p.Poll(ctx)
		switch {
		case err == nil:
			p.sink(*snap)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			p.logger.Warn("poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs one round: the three queues and the global stat are fetched
// concurrently and the first failure aborts the round.
func (p *Poller) Poll(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Active, err = p.src.TellActive(ctx)
		return err
	})
	g.Go(func() (err error) {
		snap.Waiting, err = p.src.TellWaiting(ctx, 0, PageSize)
		return err
	})
	g.Go(func() (err error) {
		snap.Stopped, err = p.src.TellStopped(ctx, 0, PageSize)
		return err
	})
	g.Go(func() error {
		stat, err := p.src.GetGlobalStat(ctx)
		if err != nil {
			return err
		}
		snap.Stat = *stat
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	snap.At = time.Now()
	return &snap, nil
}
