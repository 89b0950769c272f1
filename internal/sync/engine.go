package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kagamibot/kagami/internal/config"
	"github.com/kagamibot/kagami/internal/db"
	"github.com/kagamibot/kagami/internal/types"
)

// Engine runs the crawl cycle across all configured account pairs.
type Engine struct {
	DB       *db.DB
	Cfg      *config.Config
	Log      zerolog.Logger
	Crawlers []*Crawler

	sleep func(ctx context.Context, d time.Duration) error
}

// RunCycle crawls every account once, sequentially. A fatal error on one
// account stops the cycle; the operator has to re-authenticate anyway.
func (e *Engine) RunCycle(ctx context.Context) (types.SyncSummary, error) {
	var summary types.SyncSummary
	for _, c := range e.Crawlers {
		res, err := c.RunOnce(ctx)
		summary.Accounts = append(summary.Accounts, res)
		summary.TotalMirrored += res.Mirrored
		if err != nil {
			summary.TotalMapped = e.DB.MappingCount()
			return summary, err
		}
		if ctx.Err() != nil {
			break
		}
	}
	summary.TotalMapped = e.DB.MappingCount()
	return summary, nil
}

// Run polls in a loop until the context is cancelled or a fatal error
// surfaces.
func (e *Engine) Run(ctx context.Context) error {
	for {
		summary, err := e.RunCycle(ctx)
		if err != nil {
			return err
		}

		mirrored, pending := 0, 0
		for _, a := range summary.Accounts {
			mirrored += a.Mirrored
			pending += a.Pending
		}
		e.Log.Info().
			Int("mirrored", mirrored).
			Int("pending", pending).
			Int("total_mapped", summary.TotalMapped).
			Msg("cycle complete")

		if err := e.wait(ctx, e.Cfg.PollInterval()); err != nil {
			return nil
		}
	}
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
