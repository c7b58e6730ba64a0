package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Pruner trims the cache on a cron schedule.
type Pruner struct {
	cache    *Cache
	schedule cron.Schedule
	log      zerolog.Logger
	now      func() time.Time
}

// NewPruner creates a Pruner firing on expr.
func NewPruner(cache *Cache, expr string, logger zerolog.Logger) (*Pruner, error) {
	if cache == nil {
		return nil, fmt.Errorf("history: pruner: cache is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("history: pruner: parse %q: %w", expr, err)
	}
	return &Pruner{
		cache:    cache,
		schedule: sched,
		log:      logger.With().Str("component", "pruner").Logger(),
		now:      time.Now,
	}, nil
}

// Next returns the duration until the next scheduled prune.
func (p *Pruner) Next() time.Duration {
	now := p.now()
	d := p.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Run prunes on schedule until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	timer := time.NewTimer(p.Next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.RunOnce()
			timer.Reset(p.Next())
		}
	}
}

// RunOnce prunes immediately and returns the number of rows removed.
func (p *Pruner) RunOnce() int64 {
	n, err := p.cache.PruneAll()
	if err != nil {
		p.log.Warn().Err(err).Msg("prune failed")
		return n
	}
	if n > 0 {
		p.log.Info().Int64("removed", n).Msg("cache pruned")
	}
	return n
}
