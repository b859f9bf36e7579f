package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sweeper periodically evicts expired performances from a store.
type Sweeper struct {
	store    *PerformanceStore
	clock    clockwork.Clock
	interval time.Duration
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(store *PerformanceStore, clock clockwork.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, clock: clock, interval: interval}
}

// Run sweeps until ctx is cancelled. It always returns nil so it can run
// alongside the HTTP server in an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if evicted := s.store.Sweep(); len(evicted) > 0 {
				slog.Info("evicted expired performances",
					slog.Int("count", len(evicted)),
					slog.Any("performance_ids", evicted))
			}
		}
	}
}
