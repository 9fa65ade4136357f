package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/abubuhammad/georgy-realtime/pkg/state"
)

const DefaultInterval = 5 * time.Minute

// Sweepable is the part of state.Manager the sweeper drives.
type Sweepable interface {
	Sweep(now time.Time) state.SweepStats
}

// Sweeper prunes ephemeral state on a fixed interval.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(target Sweepable, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			stats := s.target.Sweep(s.now())
			if stats != (state.SweepStats{}) {
				s.logger.Info("Swept stale state",
					slog.Int("locations", stats.Locations),
					slog.Int("typing", stats.Typing),
					slog.Int("memberships", stats.Memberships),
				)
			}
		}
	}
}
