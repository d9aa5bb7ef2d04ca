package capability

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SweepStore interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper physically removes expired override rows on a cron schedule.
// Expired rows are already invisible to readers; the sweep just keeps the
// table from accumulating dead weight. Sweeps run inline in the loop, so an
// overrunning sweep delays the next check rather than stacking a second one.
type Sweeper struct {
	Store        SweepStore
	Spec         string
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger

	schedule cron.Schedule
	lastRun  time.Time
}

// Run validates the cron spec and then loops until ctx is cancelled,
// sweeping whenever an activation comes due.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Store == nil {
		return errors.New("store required")
	}
	if err := s.init(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepIfDue(ctx)
		}
	}
}

func (s *Sweeper) init() error {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.schedule == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err := parser.Parse(strings.TrimSpace(s.Spec))
		if err != nil {
			return err
		}
		s.schedule = schedule
		s.lastRun = s.Now().UTC()
	}
	return nil
}

func (s *Sweeper) sweepIfDue(ctx context.Context) {
	now := s.Now().UTC()
	if s.schedule.Next(s.lastRun).After(now) {
		return
	}
	s.lastRun = now
	n, err := s.Store.SweepExpired(ctx)
	if err != nil {
		s.Logger.Warn("override sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.Logger.Info("swept expired overrides", "removed", n)
	}
}

// RunOnce forces a single immediate sweep, for tests and the admin surface.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.Store == nil {
		return 0, errors.New("store required")
	}
	if err := s.init(); err != nil {
		return 0, err
	}
	s.lastRun = s.Now().UTC()
	return s.Store.SweepExpired(ctx)
}
