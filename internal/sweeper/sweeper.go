// Package sweeper enforces time-based session expiry on a fixed interval.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/store"
)

// DefaultInterval between sweeps.
const DefaultInterval = time.Minute

// Sweeper periodically expires active sessions whose deadline has passed.
// Each transition is compare-and-set, so sweeps are safe to run concurrently
// with live session mutation and safe to re-run after a crash.
type Sweeper struct {
	store    store.Store
	mgr      *lifecycle.Manager
	logger   *slog.Logger
	interval time.Duration
}

// New creates a Sweeper. A non-positive interval falls back to the default.
func New(s store.Store, mgr *lifecycle.Manager, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{store: s, mgr: mgr, logger: logger, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled. One
// immediate sweep happens at startup to catch sessions that went stale while
// the process was down.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep expired sessions", "count", n)
	}
}

// SweepOnce expires every active session past its deadline and returns how
// many transitions happened. Per-session failures are logged and skipped so
// one bad row cannot stall the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.store.ListExpiredActive(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range stale {
		ok, err := s.mgr.Expire(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("failed to expire session", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
