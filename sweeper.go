package abac

import (
	"context"
	"time"

	"github.com/oarkflow/abac/logger"
)

// BreakGlassSweeper runs ExpireOldSessions on an interval. It is safe to run
// next to request-path approve, revoke and complete calls.
type BreakGlassSweeper struct {
	manager  *BreakGlassManager
	interval time.Duration
	logger   logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBreakGlassSweeper creates a sweeper but does not start it. A zero
// interval uses the manager's configured sweep interval.
func NewBreakGlassSweeper(m *BreakGlassManager, interval time.Duration) *BreakGlassSweeper {
	if interval <= 0 {
		interval = m.cfg.SweepInterval
	}
	return &BreakGlassSweeper{
		manager:  m,
		interval: interval,
		logger:   m.logger,
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately, then on every tick until ctx is cancelled
// or Stop is called.
func (s *BreakGlassSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info("break-glass sweeper started", "interval", s.interval)
}

// Stop signals the sweeper to exit and waits for it.
func (s *BreakGlassSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *BreakGlassSweeper) loop(ctx context.Context) {
	defer close(s.done)
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

func (s *BreakGlassSweeper) sweep(ctx context.Context) {
	n, err := s.manager.ExpireOldSessions(ctx)
	if err != nil {
		s.logger.Error("break-glass sweep failed", "error", err, "expired", n)
	}
}
