package room

import (
	"context"
	"errors"
	"time"

	"worshiproom/logger"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives time-based transitions: natural completion, event
// auto-start and auto-close, AFK reaping and the skip-threshold recheck.
type Scheduler struct {
	m           *Manager
	clock       clock.Clock
	interval    time.Duration
	timeout     time.Duration
	parallelism int
}

// NewScheduler creates a scheduler for m. timeout bounds each room's tick;
// parallelism bounds how many rooms tick at once.
func NewScheduler(m *Manager, interval, timeout time.Duration, parallelism int) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = interval
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Scheduler{m: m, clock: m.clock, interval: interval, timeout: timeout, parallelism: parallelism}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	logger.Info("room scheduler started", logger.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("room scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass over every active room. A slow or failing room only
// costs its own timeout.
func (s *Scheduler) Tick(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.parallelism)

	for _, d := range s.m.domains() {
		d := d
		g.Go(func() error {
			roomCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			err := d.do(roomCtx, "", func(tx *txn) error {
				tx.tick()
				return nil
			})
			if err != nil && !errors.Is(err, ErrRoomInactive) {
				logger.Warn("room tick failed",
					logger.String("roomId", d.id),
					logger.ErrorField(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
