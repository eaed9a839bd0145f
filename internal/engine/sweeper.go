package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically resolves decisions whose voting window has
// passed. It is the only path by which a decision with no further votes
// ever reaches the timeout outcome.
type Sweeper struct {
	registry *Registry
	logger   *slog.Logger
	interval time.Duration

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewSweeper creates a timeout sweeper over the given registry.
func NewSweeper(registry *Registry, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		registry: registry,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Safe to call only once; subsequent calls
// are no-ops and log a warning.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("engine sweeper: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
}

// Stop signals the loop to exit and blocks until it has.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.once.Do(func() { close(s.done) })
			return
		case <-ticker.C:
			if n := s.registry.SweepExpired(ctx); n > 0 {
				s.logger.Info("engine sweeper: decisions timed out", "count", n)
			}
		}
	}
}
