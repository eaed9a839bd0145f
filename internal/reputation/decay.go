package reputation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conclave-ai/conclave/internal/model"
)

// Persister stores updated reputation records after a decay pass.
type Persister interface {
	UpsertReputations(ctx context.Context, recs []model.AgentReputation) error
}

// Decayer periodically applies multiplicative decay to every agent's
// reputation so stale standing fades without new activity.
type Decayer struct {
	ledger    *Ledger
	persister Persister
	logger    *slog.Logger
	interval  time.Duration
	factor    float64

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewDecayer creates a decay worker. persister may be nil when the
// ledger is not backed by storage (tests).
func NewDecayer(ledger *Ledger, persister Persister, logger *slog.Logger, interval time.Duration, factor float64) *Decayer {
	return &Decayer{
		ledger:    ledger,
		persister: persister,
		logger:    logger,
		interval:  interval,
		factor:    factor,
		done:      make(chan struct{}),
	}
}

// Start begins the background decay loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (d *Decayer) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("reputation decay: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.loop(loopCtx)
}

// Stop signals the loop to exit and blocks until it has.
func (d *Decayer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
}

func (d *Decayer) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.once.Do(func() { close(d.done) })
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Decayer) runOnce(ctx context.Context) {
	recs := d.ledger.DecayAll(d.factor)
	if len(recs) == 0 {
		return
	}
	d.logger.Debug("reputation decay applied", "agents", len(recs), "factor", d.factor)

	if d.persister == nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.persister.UpsertReputations(persistCtx, recs); err != nil {
		d.logger.Warn("reputation decay: persist failed", "error", err)
	}
}
