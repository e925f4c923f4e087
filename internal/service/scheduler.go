package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/TheRebzu/ecodeli-sub018/internal/interfaces"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

const sweepBatchSize = 100

// Scheduler sweeps held transactions whose deadline has passed and
// forces their release through the manager's serialized transition path.
// The deadline lives on the record, so pending auto-releases survive
// process restarts.
type Scheduler struct {
	store    interfaces.EscrowStore
	manager  *Manager
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(store interfaces.EscrowStore, manager *Manager, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		manager:  manager,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	telemetry.Logger.Info("Auto-release scheduler started",
		zap.Duration("interval", s.interval),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			telemetry.Logger.Info("Auto-release scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over due transactions. A transaction that left
// HELD between listing and locking resolves to a clean no-op inside
// AutoRelease; a lost race against a concurrent manual release shows up
// as a precondition error and is not an anomaly.
func (s *Scheduler) Sweep(ctx context.Context) {
	due, err := s.store.ListDueForRelease(ctx, s.now(), sweepBatchSize)
	if err != nil {
		telemetry.Logger.Error("Auto-release sweep failed to list due transactions", zap.Error(err))
		return
	}

	for _, tx := range due {
		err := s.manager.AutoRelease(ctx, tx.ID)
		switch {
		case err == nil:
			telemetry.AutoReleaseSweeps.WithLabelValues("released").Inc()
		case isStale(err):
			telemetry.AutoReleaseSweeps.WithLabelValues("stale").Inc()
		default:
			telemetry.AutoReleaseSweeps.WithLabelValues("failed").Inc()
			telemetry.Logger.Warn("Auto-release failed",
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
		}
	}
}

func isStale(err error) bool {
	var pe *models.PreconditionError
	return errors.As(err, &pe)
}
