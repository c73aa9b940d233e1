package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/logger"
)

// Reconciler periodically repairs execution state that no live worker
// owns: overdue approval gates, executions whose workflow session died,
// and stale mutation proposals.
type Reconciler struct {
	store    *Store
	log      *logger.Logger
	interval time.Duration
}

// NewReconciler creates the reconciler. A non-positive interval defaults
// to one minute.
func NewReconciler(store *Store, log *logger.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:    store,
		log:      log.WithFields(zap.String("component", "workflow_reconciler")),
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) {
	if failed, err := r.store.ReconcileApprovals(ctx, now); err != nil {
		r.log.Error("Approval reconciliation failed", zap.Error(err))
	} else if len(failed) > 0 {
		r.log.Info("Timed out approval executions", zap.Strings("execution_ids", failed))
	}

	if failed, err := r.store.FailStale(ctx); err != nil {
		r.log.Error("Stale execution sweep failed", zap.Error(err))
	} else if len(failed) > 0 {
		r.log.Info("Failed executions with dead sessions", zap.Strings("execution_ids", failed))
	}

	if n, err := r.store.ExpireProposals(ctx, now); err != nil {
		r.log.Error("Proposal expiry failed", zap.Error(err))
	} else if n > 0 {
		r.log.Info("Expired mutation proposals", zap.Int("count", n))
	}
}
