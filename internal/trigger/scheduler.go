package trigger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// Scheduler fires schedule triggers whose cron expression has come due.
// The idempotency key embeds the fire time, so overlapping scheduler
// instances create at most one execution per tick.
type Scheduler struct {
	store      *Store
	dispatcher *Dispatcher
	log        *logger.Logger
	interval   time.Duration
	now        func() time.Time
}

// NewScheduler creates the cron loop. A non-positive interval defaults to
// thirty seconds.
func NewScheduler(store *Store, dispatcher *Dispatcher, log *logger.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		log:        log.WithFields(zap.String("component", "trigger_scheduler")),
		interval:   interval,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled, checking schedules every interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule trigger once.
func (s *Scheduler) Tick(ctx context.Context) {
	triggers, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.log.Error("Failed to list schedule triggers", zap.Error(err))
		return
	}
	now := s.now()
	for _, tr := range triggers {
		due, fireAt, err := s.due(tr, now)
		if err != nil {
			s.log.Warn("Skipping malformed schedule",
				zap.String("trigger_id", tr.ID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		key := fmt.Sprintf("schedule:%s:%d", tr.ID, fireAt.Unix())
		outcome, err := s.dispatcher.Fire(ctx, tr, key, nil, map[string]any{
			"source":    "schedule",
			"triggerId": tr.ID,
			"firedAt":   fireAt.UTC().Format(time.RFC3339),
		})
		switch {
		case err == nil:
			s.log.Info("Schedule fired",
				zap.String("trigger_id", tr.ID), zap.String("status", outcome.Status))
		default:
			if _, dedup := apperr.AsIdempotencyHit(err); dedup {
				continue
			}
			s.log.Error("Schedule dispatch failed",
				zap.String("trigger_id", tr.ID), zap.Error(err))
		}
	}
}

// due reports whether the trigger's next fire time after its last run has
// passed. Triggers that never ran use one interval of lookback so a fresh
// deploy does not replay history.
func (s *Scheduler) due(tr v1.Trigger, now time.Time) (bool, time.Time, error) {
	schedule, err := ParseCron(tr.Config.Cron)
	if err != nil {
		return false, time.Time{}, err
	}
	loc := time.UTC
	if tr.Config.Timezone != "" {
		if parsed, lerr := time.LoadLocation(tr.Config.Timezone); lerr == nil {
			loc = parsed
		}
	}

	from := now.Add(-s.interval)
	if tr.LastRunAt != nil && tr.LastRunAt.After(from) {
		from = *tr.LastRunAt
	}
	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return false, time.Time{}, fmt.Errorf("schedule %q never fires", tr.Config.Cron)
	}
	return !next.After(now.In(loc)), next, nil
}
