package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/logger"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

func scheduleTrigger(cron, tz string, lastRun *time.Time) v1.Trigger {
	return v1.Trigger{
		ID:         "t1",
		UserID:     "u1",
		WorkflowID: "wf1",
		Name:       "nightly",
		Enabled:    true,
		Type:       v1.TriggerSchedule,
		Config:     v1.TriggerConfig{Cron: cron, Timezone: tz, Target: v1.TargetWorkflow},
		LastRunAt:  lastRun,
	}
}

func TestScheduleDue(t *testing.T) {
	s := NewScheduler(nil, nil, logger.Default(), 30*time.Second)

	// Monday 09:00:10 UTC, ten seconds past the fire time.
	now := time.Date(2026, 1, 5, 9, 0, 10, 0, time.UTC)
	due, fireAt, err := s.due(scheduleTrigger("0 9 * * 1-5", "", nil), now)
	require.NoError(t, err)
	assert.True(t, due)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), fireAt)

	// Five minutes later the fire time has fallen out of the lookback.
	due, _, err = s.due(scheduleTrigger("0 9 * * 1-5", "", nil), now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, due)
}

func TestScheduleDueHonorsLastRun(t *testing.T) {
	s := NewScheduler(nil, nil, logger.Default(), 30*time.Second)

	now := time.Date(2026, 1, 5, 9, 0, 10, 0, time.UTC)
	lastRun := time.Date(2026, 1, 5, 9, 0, 5, 0, time.UTC)
	due, _, err := s.due(scheduleTrigger("0 9 * * 1-5", "", &lastRun), now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestScheduleDueHonorsTimezone(t *testing.T) {
	s := NewScheduler(nil, nil, logger.Default(), 30*time.Second)

	// 09:00 in New York is 14:00 UTC in January.
	now := time.Date(2026, 1, 5, 14, 0, 10, 0, time.UTC)
	due, fireAt, err := s.due(scheduleTrigger("0 9 * * *", "America/New_York", nil), now)
	require.NoError(t, err)
	assert.True(t, due)
	assert.Equal(t, 9, fireAt.Hour())

	due, _, err = s.due(scheduleTrigger("0 9 * * *", "UTC", nil), now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestScheduleDueErrors(t *testing.T) {
	s := NewScheduler(nil, nil, logger.Default(), 30*time.Second)
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	_, _, err := s.due(scheduleTrigger("not a cron", "", nil), now)
	assert.Error(t, err)

	_, _, err = s.due(scheduleTrigger("0 0 30 2 *", "", nil), now)
	assert.ErrorContains(t, err, "never fires")
}

func TestSchedulerTickFiresOnce(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")

	_, err := f.triggers.Create(ctx, v1.Trigger{
		UserID:     "u1",
		WorkflowID: wf.ID,
		Name:       "every minute",
		Enabled:    true,
		Type:       v1.TriggerSchedule,
		Config:     v1.TriggerConfig{Cron: "* * * * *"},
	})
	require.NoError(t, err)

	s := NewScheduler(f.triggers, f.dispatcher, logger.Default(), 2*time.Minute)
	frozen := time.Now().UTC()
	s.now = func() time.Time { return frozen }

	s.Tick(ctx)
	execs, err := f.workflows.ListExecutions(ctx, "u1", wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "schedule", execs[0].TriggerType)

	// The run moved lastRunAt past the frozen clock, so the same tick
	// finds nothing due.
	s.Tick(ctx)
	execs, err = f.workflows.ListExecutions(ctx, "u1", wf.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}
