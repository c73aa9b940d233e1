package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db/dbtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(dbtest.NewPool(t))
	require.NoError(t, err)
	return store
}

func TestTriggerCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := validWebhook()
	tr.UserID = "u1"
	tr.Enabled = true
	created, err := store.Create(ctx, tr)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := store.Get(ctx, created.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "deploy hook", got.Name)
	assert.Equal(t, "deploy", got.Config.Path)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastRunAt)

	got.Name = "release hook"
	got.Enabled = false
	updated, err := store.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "release hook", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	list, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, created.ID, "u1"))
	_, err = store.Get(ctx, created.ID, "u1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTriggerOwnerScoping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := validWebhook()
	tr.UserID = "u1"
	tr.Enabled = true
	created, err := store.Create(ctx, tr)
	require.NoError(t, err)

	_, err = store.Get(ctx, created.ID, "u2")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	err = store.Delete(ctx, created.ID, "u2")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestWebhookPathUniquePerUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := validWebhook()
	first.UserID = "u1"
	first.Enabled = true
	_, err := store.Create(ctx, first)
	require.NoError(t, err)

	duplicate := validWebhook()
	duplicate.UserID = "u1"
	duplicate.Name = "second hook"
	duplicate.Enabled = true
	_, err = store.Create(ctx, duplicate)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	// The same path under another user is fine.
	other := validWebhook()
	other.UserID = "u2"
	other.Enabled = true
	_, err = store.Create(ctx, other)
	require.NoError(t, err)
}

func TestUpdateCannotStealWebhookPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := validWebhook()
	first.UserID = "u1"
	first.Enabled = true
	_, err := store.Create(ctx, first)
	require.NoError(t, err)

	second := validWebhook()
	second.UserID = "u1"
	second.Name = "other hook"
	second.Config.Path = "release"
	second.Enabled = true
	created, err := store.Create(ctx, second)
	require.NoError(t, err)

	created.Config.Path = "deploy"
	_, err = store.Update(ctx, created)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestFindWebhook(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := validWebhook()
	tr.UserID = "u1"
	tr.Enabled = true
	tr.VariableMapping = map[string]string{"branch": "$.ref"}
	created, err := store.Create(ctx, tr)
	require.NoError(t, err)

	found, err := store.FindWebhook(ctx, "u1", "deploy")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, map[string]string{"branch": "$.ref"}, found.VariableMapping)

	_, err = store.FindWebhook(ctx, "u1", "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = store.FindWebhook(ctx, "u2", "deploy")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListSchedulesFiltersTypeAndEnabled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enabled := validSchedule()
	enabled.UserID = "u1"
	enabled.Enabled = true
	created, err := store.Create(ctx, enabled)
	require.NoError(t, err)

	disabled := validSchedule()
	disabled.UserID = "u1"
	disabled.Name = "paused"
	disabled.Enabled = false
	_, err = store.Create(ctx, disabled)
	require.NoError(t, err)

	hook := validWebhook()
	hook.UserID = "u1"
	hook.Enabled = true
	_, err = store.Create(ctx, hook)
	require.NoError(t, err)

	schedules, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, created.ID, schedules[0].ID)
}

func TestMarkRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := validSchedule()
	tr.UserID = "u1"
	tr.Enabled = true
	created, err := store.Create(ctx, tr)
	require.NoError(t, err)

	ranAt := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkRun(ctx, created.ID, ranAt))

	got, err := store.Get(ctx, created.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, ranAt.Unix(), got.LastRunAt.Unix())
}

func TestCreateRejectsInvalidTrigger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := validWebhook()
	bad.UserID = "u1"
	bad.Config.Path = ""
	_, err := store.Create(ctx, bad)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
