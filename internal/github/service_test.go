package github

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db/dbtest"
)

func TestServiceTokenLifecycle(t *testing.T) {
	svc, err := NewService(dbtest.NewPool(t), "")
	require.NoError(t, err)
	ctx := context.Background()

	var seenToken string
	svc.factory = func(token string) Client {
		seenToken = token
		return NewMockClient()
	}

	_, err = svc.ClientFor(ctx, "u1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, svc.SetToken(ctx, "u1", "tok-a"))
	_, err = svc.ClientFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok-a", seenToken)

	// Replacing the token takes effect on the next client.
	require.NoError(t, svc.SetToken(ctx, "u1", "tok-b"))
	_, err = svc.ClientFor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok-b", seenToken)

	require.NoError(t, svc.DeleteToken(ctx, "u1"))
	_, err = svc.ClientFor(ctx, "u1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestServiceRejectsEmptyToken(t *testing.T) {
	svc, err := NewService(dbtest.NewPool(t), "")
	require.NoError(t, err)
	err = svc.SetToken(context.Background(), "u1", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
