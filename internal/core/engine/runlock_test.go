package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalRunLock(t *testing.T) {
	lock := NewLocalRunLock()
	ctx := context.Background()

	release, ok, err := lock.TryAcquire(ctx, "plants:perenual")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx, "plants:perenual")
	require.NoError(t, err)
	require.False(t, ok)

	other, ok, err := lock.TryAcquire(ctx, "care_guides:perenual")
	require.NoError(t, err)
	require.True(t, ok)
	other()

	release()
	release()

	again, ok, err := lock.TryAcquire(ctx, "plants:perenual")
	require.NoError(t, err)
	require.True(t, ok)
	again()
}
