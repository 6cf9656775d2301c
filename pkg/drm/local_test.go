package drm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isadenghien/soma-workflow/pkg/types"
)

func TestLocalAdapterSubmitRunsToCompletion(t *testing.T) {
	a := NewLocalAdapter()
	ctx := context.Background()

	id, err := a.Submit(ctx, types.Template{Command: []string{"true"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := a.Wait(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ExitFinishedRegularly, res.ExitInfo.Status)
	assert.Equal(t, 0, res.ExitInfo.Value)

	status, err := a.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Done, status)
}

func TestLocalAdapterNonZeroExitIsFailed(t *testing.T) {
	a := NewLocalAdapter()
	ctx := context.Background()

	id, err := a.Submit(ctx, types.Template{Command: []string{"false"}})
	require.NoError(t, err)

	res, err := a.Wait(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ExitFinishedRegularly, res.ExitInfo.Status)
	assert.NotEqual(t, 0, res.ExitInfo.Value)

	status, err := a.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Failed, status)
}

func TestLocalAdapterWaitZeroTimeoutPollsOnce(t *testing.T) {
	a := NewLocalAdapter()
	ctx := context.Background()

	id, err := a.Submit(ctx, types.Template{Command: []string{"sleep", "1"}})
	require.NoError(t, err)

	_, err = a.Wait(ctx, id, 0)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	_, err = a.Wait(ctx, id, 2*time.Second)
	require.NoError(t, err)
}

func TestLocalAdapterHoldAndRelease(t *testing.T) {
	a := NewLocalAdapter()
	ctx := context.Background()

	id, err := a.Submit(ctx, types.Template{Command: []string{"sleep", "1"}})
	require.NoError(t, err)

	require.NoError(t, a.Hold(ctx, id))
	status, err := a.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, UserOnHold, status)

	require.NoError(t, a.Release(ctx, id))

	_, err = a.Wait(ctx, id, 2*time.Second)
	require.NoError(t, err)
}

func TestLocalAdapterKill(t *testing.T) {
	a := NewLocalAdapter()
	ctx := context.Background()

	id, err := a.Submit(ctx, types.Template{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	require.NoError(t, a.Kill(ctx, id))

	res, err := a.Wait(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ExitFinishedTermSignal, res.ExitInfo.Status)
}
