package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGateLifecycle(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate()

	paused, err := gate.IsPaused(ctx, PausePurchase)
	require.NoError(t, err)
	assert.False(t, paused, "absent flag means not paused")

	require.NoError(t, gate.SetPause(ctx, PausePurchase, true))
	paused, _ = gate.IsPaused(ctx, PausePurchase)
	assert.True(t, paused)

	err = gate.SetPause(ctx, PausePurchase, true)
	require.ErrorIs(t, err, ErrAlreadyPaused)

	require.NoError(t, gate.SetPause(ctx, PausePurchase, false))
	err = gate.SetPause(ctx, PausePurchase, false)
	require.ErrorIs(t, err, ErrNotPaused)
}

func TestFlagsAreIndependent(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate()

	require.NoError(t, gate.SetPause(ctx, PauseRebalance, true))
	for _, flag := range []PauseFlag{PausePurchase, PauseOnDemand} {
		paused, err := gate.IsPaused(ctx, flag)
		require.NoError(t, err)
		assert.False(t, paused, "flag %s", flag)
	}
}

func TestUnknownFlagRejected(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate()
	_, err := gate.IsPaused(ctx, PauseFlag("mev"))
	require.ErrorIs(t, err, ErrUnknownFlag)
	err = gate.SetPause(ctx, PauseFlag("mev"), true)
	require.ErrorIs(t, err, ErrUnknownFlag)
}
