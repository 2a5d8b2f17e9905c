package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Factor: 2, Max: time.Second, MaxAttempts: 5}
	require.NoError(t, p.Validate())

	require.Equal(t, 100*time.Millisecond, p.Delay(0))
	require.Equal(t, 200*time.Millisecond, p.Delay(1))
	require.Equal(t, 800*time.Millisecond, p.Delay(3))
	require.Equal(t, time.Second, p.Delay(4))
	require.Equal(t, time.Second, p.Delay(5000))
	require.Equal(t, 100*time.Millisecond, p.Delay(-3))
}

func TestExhausted(t *testing.T) {
	p := Default()
	require.False(t, p.Exhausted(p.MaxAttempts-1))
	require.True(t, p.Exhausted(p.MaxAttempts))

	p.MaxAttempts = 0
	require.False(t, p.Exhausted(1<<20))
}

func TestValidateRejectsBadPolicies(t *testing.T) {
	require.ErrorIs(t, Policy{}.Validate(), ErrInvalidPolicy)
	require.ErrorIs(t, Policy{Base: time.Second, Factor: 0.5, Max: time.Second}.Validate(), ErrInvalidPolicy)
	require.ErrorIs(t, Policy{Base: time.Second, Factor: 2, Max: time.Millisecond}.Validate(), ErrInvalidPolicy)
}

func TestSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, NoDelay(ctx, time.Hour), context.Canceled)
	require.NoError(t, NoDelay(context.Background(), time.Hour))
}
