package crawl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelaysDoubleUntilCap(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 6, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	require.Equal(t, 1*time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(3))
	require.Equal(t, 10*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(5))
}

func TestRetryPolicyDelaysStrictlyIncreaseBelowCap(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	prev := time.Duration(0)
	for retries := 0; retries < p.MaxRetries; retries++ {
		delay, ok := p.Next(retries)
		require.True(t, ok)
		require.Greater(t, delay, prev)
		prev = delay
	}
}

func TestRetryPolicyExhaustion(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}

	_, ok := p.Next(0)
	require.True(t, ok)
	_, ok = p.Next(1)
	require.True(t, ok)
	_, ok = p.Next(2)
	require.False(t, ok)
}

func TestRetryPolicyZeroRetriesNeverRetries(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 0, BaseDelay: time.Second, MaxDelay: time.Minute}
	_, ok := p.Next(0)
	require.False(t, ok)
}

func TestRetryPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultRetryPolicy().Validate())
	require.Error(t, RetryPolicy{MaxRetries: -1, BaseDelay: time.Second, MaxDelay: time.Minute}.Validate())
	require.Error(t, RetryPolicy{MaxRetries: 1, BaseDelay: 0, MaxDelay: time.Minute}.Validate())
	require.Error(t, RetryPolicy{MaxRetries: 1, BaseDelay: time.Minute, MaxDelay: time.Second}.Validate())
}

func TestRetryPolicyDelayOverflowSafe(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 100, BaseDelay: time.Second, MaxDelay: time.Hour}
	require.Equal(t, time.Hour, p.Delay(99))
}
