package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoubles(t *testing.T) {
	base := 30 * time.Second
	max := 15 * time.Minute

	require.Equal(t, 30*time.Second, backoffDelay(1, base, max, 0))
	require.Equal(t, 60*time.Second, backoffDelay(2, base, max, 0))
	require.Equal(t, 120*time.Second, backoffDelay(3, base, max, 0))
}

func TestBackoffDelayCapped(t *testing.T) {
	base := 30 * time.Second
	max := 2 * time.Minute

	require.Equal(t, max, backoffDelay(3, base, max, 0))
	require.Equal(t, max, backoffDelay(10, base, max, 0))
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	base := time.Minute
	max := time.Hour

	expected := float64(2 * time.Minute)
	for i := 0; i < 100; i++ {
		d := backoffDelay(2, base, max, 0.1)
		require.GreaterOrEqual(t, d, time.Duration(expected*0.9))
		require.LessOrEqual(t, d, time.Duration(expected*1.1))
	}
}

func TestBackoffDelayZeroAttemptTreatedAsFirst(t *testing.T) {
	require.Equal(t, 30*time.Second, backoffDelay(0, 30*time.Second, time.Minute, 0))
}
