package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureDelay_PadsToBase(t *testing.T) {
	fd := NewFailureDelay(TimingConfig{BaseDelay: 50 * time.Millisecond})

	start := time.Now()
	fd.PadFrom(context.Background(), start)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFailureDelay_AccountsForElapsedTime(t *testing.T) {
	var slept time.Duration
	fd := NewFailureDelay(TimingConfig{BaseDelay: 100 * time.Millisecond})
	fd.sleep = func(_ context.Context, d time.Duration) { slept = d }

	fd.PadFrom(context.Background(), time.Now().Add(-60*time.Millisecond))

	assert.Greater(t, slept, time.Duration(0))
	assert.LessOrEqual(t, slept, 40*time.Millisecond)
}

func TestFailureDelay_NoSleepWhenAlreadySlow(t *testing.T) {
	called := false
	fd := NewFailureDelay(TimingConfig{BaseDelay: 10 * time.Millisecond})
	fd.sleep = func(context.Context, time.Duration) { called = true }

	fd.PadFrom(context.Background(), time.Now().Add(-time.Second))

	assert.False(t, called)
}

func TestFailureDelay_JitterBounded(t *testing.T) {
	fd := NewFailureDelay(TimingConfig{BaseDelay: 10 * time.Millisecond, RandomDelay: 5 * time.Millisecond})

	for i := 0; i < 100; i++ {
		d := fd.Target()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 15*time.Millisecond)
	}
}

func TestFailureDelay_CancelledContextReturns(t *testing.T) {
	fd := NewFailureDelay(TimingConfig{BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	fd.PadFrom(ctx, start)

	assert.Less(t, time.Since(start), time.Second)
}
