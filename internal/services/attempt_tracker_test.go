package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/perimeter/internal/kvstore"
	"github.com/BradenHooton/perimeter/internal/models"
)

func newTestTracker(store kvstore.Store, clk *clock) (*AttemptTracker, *recordingAudit) {
	audit := &recordingAudit{}
	health := NewStoreHealth(audit, testLogger())
	tracker := NewAttemptTracker(store, AttemptConfig{
		MaxFailed:     5,
		Window:        15 * time.Minute,
		BlockDuration: 30 * time.Minute,
	}, health, testLogger())
	tracker.Now = clk.Now
	return tracker, audit
}

func TestAttemptTracker_BlocksAtThreshold(t *testing.T) {
	clk := newClock()
	store := kvstore.NewMemoryStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		d := tracker.RecordFailure(ctx, "10.0.0.7", "bob")
		assert.False(t, d.Blocked)
		assert.Equal(t, int64(i), d.FailedCount)
		assert.False(t, tracker.IsBlocked(ctx, "10.0.0.7"))
	}

	d := tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	assert.True(t, d.Blocked)
	assert.Equal(t, int64(5), d.FailedCount)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	blocked, remaining := tracker.Blocked(ctx, "10.0.0.7")
	assert.True(t, blocked)
	assert.Equal(t, 30*time.Minute, remaining)
	assert.False(t, tracker.IsBlocked(ctx, "10.0.0.8"))
}

func TestAttemptTracker_SuccessResetsCounter(t *testing.T) {
	clk := newClock()
	store := kvstore.NewMemoryStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	}
	tracker.RecordSuccess(ctx, "10.0.0.7")

	d := tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	assert.Equal(t, int64(1), d.FailedCount)
}

func TestAttemptTracker_SuccessClearsBlock(t *testing.T) {
	clk := newClock()
	store := kvstore.NewMemoryStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	}
	require.True(t, tracker.IsBlocked(ctx, "10.0.0.7"))

	tracker.RecordSuccess(ctx, "10.0.0.7")
	assert.False(t, tracker.IsBlocked(ctx, "10.0.0.7"))
}

func TestAttemptTracker_BlockOutlivesCounterWindow(t *testing.T) {
	clk := newClock()
	store := kvstore.NewMemoryStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	}

	clk.Advance(20 * time.Minute)
	assert.True(t, tracker.IsBlocked(ctx, "10.0.0.7"), "block key outlives the counter")

	clk.Advance(10 * time.Minute)
	assert.False(t, tracker.IsBlocked(ctx, "10.0.0.7"))
}

func TestAttemptTracker_RollingWindow(t *testing.T) {
	clk := newClock()
	store := kvstore.NewMemoryStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	// each failure refreshes the 15 minute TTL
	for i := 0; i < 4; i++ {
		tracker.RecordFailure(ctx, "10.0.0.7", "bob")
		clk.Advance(10 * time.Minute)
	}
	d := tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	assert.True(t, d.Blocked)

	// a quiet period longer than the window starts over
	other := "10.0.0.9"
	tracker.RecordFailure(ctx, other, "alice")
	clk.Advance(16 * time.Minute)
	d = tracker.RecordFailure(ctx, other, "alice")
	assert.Equal(t, int64(1), d.FailedCount)
}

func TestAttemptTracker_Status(t *testing.T) {
	clk := newClock()
	store := kvstore.NewMemoryStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	rec, err := tracker.Status(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.FailedCount)
	assert.Nil(t, rec.BlockedUntil)

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	}
	clk.Advance(time.Minute)

	rec, err = tracker.Status(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", rec.IP)
	assert.Equal(t, int64(5), rec.FailedCount)
	require.NotNil(t, rec.BlockedUntil)
	assert.Equal(t, clk.Now().Add(29*time.Minute), *rec.BlockedUntil)
	assert.Equal(t, clk.Now().Add(-time.Minute), rec.LastAttemptAt)
	assert.True(t, rec.IsBlocked(clk.Now()))
}

func TestAttemptTracker_DegradedUsesLocalState(t *testing.T) {
	clk := newClock()
	store := newFlakyStore()
	store.Now = clk.Now
	tracker, audit := newTestTracker(store, clk)
	ctx := context.Background()

	store.setDown(true)
	for i := 1; i <= 5; i++ {
		d := tracker.RecordFailure(ctx, "10.0.0.7", "bob")
		assert.True(t, d.Degraded)
		assert.Equal(t, int64(i), d.FailedCount)
	}
	assert.True(t, tracker.IsBlocked(ctx, "10.0.0.7"))
	assert.False(t, tracker.IsBlocked(ctx, "10.0.0.8"), "unknown state is treated as not blocked")

	rec, err := tracker.Status(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Username)
	assert.Equal(t, clk.Now(), rec.FirstAttemptAt)

	require.Len(t, audit.ofType(models.EventStoreUnavailable), 1)

	clk.Advance(31 * time.Minute)
	assert.False(t, tracker.IsBlocked(ctx, "10.0.0.7"))
}

func TestAttemptTracker_DegradedSuccessResetsLocal(t *testing.T) {
	clk := newClock()
	store := newFlakyStore()
	store.Now = clk.Now
	tracker, _ := newTestTracker(store, clk)
	ctx := context.Background()

	store.setDown(true)
	for i := 0; i < 5; i++ {
		tracker.RecordFailure(ctx, "10.0.0.7", "bob")
	}
	tracker.RecordSuccess(ctx, "10.0.0.7")
	assert.False(t, tracker.IsBlocked(ctx, "10.0.0.7"))
}

func TestLocalAttempts_Sweep(t *testing.T) {
	clk := newClock()
	local := newLocalAttempts(AttemptConfig{
		MaxFailed:     2,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
	}, testLogger())

	local.recordFailure("10.0.0.1", "", clk.Now())
	local.recordFailure("10.0.0.2", "", clk.Now())
	local.recordFailure("10.0.0.2", "", clk.Now())
	require.Equal(t, 2, local.size())

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, local.sweep(clk.Now()), "blocked record survives the window")
	assert.Equal(t, 1, local.size())

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, local.sweep(clk.Now()))
	assert.Equal(t, 0, local.size())
}

func TestAttemptTracker_ReaperStops(t *testing.T) {
	tracker := NewAttemptTracker(kvstore.NewMemoryStore(), AttemptConfig{ReaperInterval: time.Millisecond}, NewStoreHealth(nil, testLogger()), testLogger())

	done := make(chan struct{})
	go func() {
		tracker.Start(context.Background())
		close(done)
	}()

	tracker.Stop()
	tracker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
