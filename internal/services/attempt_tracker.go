package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/BradenHooton/perimeter/internal/kvstore"
	"github.com/BradenHooton/perimeter/internal/models"
)

// AttemptConfig holds the brute-force thresholds. Window and BlockDuration
// are independent: the block can outlast the observation window.
type AttemptConfig struct {
	MaxFailed      int
	Window         time.Duration // rolling TTL of the failure counter
	BlockDuration  time.Duration // TTL of the block key
	ReaperInterval time.Duration // sweep period of the local fallback
}

// AttemptTracker counts failed authentications per client IP in the shared
// store and blocks an IP once it reaches the threshold
type AttemptTracker struct {
	store  kvstore.Store
	config AttemptConfig
	health *StoreHealth
	local  *localAttempts
	logger *slog.Logger

	// Now is the clock used for block deadlines.
	Now func() time.Time
}

// NewAttemptTracker creates a new AttemptTracker
func NewAttemptTracker(store kvstore.Store, config AttemptConfig, health *StoreHealth, logger *slog.Logger) *AttemptTracker {
	if config.MaxFailed <= 0 {
		config.MaxFailed = 5
	}
	if config.Window <= 0 {
		config.Window = 15 * time.Minute
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = 30 * time.Minute
	}
	if config.ReaperInterval <= 0 {
		config.ReaperInterval = time.Minute
	}
	return &AttemptTracker{
		store:  store,
		config: config,
		health: health,
		local:  newLocalAttempts(config, logger),
		logger: logger,
		Now:    time.Now,
	}
}

func failedKey(ip string) string  { return "failed_attempts:" + ip }
func blockedKey(ip string) string { return "blocked_ip:" + ip }

// Start runs the local fallback's reaper until ctx is done or Stop is called.
func (t *AttemptTracker) Start(ctx context.Context) {
	t.local.run(ctx, t.Now)
}

// Stop ends the reaper.
func (t *AttemptTracker) Stop() {
	t.local.stop()
}

// RecordFailure counts a failed authentication from ip. The increment and
// expiry refresh are one atomic store operation.
func (t *AttemptTracker) RecordFailure(ctx context.Context, ip, username string) models.BlockDecision {
	now := t.Now()

	count, _, err := t.store.IncrWindow(ctx, failedKey(ip), 1, t.config.Window, true)
	if err != nil {
		t.health.ReportFailure(ctx, "attempt_tracker", err)
		return t.local.recordFailure(ip, username, now)
	}
	t.health.ReportSuccess(ctx, "attempt_tracker")

	decision := models.BlockDecision{FailedCount: count}
	if count < int64(t.config.MaxFailed) {
		return decision
	}

	until := now.Add(t.config.BlockDuration)
	if err := t.store.Set(ctx, blockedKey(ip), strconv.FormatInt(until.Unix(), 10), t.config.BlockDuration); err != nil {
		t.health.ReportFailure(ctx, "attempt_tracker", err)
		local := t.local.recordFailure(ip, username, now)
		local.FailedCount = count
		return local
	}

	t.logger.Warn("client blocked after repeated authentication failures",
		slog.String("ip", ip),
		slog.Int64("failed_count", count),
		slog.Duration("block_duration", t.config.BlockDuration))

	decision.Blocked = true
	decision.RetryAfter = t.config.BlockDuration
	return decision
}

// RecordSuccess forgets every failure and any block for ip.
func (t *AttemptTracker) RecordSuccess(ctx context.Context, ip string) {
	t.local.reset(ip)

	if err := t.store.Delete(ctx, failedKey(ip), blockedKey(ip)); err != nil {
		t.health.ReportFailure(ctx, "attempt_tracker", err)
		return
	}
	t.health.ReportSuccess(ctx, "attempt_tracker")
}

// Blocked reports whether ip is blocked and for how much longer. With the
// store unreachable only blocks recorded locally count; an unknown state is
// treated as not blocked.
func (t *AttemptTracker) Blocked(ctx context.Context, ip string) (bool, time.Duration) {
	exists, err := t.store.Exists(ctx, blockedKey(ip))
	var ttl time.Duration
	if err == nil && exists {
		// 0 if the key expired between the two calls
		ttl, err = t.store.TTL(ctx, blockedKey(ip))
	}
	if err != nil {
		t.health.ReportFailure(ctx, "attempt_tracker", err)
		return t.local.blocked(ip, t.Now())
	}
	t.health.ReportSuccess(ctx, "attempt_tracker")

	return ttl > 0, ttl
}

// IsBlocked reports whether ip is currently blocked.
func (t *AttemptTracker) IsBlocked(ctx context.Context, ip string) bool {
	blocked, _ := t.Blocked(ctx, ip)
	return blocked
}

// Status returns the tracker's view of ip. The store keeps no first-attempt
// time, so FirstAttemptAt is only set for locally tracked records.
func (t *AttemptTracker) Status(ctx context.Context, ip string) (models.AttemptRecord, error) {
	now := t.Now()

	if rec, ok := t.local.status(ip); ok && t.health.Degraded() {
		return rec, nil
	}

	rec := models.AttemptRecord{IP: ip}

	raw, err := t.store.Get(ctx, failedKey(ip))
	switch {
	case errors.Is(err, kvstore.ErrNil):
	case err != nil:
		return rec, err
	default:
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return rec, perr
		}
		rec.FailedCount = n
		if ttl, err := t.store.TTL(ctx, failedKey(ip)); err == nil && ttl > 0 {
			// the rolling TTL restarts at every failure
			rec.LastAttemptAt = now.Add(ttl - t.config.Window)
		}
	}

	blocked, remaining := t.Blocked(ctx, ip)
	if blocked {
		until := now.Add(remaining)
		rec.BlockedUntil = &until
	}
	return rec, nil
}

// Config returns the tracker's thresholds.
func (t *AttemptTracker) Config() AttemptConfig {
	return t.config
}
