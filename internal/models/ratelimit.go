package models

import "time"

// RateWindow is the fixed counting window of one client key.
type RateWindow struct {
	Key         string
	Count       int64
	WindowStart time.Time
}

// Decision is the admission result of the rate limiter.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Window     RateWindow
	// Degraded is set when the shared store could not be consulted and the
	// request was let through.
	Degraded bool
}

// BlockDecision is returned after a failed authentication is recorded.
type BlockDecision struct {
	Blocked     bool
	FailedCount int64
	RetryAfter  time.Duration
	Degraded    bool
}

// AttemptRecord tracks failed authentications for one client IP.
type AttemptRecord struct {
	IP             string
	Username       string
	FailedCount    int64
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	BlockedUntil   *time.Time
}

// IsBlocked reports whether the record rejects checks at now.
func (r *AttemptRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// BlockRemaining returns how long the block still holds, or 0.
func (r *AttemptRecord) BlockRemaining(now time.Time) time.Duration {
	if !r.IsBlocked(now) {
		return 0
	}
	return r.BlockedUntil.Sub(now)
}
