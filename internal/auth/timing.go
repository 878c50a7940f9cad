package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for timing attack prevention
type TimingConfig struct {
	BaseDelay   time.Duration // Minimum duration of a failed attempt
	RandomDelay time.Duration // Upper bound of the random jitter added on top
}

// FailureDelay pads failed authentications to a floor duration so "unknown
// user" and "wrong password" are indistinguishable by response time
type FailureDelay struct {
	config TimingConfig
	sleep  func(ctx context.Context, d time.Duration)
}

// NewFailureDelay creates a new FailureDelay instance
func NewFailureDelay(config TimingConfig) *FailureDelay {
	return &FailureDelay{config: config, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// cryptoRandIntn returns a secure random number between 0 and max (exclusive)
// Uses crypto/rand instead of math/rand for security-sensitive operations
func cryptoRandIntn(max int64) int64 {
	if max <= 0 {
		return 0
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:]) % uint64(max))
}

// Target returns the padded duration for one failure.
func (fd *FailureDelay) Target() time.Duration {
	return fd.config.BaseDelay + time.Duration(cryptoRandIntn(int64(fd.config.RandomDelay)))
}

// PadFrom sleeps until at least Target() has elapsed since start. It returns
// early if ctx is cancelled.
func (fd *FailureDelay) PadFrom(ctx context.Context, start time.Time) {
	target := fd.Target()
	if elapsed := time.Since(start); elapsed < target {
		fd.sleep(ctx, target-elapsed)
	}
}
