package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/perimeter/internal/models"
)

// localAttempts is the per-process fallback used while the shared store is
// unreachable. Its state is not shared with other instances.
type localAttempts struct {
	mu      sync.Mutex
	records map[string]*models.AttemptRecord
	config  AttemptConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

func newLocalAttempts(config AttemptConfig, logger *slog.Logger) *localAttempts {
	return &localAttempts{
		records: make(map[string]*models.AttemptRecord),
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

func (l *localAttempts) recordFailure(ip, username string, now time.Time) models.BlockDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[ip]
	if !ok || (!r.IsBlocked(now) && now.Sub(r.LastAttemptAt) >= l.config.Window) {
		r = &models.AttemptRecord{IP: ip, FirstAttemptAt: now}
		l.records[ip] = r
	}
	r.FailedCount++
	r.LastAttemptAt = now
	if username != "" {
		r.Username = username
	}

	decision := models.BlockDecision{FailedCount: r.FailedCount, Degraded: true}
	if r.FailedCount >= int64(l.config.MaxFailed) {
		until := now.Add(l.config.BlockDuration)
		r.BlockedUntil = &until
		decision.Blocked = true
		decision.RetryAfter = l.config.BlockDuration
		l.logger.Warn("client blocked by local attempt tracker; block is not shared with other instances",
			slog.String("ip", ip),
			slog.Int64("failed_count", r.FailedCount))
	}
	return decision
}

func (l *localAttempts) blocked(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[ip]
	if !ok {
		return false, 0
	}
	return r.IsBlocked(now), r.BlockRemaining(now)
}

func (l *localAttempts) status(ip string) (models.AttemptRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[ip]
	if !ok {
		return models.AttemptRecord{IP: ip}, false
	}
	return *r, true
}

func (l *localAttempts) reset(ip string) {
	l.mu.Lock()
	delete(l.records, ip)
	l.mu.Unlock()
}

// sweep drops records whose block and observation window have both lapsed.
func (l *localAttempts) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, r := range l.records {
		if r.IsBlocked(now) || now.Sub(r.LastAttemptAt) < l.config.Window {
			continue
		}
		delete(l.records, ip)
		removed++
	}
	return removed
}

func (l *localAttempts) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// run sweeps on every tick until stopped.
func (l *localAttempts) run(ctx context.Context, now func() time.Time) {
	ticker := time.NewTicker(l.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.sweep(now()); n > 0 {
				l.logger.Debug("local attempt records reaped", slog.Int("removed", n))
			}
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *localAttempts) stop() {
	l.once.Do(func() { close(l.stopCh) })
}
