package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditPruner deletes audit events older than a cutoff
type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper drops expired keys from an in-process store
type Sweeper interface {
	Sweep() int
}

// CleanupManager periodically enforces audit retention and, with the memory
// KV backend, evicts expired keys
type CleanupManager struct {
	audit     AuditPruner
	retention time.Duration
	sweeper   Sweeper // nil unless KV_BACKEND=memory
	logger    *slog.Logger
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewCleanupManager creates a new cleanup manager. A non-positive retention
// keeps audit events forever; sweeper may be nil.
func NewCleanupManager(
	audit AuditPruner,
	retention time.Duration,
	sweeper Sweeper,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &CleanupManager{
		audit:     audit,
		retention: retention,
		sweeper:   sweeper,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup applies audit retention and sweeps the memory store
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	if cm.sweeper != nil {
		if n := cm.sweeper.Sweep(); n > 0 {
			cm.logger.Debug("expired kv entries evicted", slog.Int("evicted", n))
		}
	}

	if cm.audit == nil || cm.retention <= 0 {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := cm.now().Add(-cm.retention)
	rowsDeleted, err := cm.audit.DeleteOlderThan(cleanupCtx, cutoff)
	if err != nil {
		cm.logger.Error("failed to apply audit retention", slog.Any("error", err))
		return
	}

	if rowsDeleted > 0 {
		cm.logger.Info("audit retention applied",
			slog.Int64("rows_deleted", rowsDeleted),
			slog.Time("cutoff", cutoff))
	}
}

// Stop signals the cleanup manager to stop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
