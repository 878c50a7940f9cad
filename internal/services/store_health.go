package services

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/BradenHooton/perimeter/internal/models"
	pkglogger "github.com/BradenHooton/perimeter/pkg/logger"
)

// StoreHealth tracks whether the shared KV store is reachable. Only the
// transitions are logged and audited; individual failures while already
// degraded go to debug.
type StoreHealth struct {
	degraded atomic.Bool
	audit    EventLogger
	logger   *slog.Logger
}

// NewStoreHealth creates a tracker that starts out healthy.
func NewStoreHealth(audit EventLogger, logger *slog.Logger) *StoreHealth {
	return &StoreHealth{audit: audit, logger: logger}
}

// Degraded reports whether the last store call failed.
func (h *StoreHealth) Degraded() bool {
	return h.degraded.Load()
}

// ReportFailure records a failed store call made by component.
func (h *StoreHealth) ReportFailure(ctx context.Context, component string, err error) {
	if !h.degraded.CompareAndSwap(false, true) {
		h.logger.Debug("shared store still unavailable",
			slog.String("component", component),
			slog.Any("error", err))
		return
	}

	pkglogger.Critical(ctx, h.logger, "shared store unavailable, admission control degraded",
		slog.String("component", component),
		slog.Any("error", err))

	if h.audit != nil {
		h.audit.LogEvent(ctx, models.AuditEvent{
			EventType: models.EventStoreUnavailable,
			RiskLevel: models.RiskCritical,
			Success:   false,
			Message:   "shared store unavailable; rate limiting fails open and attempt tracking is local only",
			Details: models.AuditDetails{
				"component": component,
				"error":     err.Error(),
			},
		})
	}
}

// ReportSuccess records a successful store call.
func (h *StoreHealth) ReportSuccess(ctx context.Context, component string) {
	if !h.degraded.CompareAndSwap(true, false) {
		return
	}

	h.logger.Info("shared store recovered", slog.String("component", component))

	if h.audit != nil {
		h.audit.LogEvent(ctx, models.AuditEvent{
			EventType: models.EventStoreRecovered,
			RiskLevel: models.RiskMedium,
			Success:   true,
			Message:   "shared store reachable again",
			Details:   models.AuditDetails{"component": component},
		})
	}
}
