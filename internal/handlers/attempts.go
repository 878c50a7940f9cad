package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AttemptInspector exposes the attempt tracker to operators
type AttemptInspector interface {
	Status(ctx context.Context, ip string) (models.AttemptRecord, error)
	RecordSuccess(ctx context.Context, ip string)
}

// AttemptsHandler lets admins inspect and lift login blocks
type AttemptsHandler struct {
	tracker  AttemptInspector
	audit    services.EventLogger
	ipConfig *pkghttp.IPConfig
	now      func() time.Time
}

// NewAttemptsHandler creates a new AttemptsHandler
func NewAttemptsHandler(tracker AttemptInspector, audit services.EventLogger, ipConfig *pkghttp.IPConfig) *AttemptsHandler {
	return &AttemptsHandler{
		tracker:  tracker,
		audit:    audit,
		ipConfig: ipConfig,
		now:      time.Now,
	}
}

// AttemptStatusResponse is the tracker's view of one IP
type AttemptStatusResponse struct {
	IP                string     `json:"ip"`
	FailedCount       int64      `json:"failed_count"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
}

// ipParam reads {ip} in the same canonical form the gateway keys on.
func ipParam(r *http.Request) (string, bool) {
	ip := pkghttp.CanonicalIP(chi.URLParam(r, "ip"))
	return ip, ip != ""
}

// Status reports failures and block state for an IP
// @Summary Inspect login attempts of an IP
// @Security BearerAuth
// @Produce json
// @Success 200 {object} AttemptStatusResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 503 {object} pkghttp.ErrorResponse
// @Router /audit/attempts/{ip} [get]
func (h *AttemptsHandler) Status(w http.ResponseWriter, r *http.Request) {
	ip, ok := ipParam(r)
	if !ok {
		pkghttp.WriteBadRequest(w, "Invalid IP address")
		return
	}

	rec, err := h.tracker.Status(r.Context(), ip)
	if err != nil {
		pkghttp.WriteServiceUnavailable(w, "Attempt store unavailable")
		return
	}

	now := h.now()
	resp := AttemptStatusResponse{
		IP:          ip,
		FailedCount: rec.FailedCount,
		Blocked:     rec.IsBlocked(now),
	}
	if resp.Blocked {
		resp.BlockedUntil = rec.BlockedUntil
		resp.RetryAfterSeconds = pkghttp.RetryAfterSeconds(rec.BlockRemaining(now))
	}
	if !rec.LastAttemptAt.IsZero() {
		last := rec.LastAttemptAt
		resp.LastAttemptAt = &last
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// Unblock clears failures and any block for an IP
// @Summary Lift a login block
// @Security BearerAuth
// @Success 204
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /audit/attempts/{ip} [delete]
func (h *AttemptsHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ip, ok := ipParam(r)
	if !ok {
		pkghttp.WriteBadRequest(w, "Invalid IP address")
		return
	}

	h.tracker.RecordSuccess(r.Context(), ip)

	meta := requestMeta(r, h.ipConfig)
	actor := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		actor = claims.Username
	}
	h.audit.LogEvent(r.Context(), models.AuditEvent{
		EventType: models.EventConfigChanged,
		RiskLevel: models.RiskMedium,
		Actor:     actor,
		SourceIP:  meta.IP,
		UserAgent: meta.UserAgent,
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		SessionID: meta.SessionID,
		Success:   true,
		Message:   "login block lifted",
		Details: models.AuditDetails{
			"action":    "unblock",
			"target_ip": ip,
		},
	})

	w.WriteHeader(http.StatusNoContent)
}
