package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
)

// defaultSummaryRange is the window summarized when no range is given
const defaultSummaryRange = 24 * time.Hour

// AuditReader is the read side of the audit trail used by the handlers
type AuditReader interface {
	services.EventLogger
	Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	Summarize(ctx context.Context, from, to time.Time) (*models.AuditSummary, error)
	CheckIntegrity(ctx context.Context, filter models.AuditFilter, actor, sourceIP string) (*services.IntegrityReport, error)
}

// AuditHandler handles audit trail HTTP requests (admin only)
type AuditHandler struct {
	audit    AuditReader
	ipConfig *pkghttp.IPConfig
	now      func() time.Time
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditReader, ipConfig *pkghttp.IPConfig) *AuditHandler {
	return &AuditHandler{
		audit:    audit,
		ipConfig: ipConfig,
		now:      time.Now,
	}
}

// AuditEventsResponse is the body of GET /audit/events
type AuditEventsResponse struct {
	Events []models.AuditEvent `json:"events"`
	Count  int                 `json:"count"`
}

// parseFilter reads from, to, event_type, risk_level, actor, ip and limit.
// event_type and risk_level accept comma separated lists.
func parseFilter(q url.Values) (models.AuditFilter, error) {
	var (
		f   models.AuditFilter
		err error
	)

	if f.From, err = parseTimeParam(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTimeParam(q, "to"); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, fmt.Errorf("to must not be before from")
	}

	for _, name := range splitParam(q.Get("event_type")) {
		t, err := models.ParseEventType(strings.ToUpper(name))
		if err != nil {
			return f, fmt.Errorf("event_type: %w", err)
		}
		f.EventTypes = append(f.EventTypes, t)
	}
	for _, name := range splitParam(q.Get("risk_level")) {
		l, err := models.ParseRiskLevel(strings.ToUpper(name))
		if err != nil {
			return f, fmt.Errorf("risk_level: %w", err)
		}
		f.RiskLevels = append(f.RiskLevels, l)
	}

	f.Actor = strings.TrimSpace(q.Get("actor"))
	f.SourceIP = strings.TrimSpace(q.Get("ip"))

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > models.MaxAuditQueryLimit {
			return f, fmt.Errorf("limit must be between 1 and %d", models.MaxAuditQueryLimit)
		}
		f.Limit = n
	}

	return f, nil
}

func parseTimeParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}

func splitParam(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// accessed records that an admin read the audit trail.
func (h *AuditHandler) accessed(r *http.Request, what string, details models.AuditDetails) {
	meta := requestMeta(r, h.ipConfig)
	actor := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		actor = claims.Username
	}
	if details == nil {
		details = models.AuditDetails{}
	}
	details["resource"] = what

	h.audit.LogEvent(r.Context(), models.AuditEvent{
		EventType: models.EventDataAccessed,
		RiskLevel: models.RiskLow,
		Actor:     actor,
		SourceIP:  meta.IP,
		UserAgent: meta.UserAgent,
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		SessionID: meta.SessionID,
		Success:   true,
		Message:   "audit trail read",
		Details:   details,
	})
}

// ListEvents returns audit events, newest first
// @Summary Query the audit trail
// @Security BearerAuth
// @Produce json
// @Success 200 {object} AuditEventsResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /audit/events [get]
func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to query audit events")
		return
	}

	h.accessed(r, "audit_events", models.AuditDetails{"returned": len(events)})
	pkghttp.WriteJSON(w, http.StatusOK, AuditEventsResponse{Events: events, Count: len(events)})
}

// Summary aggregates the trail over a time range (default: last 24h)
// @Summary Summarize the audit trail
// @Security BearerAuth
// @Produce json
// @Success 200 {object} models.AuditSummary
// @Router /audit/summary [get]
func (h *AuditHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q, "from")
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	to, err := parseTimeParam(q, "to")
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultSummaryRange)
	}
	if to.Before(from) {
		pkghttp.WriteBadRequest(w, "to must not be before from")
		return
	}

	summary, err := h.audit.Summarize(r.Context(), from, to)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to summarize audit events")
		return
	}

	h.accessed(r, "audit_summary", nil)
	pkghttp.WriteJSON(w, http.StatusOK, summary)
}

// Verify checks signatures and chain links of recent events
// @Summary Verify audit trail integrity
// @Security BearerAuth
// @Produce json
// @Success 200 {object} services.IntegrityReport
// @Router /audit/verify [get]
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	meta := requestMeta(r, h.ipConfig)
	actor := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		actor = claims.Username
	}

	report, err := h.audit.CheckIntegrity(r.Context(), filter, actor, meta.IP)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to verify audit events")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, report)
}
