package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/perimeter/internal/audit"
	"github.com/BradenHooton/perimeter/internal/database"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEventRepository is the queryable secondary store of the audit trail
type AuditEventRepository struct {
	pool *pgxpool.Pool
}

// NewAuditEventRepository creates a new AuditEventRepository
func NewAuditEventRepository(db *database.DB) *AuditEventRepository {
	return &AuditEventRepository{pool: db.Pool}
}

const auditEventColumns = `id, event_type, risk_level, actor, source_ip, user_agent, endpoint, method,
	success, message, details, occurred_at, session_id, chain_id, sequence, prev_signature, integrity_signature`

// scanAuditEventRow populates an AuditEvent model from a database row
func scanAuditEventRow(row rowScanner) (*models.AuditEvent, error) {
	var (
		e         models.AuditEvent
		eventType string
		riskLevel string
	)

	err := row.Scan(
		&e.ID, &eventType, &riskLevel, &e.Actor, &e.SourceIP, &e.UserAgent, &e.Endpoint, &e.Method,
		&e.Success, &e.Message, &e.Details, &e.Timestamp, &e.SessionID,
		&e.ChainID, &e.Sequence, &e.PrevSignature, &e.IntegritySignature,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if e.EventType, err = models.ParseEventType(eventType); err != nil {
		return nil, err
	}
	if e.RiskLevel, err = models.ParseRiskLevel(riskLevel); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()

	return &e, nil
}

// scanAuditEventRows iterates through rows and scans each into AuditEvent models
func scanAuditEventRows(rows pgx.Rows) ([]models.AuditEvent, error) {
	defer rows.Close()

	events := make([]models.AuditEvent, 0)

	for rows.Next() {
		e, err := scanAuditEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	return events, nil
}

// Create inserts an event. Replaying an event that is already stored is a
// no-op so a retried write cannot duplicate it.
func (r *AuditEventRepository) Create(ctx context.Context, e *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (` + auditEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`

	details := e.Details
	if details == nil {
		details = models.AuditDetails{}
	}

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.EventType.String(), e.RiskLevel.String(), e.Actor, e.SourceIP, e.UserAgent, e.Endpoint, e.Method,
		e.Success, e.Message, details, e.Timestamp, e.SessionID,
		e.ChainID, e.Sequence, e.PrevSignature, e.IntegritySignature,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit event: %w", database.MapPostgresError(err))
	}

	return nil
}

// whereClause renders the filter's time range and criteria as SQL.
func whereClause(f models.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.SourceIP != "" {
		add("source_ip = $%d", f.SourceIP)
	}
	if len(f.EventTypes) > 0 {
		names := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			names[i] = t.String()
		}
		add("event_type = ANY($%d)", names)
	}
	if len(f.RiskLevels) > 0 {
		names := make([]string, len(f.RiskLevels))
		for i, l := range f.RiskLevels {
			names[i] = l.String()
		}
		add("risk_level = ANY($%d)", names)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns events matching filter, newest first.
func (r *AuditEventRepository) Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	filter = filter.Normalize()
	where, args := whereClause(filter)
	args = append(args, filter.Limit)

	query := `SELECT ` + auditEventColumns + ` FROM audit_events` + where +
		fmt.Sprintf(` ORDER BY occurred_at DESC, sequence DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	return scanAuditEventRows(rows)
}

// Summarize aggregates events in [from, to] with one grouped query.
func (r *AuditEventRepository) Summarize(ctx context.Context, from, to time.Time, topN int) (*models.AuditSummary, error) {
	if topN <= 0 {
		topN = audit.DefaultTopIPs
	}

	where, args := whereClause(models.AuditFilter{From: from, To: to})
	query := `
		SELECT event_type, risk_level, source_ip, success, COUNT(*)
		FROM audit_events` + where + `
		GROUP BY event_type, risk_level, source_ip, success
	`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit events: %w", err)
	}
	defer rows.Close()

	s := &models.AuditSummary{
		From:   from,
		To:     to,
		ByType: make(map[string]int64),
		ByRisk: make(map[string]int64),
		ByIP:   make(map[string]int64),
	}
	failedByIP := make(map[string]int64)

	for rows.Next() {
		var (
			eventType, riskLevel, ip string
			success                  bool
			count                    int64
		)
		if err := rows.Scan(&eventType, &riskLevel, &ip, &success, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit summary: %w", err)
		}

		s.Total += count
		s.ByType[eventType] += count
		s.ByRisk[riskLevel] += count
		if ip != "" {
			s.ByIP[ip] += count
		}
		if !success {
			s.FailedEvents += count
			if ip != "" {
				failedByIP[ip] += count
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit summary rows: %w", err)
	}

	s.TopIPs = audit.RankIPs(failedByIP, topN)
	return s, nil
}

// DeleteOlderThan removes events that occurred before cutoff.
func (r *AuditEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}

	return result.RowsAffected(), nil
}
