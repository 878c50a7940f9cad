package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/perimeter/internal/audit"
	"github.com/BradenHooton/perimeter/internal/models"
	pkglogger "github.com/BradenHooton/perimeter/pkg/logger"
	"github.com/google/uuid"
)

// EventLogger is the write side of the audit trail
type EventLogger interface {
	LogEvent(ctx context.Context, event models.AuditEvent) bool
}

// AuditRepository defines the interface for the queryable audit store
type AuditRepository interface {
	Create(ctx context.Context, event *models.AuditEvent) error
	Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	Summarize(ctx context.Context, from, to time.Time, topN int) (*models.AuditSummary, error)
}

// AuditConfig holds configuration for the audit trail
type AuditConfig struct {
	SensitiveFields []string
	Workers         int
	QueueSize       int
	RetryDelay      time.Duration
	WriteTimeout    time.Duration
	TopIPs          int
}

// AuditService is the audit trail. Every event is signed into a hash chain,
// appended synchronously to the local file log, mirrored to slog, and
// written asynchronously to the database (dual-write pattern)
type AuditService struct {
	primary  *audit.FileLog
	repo     AuditRepository
	signer   *audit.Signer
	redactor *pkglogger.Redactor
	logger   *slog.Logger
	config   AuditConfig

	mu    sync.Mutex // serializes chain position with the primary append
	chain *audit.Chain

	secondary *audit.Dispatcher[models.AuditEvent]
	alerts    *audit.Dispatcher[models.AuditEvent]

	now func() time.Time
}

// NewAuditService creates a new AuditService. repo may be nil, in which case
// the file log is the only sink.
func NewAuditService(primary *audit.FileLog, repo AuditRepository, signer *audit.Signer, notifier audit.Notifier, config AuditConfig, logger *slog.Logger) *AuditService {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.TopIPs <= 0 {
		config.TopIPs = audit.DefaultTopIPs
	}
	if notifier == nil {
		notifier = audit.NewLogNotifier(logger)
	}

	s := &AuditService{
		primary:  primary,
		repo:     repo,
		signer:   signer,
		redactor: pkglogger.NewRedactor(config.SensitiveFields),
		logger:   logger,
		config:   config,
		chain:    audit.NewChain(uuid.NewString()),
		now:      time.Now,
	}

	if repo != nil {
		s.secondary = audit.NewDispatcher[models.AuditEvent](audit.DispatcherConfig{
			Name:       "audit_db",
			Shards:     config.Workers,
			QueueSize:  config.QueueSize,
			RetryDelay: config.RetryDelay,
		}, s.persist, logger)
	}

	s.alerts = audit.NewDispatcher[models.AuditEvent](audit.DispatcherConfig{
		Name:       "audit_alerts",
		Shards:     1,
		QueueSize:  config.QueueSize,
		RetryDelay: config.RetryDelay,
	}, func(ctx context.Context, e models.AuditEvent) error {
		return notifier.Notify(ctx, e)
	}, logger)

	return s
}

// Start launches the background writers.
func (s *AuditService) Start(ctx context.Context) {
	if s.secondary != nil {
		s.secondary.Start(ctx)
	}
	s.alerts.Start(ctx)
}

// Stop drains the background writers.
func (s *AuditService) Stop() {
	if s.secondary != nil {
		s.secondary.Stop()
	}
	s.alerts.Stop()
}

// ChainID identifies the signature chain of this process.
func (s *AuditService) ChainID() string {
	return s.chain.ID
}

func (s *AuditService) persist(ctx context.Context, e models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	return s.repo.Create(ctx, &e)
}

// LogEvent records event and reports whether it reached the primary log. It
// never panics and never blocks on the database.
func (s *AuditService) LogEvent(ctx context.Context, event models.AuditEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			pkglogger.Critical(ctx, s.logger, "audit event lost",
				slog.String("event_type", event.EventType.String()),
				slog.Any("panic", r))
			ok = false
		}
	}()

	if !event.EventType.Valid() {
		s.logger.ErrorContext(ctx, "audit event rejected: unknown event type",
			slog.Int("event_type", int(event.EventType)))
		return false
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if !event.RiskLevel.Valid() {
		event.RiskLevel = event.EventType.DefaultRisk()
	}
	if event.Details != nil {
		event.Details = models.AuditDetails(s.redactor.RedactMap(event.Details))
	}

	s.mu.Lock()
	// stamped under the lock so sequence order matches time order
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	// microsecond precision survives the database round trip unchanged
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
	s.chain.Seal(s.signer, &event)
	err := s.primary.Append(&event)
	// queued in chain order; Enqueue never blocks
	if s.secondary != nil {
		s.secondary.Enqueue(event.ActorKey(), event)
	}
	s.mu.Unlock()

	if err != nil {
		pkglogger.Critical(ctx, s.logger, "failed to write primary audit log",
			slog.String("event_id", event.ID),
			slog.Any("error", err))
	}

	s.mirror(ctx, &event)

	if event.RiskLevel >= models.RiskHigh {
		s.alerts.Enqueue("", event)
	}

	return err == nil
}

// mirror writes the event to the service log
func (s *AuditService) mirror(ctx context.Context, e *models.AuditEvent) {
	level := slog.LevelInfo
	switch {
	case e.RiskLevel == models.RiskCritical:
		level = pkglogger.LevelCritical
	case !e.Success:
		level = slog.LevelWarn
	}

	s.logger.LogAttrs(ctx, level, "audit event",
		slog.String("event_id", e.ID),
		slog.String("event_type", e.EventType.String()),
		slog.String("risk_level", e.RiskLevel.String()),
		slog.String("actor", e.Actor),
		slog.String("source_ip", e.SourceIP),
		slog.String("endpoint", e.Endpoint),
		slog.Bool("success", e.Success),
		slog.String("message", e.Message),
		slog.Any("details", map[string]any(e.Details)),
		slog.Int64("sequence", e.Sequence),
	)
}

// Query returns matching events newest first. The file log answers when the
// database cannot.
func (s *AuditService) Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	filter = filter.Normalize()

	if s.repo != nil {
		events, err := s.repo.Query(ctx, filter)
		if err == nil {
			return events, nil
		}
		s.logger.WarnContext(ctx, "audit database query failed, reading primary log", slog.Any("error", err))
	}

	events, err := s.primary.Query(filter)
	if err != nil {
		return nil, fmt.Errorf("query primary audit log: %w", err)
	}
	return events, nil
}

// Summarize aggregates events in [from, to].
func (s *AuditService) Summarize(ctx context.Context, from, to time.Time) (*models.AuditSummary, error) {
	if s.repo != nil {
		summary, err := s.repo.Summarize(ctx, from, to, s.config.TopIPs)
		if err == nil {
			return summary, nil
		}
		s.logger.WarnContext(ctx, "audit database summary failed, reading primary log", slog.Any("error", err))
	}

	var events []models.AuditEvent
	if _, err := s.primary.Scan(func(e *models.AuditEvent) {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			events = append(events, *e)
		}
	}); err != nil {
		return nil, fmt.Errorf("scan primary audit log: %w", err)
	}
	return audit.Summarize(events, from, to, s.config.TopIPs), nil
}

// VerifyIntegrity recomputes signatures and chain links of events.
func (s *AuditService) VerifyIntegrity(events []models.AuditEvent) []models.IntegrityViolation {
	return s.signer.Verify(events)
}

// IntegrityReport is the result of CheckIntegrity.
type IntegrityReport struct {
	Checked    int                         `json:"checked"`
	Valid      bool                        `json:"valid"`
	Violations []models.IntegrityViolation `json:"violations"`
}

// CheckIntegrity verifies the newest events of the primary log in the
// filter's time range, then checks the database copies of the same range
// against it. A row missing from the database is not a violation since the
// secondary sink drops writes it cannot deliver. Any violation records an
// AUDIT_INTEGRITY_FAILURE event. Only the range and limit of filter apply;
// narrower filters would leave gaps in every chain.
func (s *AuditService) CheckIntegrity(ctx context.Context, filter models.AuditFilter, actor, sourceIP string) (*IntegrityReport, error) {
	filter = models.AuditFilter{From: filter.From, To: filter.To, Limit: filter.Limit}.Normalize()

	events, err := s.primary.Query(filter)
	if err != nil {
		return nil, fmt.Errorf("query primary audit log: %w", err)
	}

	violations := s.VerifyIntegrity(events)
	if s.repo != nil {
		copies, err := s.repo.Query(ctx, filter)
		if err != nil {
			s.logger.WarnContext(ctx, "audit database unavailable, verified primary log only", slog.Any("error", err))
		} else {
			violations = append(violations, s.compareCopies(events, copies)...)
		}
	}

	report := &IntegrityReport{
		Checked:    len(events),
		Valid:      len(violations) == 0,
		Violations: violations,
	}
	if report.Violations == nil {
		report.Violations = []models.IntegrityViolation{}
	}

	if !report.Valid {
		s.LogEvent(ctx, models.AuditEvent{
			EventType: models.EventIntegrityFailure,
			RiskLevel: models.RiskCritical,
			Actor:     actor,
			SourceIP:  sourceIP,
			Success:   false,
			Message:   fmt.Sprintf("%d audit events failed integrity verification", len(violations)),
			Details: models.AuditDetails{
				"checked":    len(events),
				"violations": len(violations),
				"first":      violations[0].EventID,
			},
		})
	}

	return report, nil
}

// compareCopies checks each database row on its own and against the primary
// log entry with the same id.
func (s *AuditService) compareCopies(primary, copies []models.AuditEvent) []models.IntegrityViolation {
	signatures := make(map[string]string, len(primary))
	for _, e := range primary {
		signatures[e.ID] = e.IntegritySignature
	}

	var violations []models.IntegrityViolation
	for i := range copies {
		e := &copies[i]
		var reason string
		switch sig, ok := signatures[e.ID]; {
		case !s.signer.Valid(e):
			reason = "signature mismatch in database copy"
		case ok && sig != e.IntegritySignature:
			reason = "database copy differs from primary log"
		default:
			continue
		}
		violations = append(violations, models.IntegrityViolation{
			EventID:  e.ID,
			ChainID:  e.ChainID,
			Sequence: e.Sequence,
			Reason:   reason,
		})
	}
	return violations
}
