package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of security event kinds.
type EventType int

const (
	EventLoginSuccess EventType = iota + 1
	EventLoginFailed
	EventLoginBlocked
	EventPasswordChanged
	EventAccountCreated
	EventAttackDetected
	EventRateLimitExceeded
	EventIPBlocked
	EventUploadAccepted
	EventUploadRejected
	EventDataAccessed
	EventConfigChanged
	EventStoreUnavailable
	EventStoreRecovered
	EventIntegrityFailure
)

var eventTypeNames = map[EventType]string{
	EventLoginSuccess:      "LOGIN_SUCCESS",
	EventLoginFailed:       "LOGIN_FAILED",
	EventLoginBlocked:      "LOGIN_BLOCKED",
	EventPasswordChanged:   "PASSWORD_CHANGED",
	EventAccountCreated:    "ACCOUNT_CREATED",
	EventAttackDetected:    "ATTACK_DETECTED",
	EventRateLimitExceeded: "RATE_LIMIT_EXCEEDED",
	EventIPBlocked:         "IP_BLOCKED",
	EventUploadAccepted:    "UPLOAD_ACCEPTED",
	EventUploadRejected:    "UPLOAD_REJECTED",
	EventDataAccessed:      "DATA_ACCESSED",
	EventConfigChanged:     "CONFIG_CHANGED",
	EventStoreUnavailable:  "STORE_UNAVAILABLE",
	EventStoreRecovered:    "STORE_RECOVERED",
	EventIntegrityFailure:  "AUDIT_INTEGRITY_FAILURE",
}

// default risk per event kind, used when the caller leaves RiskLevel unset
var eventTypeRisk = map[EventType]RiskLevel{
	EventLoginSuccess:      RiskLow,
	EventLoginFailed:       RiskMedium,
	EventLoginBlocked:      RiskHigh,
	EventPasswordChanged:   RiskMedium,
	EventAccountCreated:    RiskLow,
	EventAttackDetected:    RiskHigh,
	EventRateLimitExceeded: RiskMedium,
	EventIPBlocked:         RiskHigh,
	EventUploadAccepted:    RiskLow,
	EventUploadRejected:    RiskMedium,
	EventDataAccessed:      RiskLow,
	EventConfigChanged:     RiskMedium,
	EventStoreUnavailable:  RiskCritical,
	EventStoreRecovered:    RiskMedium,
	EventIntegrityFailure:  RiskCritical,
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Valid reports whether t is one of the declared event kinds.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// DefaultRisk returns the risk level an event of this kind carries by default.
func (t EventType) DefaultRisk() RiskLevel {
	if risk, ok := eventTypeRisk[t]; ok {
		return risk
	}
	return RiskLow
}

// ParseEventType resolves the wire name of an event kind.
func ParseEventType(s string) (EventType, error) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid event type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RiskLevel orders events by severity.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = map[RiskLevel]string{
	RiskLow:      "LOW",
	RiskMedium:   "MEDIUM",
	RiskHigh:     "HIGH",
	RiskCritical: "CRITICAL",
}

func (r RiskLevel) String() string {
	if name, ok := riskLevelNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RiskLevel(%d)", int(r))
}

func (r RiskLevel) Valid() bool {
	_, ok := riskLevelNames[r]
	return ok
}

// ParseRiskLevel resolves the wire name of a risk level.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for r, name := range riskLevelNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// AuditEvent is an immutable security event. The integrity fields are
// assigned once when the event enters the trail.
type AuditEvent struct {
	ID                 string       `json:"id" db:"id"`
	EventType          EventType    `json:"event_type" db:"event_type"`
	RiskLevel          RiskLevel    `json:"risk_level" db:"risk_level"`
	Actor              string       `json:"actor,omitempty" db:"actor"`
	SourceIP           string       `json:"source_ip,omitempty" db:"source_ip"`
	UserAgent          string       `json:"user_agent,omitempty" db:"user_agent"`
	Endpoint           string       `json:"endpoint,omitempty" db:"endpoint"`
	Method             string       `json:"method,omitempty" db:"method"`
	Success            bool         `json:"success" db:"success"`
	Message            string       `json:"message" db:"message"`
	Details            AuditDetails `json:"details,omitempty" db:"details"`
	Timestamp          time.Time    `json:"timestamp" db:"occurred_at"`
	SessionID          string       `json:"session_id,omitempty" db:"session_id"`
	ChainID            string       `json:"chain_id" db:"chain_id"`
	Sequence           int64        `json:"sequence" db:"sequence"`
	PrevSignature      string       `json:"prev_signature" db:"prev_signature"`
	IntegritySignature string       `json:"integrity_signature" db:"integrity_signature"`
}

// ActorKey groups events that must keep their relative order.
func (e *AuditEvent) ActorKey() string {
	if e.Actor != "" {
		return "actor:" + e.Actor
	}
	return "ip:" + e.SourceIP
}

// AuditDetails holds additional context for audit events
type AuditDetails map[string]any

// Scan implements sql.Scanner for JSONB
func (d *AuditDetails) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*d = make(AuditDetails)
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*d = AuditDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (d AuditDetails) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}

// AuditFilter selects events from the trail. Zero values mean "any".
type AuditFilter struct {
	From       time.Time
	To         time.Time
	EventTypes []EventType
	RiskLevels []RiskLevel
	Actor      string
	SourceIP   string
	Limit      int
}

// MaxAuditQueryLimit caps the rows returned by a single query.
const MaxAuditQueryLimit = 1000

// DefaultAuditQueryLimit applies when the caller gives no limit.
const DefaultAuditQueryLimit = 100

// Normalize clamps the limit into [1, MaxAuditQueryLimit].
func (f AuditFilter) Normalize() AuditFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditQueryLimit
	}
	if f.Limit > MaxAuditQueryLimit {
		f.Limit = MaxAuditQueryLimit
	}
	return f
}

// Matches reports whether e satisfies every set criterion.
func (f AuditFilter) Matches(e *AuditEvent) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.SourceIP != "" && e.SourceIP != f.SourceIP {
		return false
	}
	if len(f.EventTypes) > 0 && !containsEventType(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.RiskLevels) > 0 && !containsRiskLevel(f.RiskLevels, e.RiskLevel) {
		return false
	}
	return true
}

func containsEventType(set []EventType, t EventType) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsRiskLevel(set []RiskLevel, r RiskLevel) bool {
	for _, v := range set {
		if v == r {
			return true
		}
	}
	return false
}

// IPCount is one row of the offending-IP ranking.
type IPCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

// AuditSummary aggregates the trail over a time range.
type AuditSummary struct {
	From         time.Time        `json:"from"`
	To           time.Time        `json:"to"`
	Total        int64            `json:"total"`
	FailedEvents int64            `json:"failed_events"`
	ByType       map[string]int64 `json:"by_type"`
	ByRisk       map[string]int64 `json:"by_risk"`
	ByIP         map[string]int64 `json:"by_ip"`
	TopIPs       []IPCount        `json:"top_ips"`
}

// IntegrityViolation describes one event whose signature or chain link
// does not verify.
type IntegrityViolation struct {
	EventID  string `json:"event_id"`
	ChainID  string `json:"chain_id"`
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}
