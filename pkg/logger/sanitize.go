package logger

import (
	"log/slog"
	"net/url"
	"strings"
)

// Redacted replaces the value of a sensitive field.
const Redacted = "[REDACTED]"

// DefaultSensitiveFields are redacted when no list is configured.
var DefaultSensitiveFields = []string{
	"password",
	"new_password",
	"current_password",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"api_key",
	"authorization",
	"cookie",
	"session_id",
	"credit_card",
	"ssn",
}

// Redactor masks configured field names in structured payloads. Matching is
// case-insensitive and treats '-' and '_' alike.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor builds a Redactor. An empty list selects DefaultSensitiveFields.
func NewRedactor(fields []string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	r := &Redactor{keys: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if f = normalizeKey(f); f != "" {
			r.keys[f] = struct{}{}
		}
	}
	return r
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}

// IsSensitive reports whether key names a redacted field.
func (r *Redactor) IsSensitive(key string) bool {
	_, ok := r.keys[normalizeKey(key)]
	return ok
}

// RedactMap returns a copy of m with sensitive values replaced, descending
// into nested maps and slices. The input is never modified.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.IsSensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.RedactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return r.RedactMap(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return v
	}
}

// SensitiveQuery reports whether a raw query string carries a sensitive
// parameter and should be dropped from logs.
func (r *Redactor) SensitiveQuery(rawQuery string) bool {
	if rawQuery == "" {
		return false
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// unparsable queries are not logged
		return true
	}
	for k := range values {
		if r.IsSensitive(k) {
			return true
		}
	}
	return false
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, Redacted)
	}
	return slog.String(key, value)
}
