package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds configuration for the in-process endpoint cap
type RateLimitConfig struct {
	RequestsPerMinute int
	Scope             string // recorded with the audit event
}

// DefaultAuditRateLimit returns the cap applied to the audit query endpoints
func DefaultAuditRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		Scope:             "audit_api",
	}
}

// keyByClientIP keys on the IP the gateway resolved, falling back to the
// connection address.
func keyByClientIP(r *http.Request) (string, error) {
	if ip := pkghttp.ClientIP(r.Context()); ip != "" {
		return ip, nil
	}
	return pkghttp.ExtractClientIP(r, nil), nil
}

// RateLimitByIP caps requests per client IP in process memory. It sits on
// top of the gateway's shared limiter for expensive endpoints.
func RateLimitByIP(config RateLimitConfig, audit services.EventLogger) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(keyByClientIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			ip, _ := keyByClientIP(r)
			if audit != nil {
				audit.LogEvent(r.Context(), models.AuditEvent{
					EventType: models.EventRateLimitExceeded,
					RiskLevel: models.RiskMedium,
					SourceIP:  ip,
					UserAgent: r.UserAgent(),
					Endpoint:  r.URL.Path,
					Method:    r.Method,
					Message:   "endpoint rate limit exceeded",
					Details: models.AuditDetails{
						"scope": config.Scope,
						"limit": config.RequestsPerMinute,
					},
				})
			}
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded", time.Minute)
		}),
	)
}
