package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
)

// GatewayConfig holds configuration for the security gateway
type GatewayConfig struct {
	// PerRoute keys rate limit counters by ip, method and route for the
	// routes named in RouteWeights or LoginRoutes.
	PerRoute bool
	// RouteWeights maps "METHOD /path" to the units one request costs.
	RouteWeights map[string]int
	// LoginRoutes are "METHOD /path" routes guarded by the attempt tracker.
	LoginRoutes []string
	IPConfig    *pkghttp.IPConfig
}

// Gateway admits or rejects each request before it reaches a handler.
// Checks run in order: blocklist, rate limit, then the attempt tracker on
// login routes. A rejected request is answered and audited here.
type Gateway struct {
	limiter   *services.RateLimitService
	tracker   *services.AttemptTracker
	blocklist *Blocklist
	audit     services.EventLogger
	config    GatewayConfig
	logins    map[string]struct{}
	logger    *slog.Logger
}

// NewGateway creates a new Gateway. blocklist may be nil.
func NewGateway(
	limiter *services.RateLimitService,
	tracker *services.AttemptTracker,
	blocklist *Blocklist,
	audit services.EventLogger,
	config GatewayConfig,
	logger *slog.Logger,
) *Gateway {
	logins := make(map[string]struct{}, len(config.LoginRoutes))
	for _, route := range config.LoginRoutes {
		logins[normalizeRoute(route)] = struct{}{}
	}
	weights := make(map[string]int, len(config.RouteWeights))
	for route, w := range config.RouteWeights {
		weights[normalizeRoute(route)] = w
	}
	config.RouteWeights = weights

	return &Gateway{
		limiter:   limiter,
		tracker:   tracker,
		blocklist: blocklist,
		audit:     audit,
		config:    config,
		logins:    logins,
		logger:    logger,
	}
}

// normalizeRoute turns "post  /auth/login/" into "POST /auth/login".
func normalizeRoute(route string) string {
	method, path, _ := strings.Cut(strings.TrimSpace(route), " ")
	return strings.ToUpper(method) + " " + cleanPath(strings.TrimSpace(path))
}

func cleanPath(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		return "/"
	}
	return path
}

func routeOf(r *http.Request) string {
	return r.Method + " " + cleanPath(r.URL.Path)
}

// Handler wraps next with the gateway's checks.
func (g *Gateway) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := pkghttp.ExtractClientIP(r, g.config.IPConfig)
		ctx = pkghttp.WithClientIP(ctx, ip)
		r = r.WithContext(ctx)
		route := routeOf(r)

		if rule, blocked := g.blocklist.Match(ip, r.UserAgent()); blocked {
			g.reject(r, ip, models.EventIPBlocked, models.RiskHigh, "request from blocklisted client", models.AuditDetails{
				"rule": rule,
			})
			pkghttp.WriteForbidden(w, "Access denied")
			return
		}

		decision := g.limiter.Check(ctx, g.clientKey(ip, route), g.weight(route))
		if !decision.Degraded {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if !decision.Allowed {
			g.reject(r, ip, models.EventRateLimitExceeded, models.RiskMedium, "rate limit exceeded", models.AuditDetails{
				"key":                 decision.Window.Key,
				"count":               decision.Window.Count,
				"limit":               decision.Limit,
				"retry_after_seconds": pkghttp.RetryAfterSeconds(decision.RetryAfter),
			})
			pkghttp.WriteTooManyRequests(w, "Too many requests", decision.RetryAfter)
			return
		}

		if _, ok := g.logins[route]; ok {
			if blocked, remaining := g.tracker.Blocked(ctx, ip); blocked {
				g.reject(r, ip, models.EventLoginBlocked, models.RiskHigh, "login attempt from blocked client", models.AuditDetails{
					"retry_after_seconds": pkghttp.RetryAfterSeconds(remaining),
				})
				pkghttp.WriteTooManyRequests(w, "Too many failed login attempts", remaining)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) clientKey(ip, route string) string {
	if !g.config.PerRoute {
		return ip
	}
	_, weighted := g.config.RouteWeights[route]
	_, login := g.logins[route]
	if !weighted && !login {
		return ip
	}
	return fmt.Sprintf("%s|%s", ip, route)
}

func (g *Gateway) weight(route string) int {
	if w, ok := g.config.RouteWeights[route]; ok {
		return w
	}
	return 1
}

func (g *Gateway) reject(r *http.Request, ip string, t models.EventType, risk models.RiskLevel, message string, details models.AuditDetails) {
	g.logger.Warn("request rejected by gateway",
		slog.String("event_type", t.String()),
		slog.String("ip", ip),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))

	g.audit.LogEvent(r.Context(), models.AuditEvent{
		EventType: t,
		RiskLevel: risk,
		SourceIP:  ip,
		UserAgent: r.UserAgent(),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		Success:   false,
		Message:   message,
		Details:   details,
	})
}
