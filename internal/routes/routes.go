package routes

import (
	"log/slog"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/handlers"
	middlewareCustom "github.com/BradenHooton/perimeter/internal/middleware"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
	pkglogger "github.com/BradenHooton/perimeter/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers groups the HTTP handlers mounted on the router
type Handlers struct {
	Auth     *handlers.AuthHandler
	Upload   *handlers.UploadHandler
	Audit    *handlers.AuditHandler
	Attempts *handlers.AttemptsHandler
	Health   *handlers.HealthHandler
}

// Config holds the router's middleware settings
type Config struct {
	Env            string
	AllowedOrigins []string
	IPConfig       *pkghttp.IPConfig
	AuditRateLimit middlewareCustom.RateLimitConfig
}

// NewRouter builds the middleware stack and registers every route. Security
// headers wrap everything so rejections carry them too; the gateway admits
// requests before any handler runs.
func NewRouter(
	cfg Config,
	h Handlers,
	gateway *middlewareCustom.Gateway,
	tokenManager *auth.TokenManager,
	audit services.EventLogger,
	redactor *pkglogger.Redactor,
	logger *slog.Logger,
) chi.Router {
	router := chi.NewRouter()
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Env}))
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecureLogger(logger, redactor, cfg.IPConfig))
	router.Use(middleware.Recoverer)
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.AllowedOrigins)))
	router.Use(gateway.Handler)

	RegisterRoutes(router, h, tokenManager, audit, cfg.AuditRateLimit)
	return router
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	h Handlers,
	tokenManager *auth.TokenManager,
	audit services.EventLogger,
	auditLimit middlewareCustom.RateLimitConfig,
) {
	if auditLimit.RequestsPerMinute <= 0 {
		auditLimit = middlewareCustom.DefaultAuditRateLimit()
	}

	// Public routes - no authentication required
	router.Get("/health", h.Health.Health)
	router.Post("/auth/register", h.Auth.Register)
	router.Post("/auth/login", h.Auth.Login)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(tokenManager))

		// Any authenticated user
		r.Post("/auth/password", h.Auth.ChangePassword)
		r.Post("/uploads", h.Upload.Upload)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Use(middlewareCustom.RateLimitByIP(auditLimit, audit))

			r.Get("/audit/events", h.Audit.ListEvents)
			r.Get("/audit/summary", h.Audit.Summary)
			r.Get("/audit/verify", h.Audit.Verify)
			r.Get("/audit/attempts/{ip}", h.Attempts.Status)
			r.Delete("/audit/attempts/{ip}", h.Attempts.Unblock)
		})
	})
}
