package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/perimeter/internal/audit"
	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/background"
	"github.com/BradenHooton/perimeter/internal/config"
	"github.com/BradenHooton/perimeter/internal/database"
	"github.com/BradenHooton/perimeter/internal/handlers"
	"github.com/BradenHooton/perimeter/internal/kvstore"
	middlewareCustom "github.com/BradenHooton/perimeter/internal/middleware"
	"github.com/BradenHooton/perimeter/internal/repositories"
	"github.com/BradenHooton/perimeter/internal/routes"
	"github.com/BradenHooton/perimeter/internal/services"
	"github.com/BradenHooton/perimeter/internal/validation"
	pkgauth "github.com/BradenHooton/perimeter/pkg/auth"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
	pkglogger "github.com/BradenHooton/perimeter/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := pkglogger.New(os.Stdout, pkglogger.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env), slog.String("kv_backend", cfg.KV.Backend))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(rootCtx); err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	auditRepo := repositories.NewAuditEventRepository(db)

	// Shared counter store
	var (
		store   kvstore.Store
		sweeper background.Sweeper
	)
	switch cfg.KV.Backend {
	case "memory":
		mem := kvstore.NewMemoryStore()
		store, sweeper = mem, mem
		logger.Warn("using in-process kv store; counters are not shared between instances")
	default:
		store = kvstore.NewRedisStore(kvstore.RedisOptions{
			Addr:      cfg.KV.Addr,
			Password:  cfg.KV.Password,
			DB:        cfg.KV.DB,
			OpTimeout: cfg.KV.OpTimeout,
			PoolSize:  cfg.KV.PoolSize,
		}, logger)
	}
	defer store.Close()

	// Audit trail
	primaryLog, err := audit.OpenFileLog(cfg.Audit.LogPath, cfg.Audit.Fsync)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.Audit.LogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer primaryLog.Close()

	signer, err := audit.NewSigner([]byte(cfg.Audit.SigningKey))
	if err != nil {
		logger.Error("failed to initialize audit signer", slog.Any("error", err))
		os.Exit(1)
	}

	var notifier audit.Notifier = audit.NewLogNotifier(logger)
	if cfg.Audit.AlertBackend == "ses" {
		notifier, err = audit.NewSESNotifier(rootCtx, cfg.Audit.SESRegion, cfg.Audit.AlertFrom, cfg.Audit.AlertTo, cfg.Audit.AlertsPerMinute, logger)
		if err != nil {
			logger.Error("failed to initialize alert notifier", slog.Any("error", err))
			os.Exit(1)
		}
	}

	auditService := services.NewAuditService(primaryLog, auditRepo, signer, notifier, services.AuditConfig{
		SensitiveFields: cfg.Audit.SensitiveFields,
		Workers:         cfg.Audit.Workers,
		QueueSize:       cfg.Audit.QueueSize,
		RetryDelay:      cfg.Audit.RetryDelay,
		TopIPs:          cfg.Audit.TopIPs,
	}, logger)
	auditService.Start(rootCtx)
	logger.Info("audit trail ready", slog.String("chain_id", auditService.ChainID()))

	// Admission control
	storeHealth := services.NewStoreHealth(auditService, logger)
	rateLimitService := services.NewRateLimitService(store, services.RateLimitConfig{
		Limit:  cfg.RateLimit.Requests,
		Window: cfg.RateLimit.Window,
	}, storeHealth, logger)
	attemptTracker := services.NewAttemptTracker(store, services.AttemptConfig{
		MaxFailed:      cfg.Attempts.MaxFailed,
		Window:         cfg.Attempts.Window,
		BlockDuration:  cfg.Attempts.BlockDuration,
		ReaperInterval: cfg.Attempts.ReaperInterval,
	}, storeHealth, logger)
	go attemptTracker.Start(rootCtx)

	blocklist, err := middlewareCustom.NewBlocklist(cfg.Blocklist.IPs, cfg.Blocklist.UserAgents)
	if err != nil {
		logger.Error("failed to build blocklist", slog.Any("error", err))
		os.Exit(1)
	}

	// Validation
	passwordRules := validation.DefaultPasswordRules()
	passwordRules.MinLength = cfg.Auth.PasswordMinLength
	passwordRules.RequireUpper = cfg.Auth.PasswordRequireUpper
	passwordRules.RequireLower = cfg.Auth.PasswordRequireLower
	passwordRules.RequireDigit = cfg.Auth.PasswordRequireDigit
	passwordRules.RequireSymbol = cfg.Auth.PasswordRequireSymbol
	if cfg.Auth.PasswordSymbols != "" {
		passwordRules.AllowedSymbols = cfg.Auth.PasswordSymbols
	}
	credentialPolicy := validation.NewCredentialPolicy(passwordRules, validation.UsernameRules{})
	contentValidator := validation.NewContentValidator(validation.ContentConfig{
		MaxSize:      cfg.Upload.MaxSize,
		AllowedTypes: allowedUploadTypes(cfg.Upload.AllowedExtensions),
	})

	// Authentication
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	failureDelay := auth.NewFailureDelay(auth.TimingConfig{
		BaseDelay:   cfg.Auth.FailureBaseDelay,
		RandomDelay: cfg.Auth.FailureJitter,
	})
	authService := services.NewAuthService(
		userRepo,
		tokenManager,
		pkgauth.NewHasher(cfg.Auth.BcryptCost),
		credentialPolicy,
		attemptTracker,
		auditService,
		failureDelay,
		services.AuthConfig{PasswordHistorySize: cfg.Auth.PasswordHistorySize},
		logger,
	)

	// Bootstrap first admin user if configured
	if cfg.Auth.AdminUsername != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		if err := authService.BootstrapAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
			logger.Error("failed to ensure admin user", slog.Any("error", err))
		}
		cancel()
	}

	// Background cleanup
	cleanupManager := background.NewCleanupManager(
		auditRepo,
		time.Duration(cfg.Audit.RetentionDays)*24*time.Hour,
		sweeper,
		logger,
		cfg.Audit.CleanupInterval,
	)
	go cleanupManager.Start(rootCtx)

	// Router
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	gateway := middlewareCustom.NewGateway(rateLimitService, attemptTracker, blocklist, auditService, middlewareCustom.GatewayConfig{
		PerRoute:     cfg.RateLimit.PerRoute,
		RouteWeights: cfg.RateLimit.RouteWeights,
		LoginRoutes:  []string{"POST /auth/login"},
		IPConfig:     ipConfig,
	}, logger)

	auditLimit := middlewareCustom.DefaultAuditRateLimit()
	if cfg.RateLimit.AuditPerMinute > 0 {
		auditLimit.RequestsPerMinute = cfg.RateLimit.AuditPerMinute
	}

	router := routes.NewRouter(
		routes.Config{
			Env:            cfg.Server.Env,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			IPConfig:       ipConfig,
			AuditRateLimit: auditLimit,
		},
		routes.Handlers{
			Auth:     handlers.NewAuthHandler(authService, ipConfig),
			Upload:   handlers.NewUploadHandler(contentValidator, auditService, cfg.Upload.MaxSize, ipConfig),
			Audit:    handlers.NewAuditHandler(auditService, ipConfig),
			Attempts: handlers.NewAttemptsHandler(attemptTracker, auditService, ipConfig),
			Health:   handlers.NewHealthHandler(db.HealthCheck, store.Ping),
		},
		gateway,
		tokenManager,
		auditService,
		pkglogger.NewRedactor(cfg.Audit.SensitiveFields),
		logger,
	)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	cleanupManager.Stop()
	attemptTracker.Stop()
	// drain queued database writes and alerts before the pool closes
	auditService.Stop()
	rootCancel()

	logger.Info("server stopped gracefully")
}

// allowedUploadTypes narrows the built-in upload types to exts. An empty
// list keeps the defaults.
func allowedUploadTypes(exts []string) map[string][]string {
	if len(exts) == 0 {
		return nil
	}
	allowed := make(map[string][]string, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if types, ok := validation.DefaultAllowedTypes[ext]; ok {
			allowed[ext] = types
		}
	}
	return allowed
}
