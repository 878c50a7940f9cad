package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/perimeter/internal/kvstore"
	"github.com/BradenHooton/perimeter/internal/models"
)

// RateLimitConfig holds configuration for request admission
type RateLimitConfig struct {
	Limit  int           // weighted requests allowed per window
	Window time.Duration // fixed window length
}

// RateLimitService admits or rejects requests per client key using a fixed
// window counter in the shared store
type RateLimitService struct {
	store  kvstore.Store
	config RateLimitConfig
	health *StoreHealth
	logger *slog.Logger

	// Now is the clock used to derive window boundaries.
	Now func() time.Time
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store kvstore.Store, config RateLimitConfig, health *StoreHealth, logger *slog.Logger) *RateLimitService {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimitService{
		store:  store,
		config: config,
		health: health,
		logger: logger,
		Now:    time.Now,
	}
}

// Config returns the limiter's configuration.
func (s *RateLimitService) Config() RateLimitConfig {
	return s.config
}

func (s *RateLimitService) windowKey(clientKey string) string {
	return fmt.Sprintf("ratelimit:%s:%d", clientKey, int64(s.config.Window/time.Second))
}

// Check counts weight against clientKey's current window. When the store
// cannot be reached the request is allowed and the decision is marked
// Degraded.
func (s *RateLimitService) Check(ctx context.Context, clientKey string, weight int) models.Decision {
	if weight < 1 {
		weight = 1
	}
	key := s.windowKey(clientKey)
	now := s.Now()

	count, ttl, err := s.store.IncrWindow(ctx, key, int64(weight), s.config.Window, false)
	if err != nil {
		s.health.ReportFailure(ctx, "rate_limiter", err)
		return models.Decision{
			Allowed:   true,
			Limit:     s.config.Limit,
			Remaining: s.config.Limit,
			Window:    models.RateWindow{Key: key, WindowStart: now},
			Degraded:  true,
		}
	}
	s.health.ReportSuccess(ctx, "rate_limiter")

	if ttl <= 0 || ttl > s.config.Window {
		ttl = s.config.Window
	}

	decision := models.Decision{
		Allowed:   count <= int64(s.config.Limit),
		Limit:     s.config.Limit,
		Remaining: max(s.config.Limit-int(count), 0),
		Window: models.RateWindow{
			Key:         key,
			Count:       count,
			WindowStart: now.Add(ttl - s.config.Window),
		},
	}
	if !decision.Allowed {
		decision.RetryAfter = ttl
		s.logger.Debug("rate limit exceeded",
			slog.String("key", key),
			slog.Int64("count", count),
			slog.Duration("retry_after", ttl))
	}
	return decision
}
