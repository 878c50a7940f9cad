package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/validation"
	pkgauth "github.com/BradenHooton/perimeter/pkg/auth"
)

// UserRepository defines the interface for user persistence
type UserRepository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, history []string) error
}

// RequestMeta describes the request an auth operation was made from
type RequestMeta struct {
	IP        string
	UserAgent string
	Endpoint  string
	Method    string
	SessionID string
}

func (m RequestMeta) event(t models.EventType, actor, message string, success bool, details models.AuditDetails) models.AuditEvent {
	return models.AuditEvent{
		EventType: t,
		Actor:     actor,
		SourceIP:  m.IP,
		UserAgent: m.UserAgent,
		Endpoint:  m.Endpoint,
		Method:    m.Method,
		SessionID: m.SessionID,
		Success:   success,
		Message:   message,
		Details:   details,
	}
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// AuthResponse represents the response from auth operations
type AuthResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresAt   time.Time     `json:"expires_at"`
	User        *UserResponse `json:"user"`
}

// AuthConfig holds configuration for the authentication flow
type AuthConfig struct {
	PasswordHistorySize int // previous hashes kept per user
}

// AuthService handles authentication business logic
type AuthService struct {
	repo    UserRepository
	tm      *auth.TokenManager
	hasher  *pkgauth.Hasher
	policy  *validation.CredentialPolicy
	tracker *AttemptTracker
	audit   EventLogger
	delay   *auth.FailureDelay
	config  AuthConfig
	logger  *slog.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	repo UserRepository,
	tm *auth.TokenManager,
	hasher *pkgauth.Hasher,
	policy *validation.CredentialPolicy,
	tracker *AttemptTracker,
	audit EventLogger,
	delay *auth.FailureDelay,
	config AuthConfig,
	logger *slog.Logger,
) *AuthService {
	if config.PasswordHistorySize <= 0 {
		config.PasswordHistorySize = 5
	}
	return &AuthService{
		repo:    repo,
		tm:      tm,
		hasher:  hasher,
		policy:  policy,
		tracker: tracker,
		audit:   audit,
		delay:   delay,
		config:  config,
		logger:  logger,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Login authenticates a user and returns an access token. Every failure
// returns models.ErrUnauthorized regardless of cause.
func (s *AuthService) Login(ctx context.Context, username, password string, meta RequestMeta) (*AuthResponse, error) {
	start := time.Now()
	username = normalizeUsername(username)

	var user *models.User
	if username != "" {
		u, err := s.repo.GetByUsername(ctx, username)
		switch {
		case err == nil:
			user = u
		case !errors.Is(err, models.ErrNotFound):
			s.logger.Error("failed to look up user", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
	}

	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	if !s.hasher.Verify(hash, password) || user == nil {
		s.loginFailed(ctx, username, meta)
		s.delay.PadFrom(ctx, start)
		return nil, models.ErrUnauthorized
	}

	s.tracker.RecordSuccess(ctx, meta.IP)

	token, expiresAt, err := s.tm.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.audit.LogEvent(ctx, meta.event(models.EventLoginSuccess, user.Username, "login succeeded", true, models.AuditDetails{
		"user_id": user.ID,
		"role":    user.Role,
	}))

	return &AuthResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		User:        userModelToResponse(user),
	}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, username string, meta RequestMeta) {
	decision := s.tracker.RecordFailure(ctx, meta.IP, username)

	s.audit.LogEvent(ctx, meta.event(models.EventLoginFailed, username, "invalid credentials", false, models.AuditDetails{
		"failed_count": decision.FailedCount,
		"degraded":     decision.Degraded,
	}))

	if decision.Blocked {
		s.audit.LogEvent(ctx, models.AuditEvent{
			EventType: models.EventAttackDetected,
			RiskLevel: models.RiskHigh,
			Actor:     username,
			SourceIP:  meta.IP,
			UserAgent: meta.UserAgent,
			Endpoint:  meta.Endpoint,
			Method:    meta.Method,
			Success:   false,
			Message:   "brute force threshold reached, client blocked",
			Details: models.AuditDetails{
				"failed_count":  decision.FailedCount,
				"block_seconds": int64(decision.RetryAfter / time.Second),
				"degraded":      decision.Degraded,
			},
		})
	}
}

// Register creates a new user account
func (s *AuthService) Register(ctx context.Context, username, password string, meta RequestMeta) (*UserResponse, error) {
	username = strings.TrimSpace(username)

	var violations []string
	for _, v := range s.policy.ValidateUsername(username).Violations {
		violations = append(violations, "username "+v)
	}
	for _, v := range s.policy.ValidatePassword(password, nil).Violations {
		violations = append(violations, "password "+v)
	}
	if len(violations) > 0 {
		return nil, &models.PolicyError{Subject: "registration", Violations: violations}
	}

	return s.createUser(ctx, normalizeUsername(username), password, models.RoleUser, meta)
}

// BootstrapAdmin creates the initial admin account if it does not exist yet.
// The reserved-name rule is skipped so names like "admin" are usable here.
func (s *AuthService) BootstrapAdmin(ctx context.Context, username, password string) error {
	username = normalizeUsername(username)

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("look up admin user: %w", err)
	}

	if verdict := s.policy.ValidatePassword(password, nil); !verdict.IsValid {
		return models.NewPolicyError("admin password", verdict)
	}

	_, err := s.createUser(ctx, username, password, models.RoleAdmin, RequestMeta{Endpoint: "bootstrap"})
	return err
}

func (s *AuthService) createUser(ctx context.Context, username, password, role string, meta RequestMeta) (*UserResponse, error) {
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	created, err := s.repo.Create(ctx, &models.User{
		Username:     username,
		PasswordHash: hashed,
		Role:         role,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.logger.Info("registration failed: user already exists")
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user registered", slog.String("user_id", created.ID), slog.String("role", role))
	s.audit.LogEvent(ctx, meta.event(models.EventAccountCreated, created.Username, "account created", true, models.AuditDetails{
		"user_id": created.ID,
		"role":    role,
	}))

	return userModelToResponse(created), nil
}

// ChangePassword replaces the password of userID after verifying the current
// one. The new password may not repeat the current or recent passwords.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string, meta RequestMeta) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrUnauthorized
		}
		s.logger.Error("failed to look up user", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if !s.hasher.Verify(user.PasswordHash, current) {
		s.audit.LogEvent(ctx, meta.event(models.EventPasswordChanged, user.Username, "current password did not verify", false, nil))
		return models.ErrUnauthorized
	}

	history := append([]string{user.PasswordHash}, user.PasswordHistory...)
	if verdict := s.policy.ValidatePassword(next, history); !verdict.IsValid {
		return models.NewPolicyError("password", verdict)
	}

	hashed, err := s.hasher.Hash(next)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if len(history) > s.config.PasswordHistorySize {
		history = history[:s.config.PasswordHistorySize]
	}
	if err := s.repo.UpdatePassword(ctx, user.ID, hashed, history); err != nil {
		s.logger.Error("failed to update password", slog.String("user_id", user.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.audit.LogEvent(ctx, meta.event(models.EventPasswordChanged, user.Username, "password changed", true, models.AuditDetails{
		"user_id": user.ID,
	}))
	return nil
}

func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}
