package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
	"github.com/go-chi/chi/v5/middleware"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResponse, error)
	Register(ctx context.Context, username, password string, meta services.RequestMeta) (*services.UserResponse, error)
	ChangePassword(ctx context.Context, userID, current, next string, meta services.RequestMeta) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login. Empty credentials are
// not rejected here so they count as a failed attempt.
type LoginRequest struct {
	Username string `json:"username" validate:"max=128"`
	Password string `json:"password" validate:"max=1024"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=1024"`
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=1024"`
	NewPassword     string `json:"new_password" validate:"required,max=1024,nefield=CurrentPassword"`
}

// requestMeta describes r for the audit trail.
func requestMeta(r *http.Request, ipConfig *pkghttp.IPConfig) services.RequestMeta {
	return services.RequestMeta{
		IP:        pkghttp.ClientIPFromRequest(r, ipConfig),
		UserAgent: r.UserAgent(),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		SessionID: middleware.GetReqID(r.Context()),
	}
}

// writePolicyError answers with 422 when err carries policy violations and
// reports whether it did.
func writePolicyError(w http.ResponseWriter, err error) bool {
	var policyErr *models.PolicyError
	if !errors.As(err, &policyErr) {
		return false
	}
	pkghttp.WriteUnprocessable(w, "Request does not meet policy", policyErr.Violations)
	return true
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} services.AuthResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if violations := ValidateRequest(req); len(violations) > 0 {
		pkghttp.WriteBadRequest(w, violations[0])
		return
	}

	resp, err := h.service.Login(r.Context(), req.Username, req.Password, requestMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			// one message for unknown user, wrong password and empty input
			pkghttp.WriteUnauthorized(w, "Invalid credentials")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// Register handles user registration
// @Summary User registration
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Produce json
// @Success 201 {object} services.UserResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 409 {object} pkghttp.ErrorResponse
// @Failure 422 {object} pkghttp.ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if violations := ValidateRequest(req); len(violations) > 0 {
		pkghttp.WriteUnprocessable(w, "Request validation failed", violations)
		return
	}

	user, err := h.service.Register(r.Context(), req.Username, req.Password, requestMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case writePolicyError(w, err):
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "Username is not available")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, user)
}

// ChangePassword replaces the caller's password
// @Summary Change password
// @Security BearerAuth
// @Accept json
// @Param request body ChangePasswordRequest true "Change password request"
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 422 {object} pkghttp.ErrorResponse
// @Router /auth/password [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if violations := ValidateRequest(req); len(violations) > 0 {
		pkghttp.WriteUnprocessable(w, "Request validation failed", violations)
		return
	}

	err := h.service.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword, requestMeta(r, h.ipConfig))
	if err != nil {
		switch {
		case writePolicyError(w, err):
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Invalid credentials")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
