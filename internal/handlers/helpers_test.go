package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
)

// newJSONRequest creates an HTTP request with a JSON body
func newJSONRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.5:51000"
	return req
}

// withClaims adds user claims to the request context
func withClaims(req *http.Request, userID, username, role string) *http.Request {
	claims := &models.TokenClaims{UserID: userID, Username: username, Role: role}
	return req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, claims))
}

// assertErrorResponse checks status and the error code of the JSON envelope
func assertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, status int, code string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, status, w.Code)

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, code, resp.Error)
	assert.NotEmpty(t, resp.Message)
	return resp
}

// mockAuthService implements handlers.AuthServiceInterface
type mockAuthService struct {
	LoginFunc          func(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResponse, error)
	RegisterFunc       func(ctx context.Context, username, password string, meta services.RequestMeta) (*services.UserResponse, error)
	ChangePasswordFunc func(ctx context.Context, userID, current, next string, meta services.RequestMeta) error
}

func (m *mockAuthService) Login(ctx context.Context, username, password string, meta services.RequestMeta) (*services.AuthResponse, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.LoginFunc(ctx, username, password, meta)
}

func (m *mockAuthService) Register(ctx context.Context, username, password string, meta services.RequestMeta) (*services.UserResponse, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrConflict
	}
	return m.RegisterFunc(ctx, username, password, meta)
}

func (m *mockAuthService) ChangePassword(ctx context.Context, userID, current, next string, meta services.RequestMeta) error {
	if m.ChangePasswordFunc == nil {
		return nil
	}
	return m.ChangePasswordFunc(ctx, userID, current, next, meta)
}

// recordingAudit captures events and serves canned reads
type recordingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent

	QueryFunc     func(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	SummarizeFunc func(ctx context.Context, from, to time.Time) (*models.AuditSummary, error)
	CheckFunc     func(ctx context.Context, filter models.AuditFilter, actor, sourceIP string) (*services.IntegrityReport, error)
}

func (r *recordingAudit) LogEvent(_ context.Context, e models.AuditEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recordingAudit) ofType(t models.EventType) []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingAudit) Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	if r.QueryFunc == nil {
		return []models.AuditEvent{}, nil
	}
	return r.QueryFunc(ctx, filter)
}

func (r *recordingAudit) Summarize(ctx context.Context, from, to time.Time) (*models.AuditSummary, error) {
	if r.SummarizeFunc == nil {
		return &models.AuditSummary{From: from, To: to}, nil
	}
	return r.SummarizeFunc(ctx, from, to)
}

func (r *recordingAudit) CheckIntegrity(ctx context.Context, filter models.AuditFilter, actor, sourceIP string) (*services.IntegrityReport, error) {
	if r.CheckFunc == nil {
		return &services.IntegrityReport{Valid: true, Violations: []models.IntegrityViolation{}}, nil
	}
	return r.CheckFunc(ctx, filter, actor, sourceIP)
}
