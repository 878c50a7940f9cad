package handlers

import (
	"context"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
)

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler reports dependency health. The database is required; the
// KV store is not, since admission fails open without it.
type HealthHandler struct {
	database HealthCheck
	store    HealthCheck
	timeout  time.Duration
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(database, store HealthCheck) *HealthHandler {
	return &HealthHandler{database: database, store: store, timeout: 2 * time.Second}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	KVStore  string `json:"kv_store"`
}

func dependencyStatus(ctx context.Context, check HealthCheck) string {
	if check == nil {
		return "n/a"
	}
	if err := check(ctx); err != nil {
		return "down"
	}
	return "up"
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:   "healthy",
		Database: dependencyStatus(ctx, h.database),
		KVStore:  dependencyStatus(ctx, h.store),
	}

	status := http.StatusOK
	switch {
	case resp.Database == "down":
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case resp.KVStore == "down":
		resp.Status = "degraded"
	}

	pkghttp.WriteJSON(w, status, resp)
}
