//go:build integration

package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/perimeter/internal/audit"
	"github.com/BradenHooton/perimeter/internal/database"
	"github.com/BradenHooton/perimeter/internal/models"
)

// setupTestDatabase starts PostgreSQL in a container and applies the
// embedded migrations
func setupTestDatabase(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("perimeter"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db := &database.DB{Pool: pool}
	require.NoError(t, db.Migrate(ctx))
	// a second run finds nothing to do
	require.NoError(t, db.Migrate(ctx))

	return db
}

func sealedEvents(t *testing.T, n int, base time.Time) []models.AuditEvent {
	t.Helper()

	signer, err := audit.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	chain := audit.NewChain(uuid.NewString())

	events := make([]models.AuditEvent, n)
	for i := range events {
		e := models.AuditEvent{
			ID:        uuid.NewString(),
			EventType: models.EventLoginFailed,
			RiskLevel: models.RiskMedium,
			Actor:     "bob",
			SourceIP:  fmt.Sprintf("10.0.0.%d", i%2+1),
			Message:   "invalid credentials",
			Details:   models.AuditDetails{"failed_count": float64(i + 1)},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if i == n-1 {
			e.EventType = models.EventLoginSuccess
			e.RiskLevel = models.RiskLow
			e.Success = true
		}
		chain.Seal(signer, &e)
		events[i] = e
	}
	return events
}

func TestAuditEventRepository_CreateQueryVerify(t *testing.T) {
	db := setupTestDatabase(t)
	repo := NewAuditEventRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	events := sealedEvents(t, 5, base)
	for i := range events {
		require.NoError(t, repo.Create(ctx, &events[i]))
	}
	// replaying the same event is harmless
	require.NoError(t, repo.Create(ctx, &events[0]))

	got, err := repo.Query(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, events[4].ID, got[0].ID, "newest first")
	assert.Equal(t, events[0].Timestamp, got[4].Timestamp)
	assert.Equal(t, float64(1), got[4].Details["failed_count"])

	signer, err := audit.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	assert.Empty(t, signer.Verify(got), "signatures survive the database round trip")

	failed, err := repo.Query(ctx, models.AuditFilter{
		EventTypes: []models.EventType{models.EventLoginFailed},
		SourceIP:   "10.0.0.1",
		Limit:      1,
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, events[2].ID, failed[0].ID)

	ranged, err := repo.Query(ctx, models.AuditFilter{From: base.Add(time.Second), To: base.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestAuditEventRepository_Summarize(t *testing.T) {
	db := setupTestDatabase(t)
	repo := NewAuditEventRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	events := sealedEvents(t, 5, base)
	for i := range events {
		require.NoError(t, repo.Create(ctx, &events[i]))
	}

	summary, err := repo.Summarize(ctx, base, base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), summary.Total)
	assert.Equal(t, int64(4), summary.FailedEvents)
	assert.Equal(t, int64(4), summary.ByType["LOGIN_FAILED"])
	assert.Equal(t, int64(1), summary.ByRisk["LOW"])
	require.Len(t, summary.TopIPs, 1)
	assert.Equal(t, models.IPCount{IP: "10.0.0.1", Count: 2}, summary.TopIPs[0])

	// the same aggregation over the raw events agrees
	expected := audit.Summarize(events, base, base.Add(time.Hour), 1)
	assert.Equal(t, expected.ByIP, summary.ByIP)
}

func TestAuditEventRepository_DeleteOlderThan(t *testing.T) {
	db := setupTestDatabase(t)
	repo := NewAuditEventRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	events := sealedEvents(t, 4, base)
	for i := range events {
		require.NoError(t, repo.Create(ctx, &events[i]))
	}

	n, err := repo.DeleteOlderThan(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := repo.Query(ctx, models.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestUserRepository(t *testing.T) {
	db := setupTestDatabase(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, &models.User{Username: "bob", PasswordHash: "$2a$04$hash"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.RoleUser, created.Role)
	assert.Empty(t, created.PasswordHistory)

	_, err = repo.Create(ctx, &models.User{Username: "bob", PasswordHash: "$2a$04$other"})
	assert.ErrorIs(t, err, models.ErrConflict)

	byName, err := repo.GetByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	require.NoError(t, repo.UpdatePassword(ctx, created.ID, "$2a$04$next", []string{"$2a$04$hash"}))

	byID, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "$2a$04$next", byID.PasswordHash)
	assert.Equal(t, []string{"$2a$04$hash"}, byID.PasswordHistory)

	_, err = repo.GetByUsername(ctx, "alice")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, repo.UpdatePassword(ctx, uuid.NewString(), "x", nil), models.ErrNotFound)
}
