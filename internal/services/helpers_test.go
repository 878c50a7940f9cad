package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/perimeter/internal/kvstore"
	"github.com/BradenHooton/perimeter/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	mu    sync.Mutex
	users map[string]*models.User

	GetByUsernameFunc  func(ctx context.Context, username string) (*models.User, error)
	UpdatePasswordFunc func(ctx context.Context, id, hash string, history []string) error
}

func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{users: make(map[string]*models.User)}
}

func (m *MockUserRepository) Create(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return nil, models.ErrConflict
		}
	}
	created := *user
	created.ID = "user-" + user.Username
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	m.users[created.ID] = &created
	return &created, nil
}

func (m *MockUserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, hash string, history []string) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, hash, history)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.PasswordHash = hash
	u.PasswordHistory = append([]string(nil), history...)
	return nil
}

// recordingAudit implements EventLogger and keeps every event
type recordingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
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

var errStoreDown = errors.New("connection refused")

// flakyStore wraps a MemoryStore and fails every call while down is set
type flakyStore struct {
	*kvstore.MemoryStore
	mu   sync.Mutex
	down bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: kvstore.NewMemoryStore()}
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.Join(models.ErrStoreUnavailable, errStoreDown)
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	if err := f.err(); err != nil {
		return "", err
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, keys ...string) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, keys...)
}

func (f *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.err(); err != nil {
		return false, err
	}
	return f.MemoryStore.Exists(ctx, key)
}

func (f *flakyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := f.err(); err != nil {
		return 0, err
	}
	return f.MemoryStore.TTL(ctx, key)
}

func (f *flakyStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration, rolling bool) (int64, time.Duration, error) {
	if err := f.err(); err != nil {
		return 0, 0, err
	}
	return f.MemoryStore.IncrWindow(ctx, key, delta, ttl, rolling)
}

// clock is a manually advanced time source shared by store and services
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
