package services

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/perimeter/internal/audit"
	"github.com/BradenHooton/perimeter/internal/models"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

// memoryAuditRepo implements AuditRepository; fail makes every call error
type memoryAuditRepo struct {
	mu     sync.Mutex
	events []models.AuditEvent
	fail   bool
}

var errDatabaseDown = errors.New("database unreachable")

func (r *memoryAuditRepo) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *memoryAuditRepo) Create(_ context.Context, e *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errDatabaseDown
	}
	r.events = append(r.events, *e)
	return nil
}

func (r *memoryAuditRepo) Query(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errDatabaseDown
	}
	var out []models.AuditEvent
	for _, e := range r.events {
		if filter.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryAuditRepo) Summarize(_ context.Context, from, to time.Time, topN int) (*models.AuditSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errDatabaseDown
	}
	return audit.Summarize(r.events, from, to, topN), nil
}

func (r *memoryAuditRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// recordingNotifier implements audit.Notifier
type recordingNotifier struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (n *recordingNotifier) Notify(_ context.Context, e models.AuditEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestAuditService(t *testing.T, repo AuditRepository, notifier audit.Notifier) (*AuditService, *audit.FileLog, *clock) {
	t.Helper()

	primary, err := audit.OpenFileLog(filepath.Join(t.TempDir(), "audit.jsonl"), false)
	require.NoError(t, err)
	t.Cleanup(func() { primary.Close() })

	signer, err := audit.NewSigner(testSigningKey)
	require.NoError(t, err)

	clk := newClock()
	svc := NewAuditService(primary, repo, signer, notifier, AuditConfig{
		SensitiveFields: []string{"password", "token"},
		Workers:         2,
		QueueSize:       16,
		RetryDelay:      time.Millisecond,
	}, testLogger())
	svc.now = clk.Now

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		svc.Stop()
		cancel()
	})
	return svc, primary, clk
}

func TestAuditService_LogEventWritesBothSinks(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc, primary, clk := newTestAuditService(t, repo, nil)
	ctx := context.Background()

	ok := svc.LogEvent(ctx, models.AuditEvent{
		EventType: models.EventLoginFailed,
		Actor:     "bob",
		SourceIP:  "10.0.0.7",
		Message:   "invalid credentials",
	})
	require.True(t, ok)

	require.Eventually(t, func() bool { return repo.len() == 1 }, time.Second, 5*time.Millisecond)

	events, err := primary.Query(models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, models.RiskMedium, e.RiskLevel, "risk defaults from the event type")
	assert.Equal(t, clk.Now(), e.Timestamp)
	assert.Equal(t, svc.ChainID(), e.ChainID)
	assert.Equal(t, int64(1), e.Sequence)
	assert.Empty(t, e.PrevSignature)
	assert.NotEmpty(t, e.IntegritySignature)
	assert.Equal(t, e.IntegritySignature, repo.events[0].IntegritySignature)
}

func TestAuditService_LogEventSurvivesDatabaseOutage(t *testing.T) {
	repo := &memoryAuditRepo{fail: true}
	svc, _, _ := newTestAuditService(t, repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, svc.LogEvent(ctx, models.AuditEvent{
			EventType: models.EventLoginFailed,
			SourceIP:  "10.0.0.7",
			Message:   "invalid credentials",
		}))
	}

	events, err := svc.Query(ctx, models.AuditFilter{})
	require.NoError(t, err, "query falls back to the primary log")
	assert.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Sequence)

	assert.Empty(t, svc.VerifyIntegrity(events))
}

func TestAuditService_RedactsSensitiveDetails(t *testing.T) {
	svc, primary, _ := newTestAuditService(t, nil, nil)

	svc.LogEvent(context.Background(), models.AuditEvent{
		EventType: models.EventAccountCreated,
		Message:   "account created",
		Details: models.AuditDetails{
			"username": "bob",
			"password": "hunter2",
			"nested":   map[string]any{"Token": "abc"},
		},
	})

	events, err := primary.Query(models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].Details["username"])
	assert.Equal(t, "[REDACTED]", events[0].Details["password"])
	assert.Equal(t, map[string]any{"Token": "[REDACTED]"}, events[0].Details["nested"])
}

func TestAuditService_RejectsUnknownEventType(t *testing.T) {
	svc, primary, _ := newTestAuditService(t, nil, nil)

	assert.False(t, svc.LogEvent(context.Background(), models.AuditEvent{EventType: models.EventType(999)}))

	events, err := primary.Query(models.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditService_LogEventAfterPrimaryClosed(t *testing.T) {
	svc, primary, _ := newTestAuditService(t, nil, nil)
	require.NoError(t, primary.Close())

	assert.False(t, svc.LogEvent(context.Background(), models.AuditEvent{
		EventType: models.EventLoginSuccess,
		Message:   "ok",
	}))
}

func TestAuditService_ChainLinksConsecutiveEvents(t *testing.T) {
	svc, primary, clk := newTestAuditService(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventDataAccessed, Message: "read"})
		clk.Advance(time.Second)
	}

	events, err := primary.Query(models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, events[i+1].IntegritySignature, events[i].PrevSignature)
	}
	assert.Empty(t, svc.VerifyIntegrity(events))
}

func TestAuditService_HighRiskEventsNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _, _ := newTestAuditService(t, nil, notifier)
	ctx := context.Background()

	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventLoginFailed, Message: "medium"})
	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventLoginBlocked, Message: "high"})
	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventStoreUnavailable, Message: "critical"})

	require.Eventually(t, func() bool { return notifier.len() == 2 }, time.Second, 5*time.Millisecond)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, models.EventLoginBlocked, notifier.events[0].EventType)
	assert.Equal(t, models.EventStoreUnavailable, notifier.events[1].EventType)
}

func TestAuditService_SummarizeFallsBackToPrimary(t *testing.T) {
	repo := &memoryAuditRepo{fail: true}
	svc, _, clk := newTestAuditService(t, repo, nil)
	ctx := context.Background()
	from := clk.Now()

	for i := 0; i < 3; i++ {
		svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventLoginFailed, SourceIP: "10.0.0.7", Message: "bad"})
	}
	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventLoginSuccess, SourceIP: "10.0.0.8", Success: true, Message: "ok"})

	summary, err := svc.Summarize(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.Total)
	assert.Equal(t, int64(3), summary.FailedEvents)
	assert.Equal(t, int64(3), summary.ByType["LOGIN_FAILED"])
	require.NotEmpty(t, summary.TopIPs)
	assert.Equal(t, "10.0.0.7", summary.TopIPs[0].IP)
}

func TestAuditService_CheckIntegrityRecordsFailure(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc, primary, clk := newTestAuditService(t, repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventConfigChanged, Actor: "admin", Message: "changed"})
		clk.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return repo.len() == 3 }, time.Second, 5*time.Millisecond)

	report, err := svc.CheckIntegrity(ctx, models.AuditFilter{}, "admin", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Violations)

	repo.mu.Lock()
	repo.events[1].Message = "nothing happened"
	repo.mu.Unlock()

	report, err = svc.CheckIntegrity(ctx, models.AuditFilter{}, "admin", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "signature mismatch in database copy", report.Violations[0].Reason)

	failures, err := primary.Query(models.AuditFilter{EventTypes: []models.EventType{models.EventIntegrityFailure}})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.RiskCritical, failures[0].RiskLevel)
}

func TestAuditService_CheckIntegrityToleratesDroppedDatabaseWrite(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc, primary, clk := newTestAuditService(t, repo, nil)
	ctx := context.Background()

	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventConfigChanged, Actor: "admin", Message: "first"})
	require.Eventually(t, func() bool { return repo.len() == 1 }, time.Second, 5*time.Millisecond)

	// the second write fails on both attempts and is dropped
	repo.setFail(true)
	clk.Advance(time.Second)
	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventConfigChanged, Actor: "admin", Message: "second"})
	require.Eventually(t, func() bool { return svc.secondary.Failed() == 1 }, time.Second, 5*time.Millisecond)
	repo.setFail(false)

	clk.Advance(time.Second)
	svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventConfigChanged, Actor: "admin", Message: "third"})
	require.Eventually(t, func() bool { return repo.len() == 2 }, time.Second, 5*time.Millisecond)

	report, err := svc.CheckIntegrity(ctx, models.AuditFilter{}, "admin", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Violations)
	assert.Equal(t, 3, report.Checked)

	failures, err := primary.Query(models.AuditFilter{EventTypes: []models.EventType{models.EventIntegrityFailure}})
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestAuditService_CheckIntegrityDetectsReplacedDatabaseRow(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc, _, clk := newTestAuditService(t, repo, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventConfigChanged, Actor: "admin", Message: "changed"})
		clk.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return repo.len() == 2 }, time.Second, 5*time.Millisecond)

	// a row re-signed with the right key but a forged predecessor link
	signer, err := audit.NewSigner(testSigningKey)
	require.NoError(t, err)
	repo.mu.Lock()
	forged := &repo.events[1]
	forged.PrevSignature = "00"
	forged.IntegritySignature = signer.Sign(forged)
	repo.mu.Unlock()

	report, err := svc.CheckIntegrity(ctx, models.AuditFilter{}, "admin", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "database copy differs from primary log", report.Violations[0].Reason)
}

func TestAuditService_SecondaryWritesKeepActorOrder(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc, _, _ := newTestAuditService(t, repo, nil)
	ctx := context.Background()

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				svc.LogEvent(ctx, models.AuditEvent{EventType: models.EventLoginFailed, Actor: "bob", Message: "invalid credentials"})
			}
		}()
	}
	wg.Wait()

	// the queue holds 16 per shard, so some items may be dropped; order must hold
	require.Eventually(t, func() bool {
		return int64(repo.len())+svc.secondary.Dropped() == writers*perWriter
	}, time.Second, 5*time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	for i := 1; i < len(repo.events); i++ {
		assert.Less(t, repo.events[i-1].Sequence, repo.events[i].Sequence, "row %d written out of chain order", i)
	}
}
