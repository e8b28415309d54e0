package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedPlan(t *testing.T, db *DB, plan models.Plan) *models.Plan {
	t.Helper()
	plan.Active = true
	require.NoError(t, NewPlanStore(db).Upsert(context.Background(), &plan))
	return &plan
}

func seedSession(t *testing.T, db *DB, id string) *models.Session {
	t.Helper()
	session := &models.Session{
		ID:          id,
		UserID:      "user-" + id,
		PhoneNumber: "254700000001",
		Username:    "user_" + id,
		Password:    "secret",
		CreatedAt:   testNow.Add(-time.Hour),
	}
	require.NoError(t, NewSessionStore(db).Create(context.Background(), session))
	return session
}

func TestSessionStore_Create(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	seedSession(t, db, "sess-001")

	retrieved, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, "user-sess-001", retrieved.UserID)
	assert.Equal(t, models.StatusPending, retrieved.Status)
	assert.Equal(t, "user_sess-001", retrieved.Username)
	assert.Equal(t, "secret", retrieved.Password)
	assert.Empty(t, retrieved.PlanID)
	assert.True(t, retrieved.ActivatedAt.IsZero())

	byName, err := store.GetByUsername(ctx, "user_sess-001")
	require.NoError(t, err)
	assert.Equal(t, "sess-001", byName.ID)
}

func TestSessionStore_Create_DuplicateUsername(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)

	seedSession(t, db, "sess-001")

	err := store.Create(context.Background(), &models.Session{
		ID: "sess-002", UserID: "u", PhoneNumber: "1", Username: "user_sess-001", Password: "x",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSessionStore_Get_NotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore_Activate(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	seedSession(t, db, "sess-001")

	session, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, session.Status)
	assert.Equal(t, "hour", session.PlanID)
	assert.True(t, testNow.Equal(session.ActivatedAt))
	assert.True(t, testNow.Add(time.Hour).Equal(session.ExpiresAt))
	assert.Equal(t, int64(1), session.Version)

	_, err = store.Activate(ctx, "sess-001", plan, testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Activate(ctx, "missing", plan, testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore_ReactivationResetsCounters(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "100mb", Name: "100MB", Kind: models.PlanData, DataLimitMB: 100, Price: 30})
	seedSession(t, db, "sess-001")

	active, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)
	require.NoError(t, store.RecordConsumption(ctx, "sess-001", 105*models.BytesPerMB))

	ended, changed, err := store.Terminate(ctx, "sess-001", active.ActivatedAt, testNow.Add(time.Hour), models.CauseDataExhausted)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, models.StatusExpired, ended.Status)
	assert.Equal(t, int64(105*models.BytesPerMB), ended.DataUsedBytes)
	assert.Equal(t, 60, ended.TimeUsedMinutes)
	assert.Equal(t, models.CauseDataExhausted, ended.EndCause)

	later := testNow.Add(48 * time.Hour)
	renewed, err := store.Activate(ctx, "sess-001", plan, later)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, renewed.Status)
	assert.Zero(t, renewed.DataUsedBytes)
	assert.Zero(t, renewed.TimeUsedMinutes)
	assert.True(t, later.Equal(renewed.ActivatedAt))
	assert.True(t, later.Add(models.DataPlanValidity).Equal(renewed.ExpiresAt))
	assert.Empty(t, renewed.EndCause)
	assert.True(t, renewed.EndedAt.IsZero())
}

func TestSessionStore_Renew(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	seedSession(t, db, "sess-001")

	_, err := store.Renew(ctx, "sess-001", plan, testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	renewed, err := store.Renew(ctx, "sess-001", plan, testNow.Add(50*time.Minute))
	require.NoError(t, err)
	assert.True(t, testNow.Add(110*time.Minute).Equal(renewed.ExpiresAt))
}

func TestSessionStore_TerminateIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	seedSession(t, db, "sess-001")
	active, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	_, first, err := store.Terminate(ctx, "sess-001", active.ActivatedAt, testNow.Add(61*time.Minute), models.CauseTimeExhausted)
	require.NoError(t, err)
	assert.True(t, first)

	ended, second, err := store.Terminate(ctx, "sess-001", active.ActivatedAt, testNow.Add(62*time.Minute), models.CauseTimeExhausted)
	require.NoError(t, err)
	assert.False(t, second)
	assert.Nil(t, ended)

	session, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.True(t, testNow.Add(61*time.Minute).Equal(session.EndedAt))
}

func TestSessionStore_TerminateConcurrent(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	seedSession(t, db, "sess-001")
	active, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := store.Terminate(ctx, "sess-001", active.ActivatedAt, testNow.Add(2*time.Hour), models.CauseTimeExhausted)
			if err == nil && changed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestSessionStore_TerminateSkipsRenewedActivation(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	seedSession(t, db, "sess-001")
	assessed, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	// renewal commits after the sweep read the session, before it terminates
	renewed, err := store.Renew(ctx, "sess-001", plan, testNow.Add(61*time.Minute))
	require.NoError(t, err)

	ended, changed, err := store.Terminate(ctx, "sess-001", assessed.ActivatedAt, testNow.Add(61*time.Minute), models.CauseTimeExhausted)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, ended)

	session, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, session.Status)
	assert.True(t, renewed.ActivatedAt.Equal(session.ActivatedAt))
	assert.Equal(t, renewed.Version, session.Version)

	// the renewed activation itself can still end
	_, changed, err = store.Terminate(ctx, "sess-001", renewed.ActivatedAt, testNow.Add(2*time.Hour), models.CauseTimeExhausted)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSessionStore_Disable(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	seedSession(t, db, "sess-001")

	changed, err := store.Disable(ctx, "sess-001", testNow, models.CauseAdministrative)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Disable(ctx, "sess-001", testNow, models.CauseAdministrative)
	require.NoError(t, err)
	assert.False(t, changed)

	session, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, session.Status)
}

func TestSessionStore_RecordConsumption(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "100mb", Name: "100MB", Kind: models.PlanData, DataLimitMB: 100, Price: 30})
	seedSession(t, db, "sess-001")

	err := store.RecordConsumption(ctx, "sess-001", 10)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending sessions do not consume")

	_, err = store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	require.NoError(t, store.RecordConsumption(ctx, "sess-001", 1000))
	require.NoError(t, store.RecordConsumption(ctx, "sess-001", 500))
	assert.Error(t, store.RecordConsumption(ctx, "sess-001", -1))

	session, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), session.DataUsedBytes)
}

func TestSessionStore_SyncConsumptionNeverDecreases(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "100mb", Name: "100MB", Kind: models.PlanData, DataLimitMB: 100, Price: 30})
	seedSession(t, db, "sess-001")
	active, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	moved, err := store.SyncConsumption(ctx, "sess-001", active.Version, 5000)
	require.NoError(t, err)
	assert.True(t, moved)

	session, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)

	moved, err = store.SyncConsumption(ctx, "sess-001", session.Version, 1200)
	require.NoError(t, err)
	assert.False(t, moved)

	session, err = store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), session.DataUsedBytes)
}

func TestSessionStore_SyncConsumptionIgnoresStaleVersion(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "100mb", Name: "100MB", Kind: models.PlanData, DataLimitMB: 100, Price: 30})
	seedSession(t, db, "sess-001")
	before, err := store.Activate(ctx, "sess-001", plan, testNow)
	require.NoError(t, err)

	_, err = store.Renew(ctx, "sess-001", plan, testNow.Add(time.Hour))
	require.NoError(t, err)

	// a device total matched against the previous activation
	moved, err := store.SyncConsumption(ctx, "sess-001", before.Version, 96*models.BytesPerMB)
	require.NoError(t, err)
	assert.False(t, moved)

	session, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Zero(t, session.DataUsedBytes)
}

func TestSessionStore_ListActiveAndOverdue(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	hour := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	day := seedPlan(t, db, models.Plan{ID: "day", Name: "1 Day", Kind: models.PlanTime, DurationMinutes: 1440, Price: 50})

	for i := 1; i <= 3; i++ {
		seedSession(t, db, fmt.Sprintf("sess-%03d", i))
	}
	_, err := store.Activate(ctx, "sess-001", hour, testNow.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = store.Activate(ctx, "sess-002", day, testNow.Add(-2*time.Hour))
	require.NoError(t, err)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "sess-001", active[0].ID)
	assert.Equal(t, "sess-002", active[1].ID)

	overdue, err := store.ListOverdue(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "sess-001", overdue[0].ID)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["active"])
	assert.Equal(t, 1, counts["pending"])
}

func TestSessionStore_ListActiveByMAC(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	plan := seedPlan(t, db, models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, Price: 20})
	for _, s := range []*models.Session{
		{ID: "sess-a", UserID: "u-a", PhoneNumber: "254700000001", MACAddress: "AA:BB:CC:DD:EE:01", Username: "user_a", Password: "x", CreatedAt: testNow},
		{ID: "sess-b", UserID: "u-b", PhoneNumber: "254700000002", MACAddress: "aa:bb:cc:dd:ee:01", Username: "user_b", Password: "x", CreatedAt: testNow},
		{ID: "sess-c", UserID: "u-c", PhoneNumber: "254700000003", MACAddress: "AA:BB:CC:DD:EE:02", Username: "user_c", Password: "x", CreatedAt: testNow},
		{ID: "sess-d", UserID: "u-d", PhoneNumber: "254700000004", MACAddress: "AA:BB:CC:DD:EE:01", Username: "user_d", Password: "x", CreatedAt: testNow},
	} {
		require.NoError(t, store.Create(ctx, s))
	}
	for _, id := range []string{"sess-a", "sess-b", "sess-c"} {
		_, err := store.Activate(ctx, id, plan, testNow)
		require.NoError(t, err)
	}

	sessions, err := store.ListActiveByMAC(ctx, "aa:BB:cc:DD:ee:01")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-a", sessions[0].ID)
	assert.Equal(t, "sess-b", sessions[1].ID)

	sessions, err = store.ListActiveByMAC(ctx, "00:00:00:00:00:00")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
