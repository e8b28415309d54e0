package enforcement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockRecorder struct {
	mu   sync.Mutex
	cmds []models.EnforcementCommand
	err  error
}

func (r *mockRecorder) Record(_ context.Context, cmd *models.EnforcementCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, *cmd)
	return r.err
}

func (r *mockRecorder) all() []models.EnforcementCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EnforcementCommand, len(r.cmds))
	copy(out, r.cmds)
	return out
}

type mockDevice struct {
	upsertErr  error
	removeErr  error
	dropErr    error
	listErr    error
	usage      []models.LiveUsage
	block      bool
	panicOnUse bool

	mu    sync.Mutex
	specs []IdentitySpec
}

func (d *mockDevice) Name() string { return "mock-router" }

func (d *mockDevice) UpsertIdentity(ctx context.Context, spec IdentitySpec) (Exchange, error) {
	if d.panicOnUse {
		panic("driver bug")
	}
	if d.block {
		time.Sleep(2 * time.Second)
	}
	d.mu.Lock()
	d.specs = append(d.specs, spec)
	d.mu.Unlock()
	return Exchange{Request: "upsert " + spec.Username, Response: "ok"}, d.upsertErr
}

func (d *mockDevice) RemoveIdentity(ctx context.Context, username string) (Exchange, error) {
	return Exchange{Request: "remove " + username}, d.removeErr
}

func (d *mockDevice) DropConnection(ctx context.Context, username string) (Exchange, error) {
	return Exchange{Request: "drop " + username}, d.dropErr
}

func (d *mockDevice) ListActive(ctx context.Context) ([]models.LiveUsage, Exchange, error) {
	return d.usage, Exchange{Request: "list"}, d.listErr
}

func testSession() *models.Session {
	return &models.Session{ID: "sess-1", Username: "user_12345678", Password: "pw", Status: models.StatusActive}
}

func TestGateway_ProvisionSuccess(t *testing.T) {
	device := &mockDevice{}
	recorder := &mockRecorder{}
	g := NewGateway(device, recorder, WithLogger(newTestLogger()))

	plan := &models.Plan{ID: "hour", Name: "1 Hour", Kind: models.PlanTime, DurationMinutes: 60, UploadKbps: 512, DownloadKbps: 1024}
	res := g.Provision(context.Background(), testSession(), plan)

	assert.True(t, res.Success)
	assert.NoError(t, res.Err)
	require.Len(t, device.specs, 1)
	assert.Equal(t, "plan_1_hour", device.specs[0].Profile)
	assert.Equal(t, "512k/1024k", device.specs[0].RateLimit)
	assert.Equal(t, time.Hour, device.specs[0].LimitUptime)
	assert.Zero(t, device.specs[0].LimitBytes)

	cmds := recorder.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, res.CommandID, cmds[0].ID)
	assert.Equal(t, models.CommandProvision, cmds[0].Kind)
	assert.Equal(t, "sess-1", cmds[0].SessionID)
	assert.Equal(t, "mock-router", cmds[0].Device)
	assert.True(t, cmds[0].Success)
	assert.Equal(t, "upsert user_12345678", cmds[0].Request)
}

func TestGateway_FailureIsAuditedNotPropagated(t *testing.T) {
	device := &mockDevice{upsertErr: NewDeviceError("mock-router", "upsert", 500, "boom", nil)}
	recorder := &mockRecorder{}
	g := NewGateway(device, recorder, WithLogger(newTestLogger()))

	plan := &models.Plan{ID: "100mb", Name: "100MB", Kind: models.PlanData, DataLimitMB: 100}
	res := g.Provision(context.Background(), testSession(), plan)

	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.True(t, IsRetryable(res.Err))

	cmds := recorder.all()
	require.Len(t, cmds, 1)
	assert.False(t, cmds[0].Success)
	assert.Contains(t, cmds[0].Error, "boom")
}

func TestGateway_TimeoutIsFailure(t *testing.T) {
	device := &mockDevice{block: true}
	recorder := &mockRecorder{}
	g := NewGateway(device, recorder, WithLogger(newTestLogger()), WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	res := g.Provision(context.Background(), testSession(), &models.Plan{ID: "u", Kind: models.PlanUnlimited})

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	cmds := recorder.all()
	require.Len(t, cmds, 1)
	assert.False(t, cmds[0].Success)
}

func TestGateway_PanicIsFailure(t *testing.T) {
	device := &mockDevice{panicOnUse: true}
	recorder := &mockRecorder{}
	g := NewGateway(device, recorder, WithLogger(newTestLogger()))

	res := g.Provision(context.Background(), testSession(), &models.Plan{ID: "u", Kind: models.PlanUnlimited})

	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "panic")
	assert.Len(t, recorder.all(), 1)
}

func TestGateway_DeprovisionToleratesMissingIdentity(t *testing.T) {
	device := &mockDevice{removeErr: ErrIdentityNotFound}
	recorder := &mockRecorder{}
	g := NewGateway(device, recorder, WithLogger(newTestLogger()))

	res := g.Deprovision(context.Background(), testSession())

	assert.True(t, res.Success)
	cmds := recorder.all()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].Success)
	assert.Contains(t, cmds[0].Response, "tolerated")
}

func TestGateway_DisconnectToleratesNoConnection(t *testing.T) {
	device := &mockDevice{dropErr: ErrNotConnected}
	g := NewGateway(device, &mockRecorder{}, WithLogger(newTestLogger()))

	res := g.Disconnect(context.Background(), testSession())
	assert.True(t, res.Success)

	device.dropErr = errors.New("connection refused")
	res = g.Disconnect(context.Background(), testSession())
	assert.False(t, res.Success)
}

func TestGateway_QueryLiveUsage(t *testing.T) {
	device := &mockDevice{usage: []models.LiveUsage{{Identity: "user_1", BytesIn: 10, BytesOut: 5}}}
	recorder := &mockRecorder{}
	g := NewGateway(device, recorder, WithLogger(newTestLogger()))

	usage, res := g.QueryLiveUsage(context.Background())
	require.True(t, res.Success)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(15), usage[0].TotalBytes())

	cmds := recorder.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandQuery, cmds[0].Kind)
	assert.Empty(t, cmds[0].SessionID)

	device.listErr = errors.New("unreachable")
	usage, res = g.QueryLiveUsage(context.Background())
	assert.False(t, res.Success)
	assert.Nil(t, usage)
}

func TestGateway_RecorderFailureDoesNotFailCall(t *testing.T) {
	recorder := &mockRecorder{err: errors.New("disk full")}
	g := NewGateway(&mockDevice{}, recorder, WithLogger(newTestLogger()))

	res := g.Disconnect(context.Background(), testSession())
	assert.True(t, res.Success)
}

func TestSpecFor_DataPlan(t *testing.T) {
	plan := &models.Plan{ID: "1gb", Name: "1GB Bundle", Kind: models.PlanData, DataLimitMB: 1024}
	spec := SpecFor(testSession(), plan)

	assert.Equal(t, int64(1024*1024*1024), spec.LimitBytes)
	assert.Zero(t, spec.LimitUptime)
	assert.Empty(t, spec.RateLimit)
	assert.Equal(t, "plan_1gb_bundle", spec.Profile)
	assert.Contains(t, spec.Comment, "session=sess-1")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsNotFoundError(ErrIdentityNotFound))
	assert.True(t, IsNotFoundError(NewDeviceError("r", "op", 404, "gone", nil)))
	assert.True(t, IsAuthError(NewDeviceError("r", "op", 401, "no", nil)))
	assert.False(t, IsRetryable(NewDeviceError("r", "op", 400, "bad", nil)))
	assert.True(t, IsRetryable(NewDeviceError("r", "op", 503, "busy", nil)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}
