package devices

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wellsync/internal/backend"
	"wellsync/internal/domain"
	"wellsync/internal/events"
	"wellsync/internal/store"
)

// ---- 测试替身 ----

type fetchWindow struct {
	start, end time.Time
}

type fakeIntegration struct {
	mu         sync.Mutex
	typ        string
	name       string
	avail      Result
	perms      Result
	metrics    map[string]domain.MetricSeries
	fetchErr   error
	fetchCalls int
	windows    []fetchWindow
	closed     bool
}

func newFakeIntegration() *fakeIntegration {
	return &fakeIntegration{
		typ:   "test",
		name:  "Test Tracker",
		avail: ok(),
		perms: ok(),
	}
}

func (f *fakeIntegration) DeviceType() string { return f.typ }
func (f *fakeIntegration) DeviceName() string { return f.name }

func (f *fakeIntegration) CheckAvailability(ctx context.Context) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avail
}

func (f *fakeIntegration) RequestPermissions(ctx context.Context) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perms
}

func (f *fakeIntegration) FetchHealthData(ctx context.Context, start, end time.Time) (map[string]domain.MetricSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.windows = append(f.windows, fetchWindow{start: start, end: end})
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.metrics, nil
}

func (f *fakeIntegration) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeIntegration) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type savedRecord struct {
	userID string
	record domain.DeviceRecord
	region string
}

type fakeBackend struct {
	mu      sync.Mutex
	saveErr error
	saves   []savedRecord
}

func (f *fakeBackend) Save(ctx context.Context, userID string, record domain.DeviceRecord, regionHint string) (*backend.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saves = append(f.saves, savedRecord{userID: userID, record: record, region: regionHint})
	return &backend.SaveResult{}, nil
}

func (f *fakeBackend) GetLatest(ctx context.Context, userID string, opts backend.LatestOptions) (*backend.LatestResult, error) {
	return &backend.LatestResult{Success: true}, nil
}

func (f *fakeBackend) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeBackend) lastSave() savedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

type fakePlatform struct {
	platform string
	native   bool
}

func (f *fakePlatform) GetPlatform() string     { return f.platform }
func (f *fakePlatform) IsNativePlatform() bool  { return f.native }
func (f *fakePlatform) BatteryLevel() float64   { return 0.8 }
func (f *fakePlatform) OSVersion() string       { return "test-os 1.0" }
func (f *fakePlatform) DeviceID() string        { return "device-1" }
func (f *fakePlatform) Timezone() string        { return "UTC" }

func seriesOf(samples ...domain.MetricSample) domain.MetricSeries {
	series := domain.MetricSeries{Values: samples}
	if len(samples) > 0 {
		series.Latest = &series.Values[0]
	}
	return series
}

func testDeps() (*fakeIntegration, store.KV, *events.Bus, *fakeBackend) {
	return newFakeIntegration(),
		store.NewMemoryKV(),
		events.NewBus(zap.NewNop()),
		&fakeBackend{}
}

func newTestService(integ *fakeIntegration, kv store.KV, bus *events.Bus, be *fakeBackend) *Service {
	return NewService(integ, kv, bus, be, &fakePlatform{platform: "ios", native: true}, zap.NewNop(), ServiceOptions{
		SyncFrequency:     time.Hour, // 测试不依赖定时器触发
		InitialWindowDays: 30,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ---- 生命周期 ----

func TestInitializeRunsInitialSync(t *testing.T) {
	integ, kv, bus, be := testDeps()
	now := time.Now().UTC()
	integ.metrics = map[string]domain.MetricSeries{
		domain.MetricSteps: seriesOf(
			domain.MetricSample{Value: 5000, Unit: "count", Timestamp: now}),
		domain.MetricHeartRate: seriesOf(
			domain.MetricSample{Value: 72, Unit: "bpm", Timestamp: now}),
	}

	var updates []events.Update
	var updatesMu sync.Mutex
	bus.Subscribe(func(u events.Update) {
		updatesMu.Lock()
		updates = append(updates, u)
		updatesMu.Unlock()
	})

	svc := newTestService(integ, kv, bus, be)
	res := svc.Initialize(context.Background(), "user-1", domain.UserProfile{Timezone: "Asia/Shanghai"})
	require.True(t, res.Success)
	require.True(t, svc.Connected())

	waitFor(t, 2*time.Second, func() bool { return be.saveCount() >= 1 })
	svc.Stop()

	saved := be.lastSave()
	assert.Equal(t, "user-1", saved.userID)
	assert.Equal(t, domain.SyncTypeInitial, saved.record.SyncType)
	assert.Equal(t, "Asia/Shanghai", saved.record.Runtime.Timezone)
	assert.NotEmpty(t, saved.record.RecordID)

	// 初始窗口约 30 天
	window := saved.record.Payload.Metadata.SyncPeriod
	assert.InDelta(t, float64(30*24*time.Hour), float64(window.End.Sub(window.Start)), float64(time.Minute))

	// 当日标量投影写入本地缓存；缺失的指标（calories 等）不写
	val, err := kv.Get(context.Background(), todayKeyPrefix+"steps")
	require.NoError(t, err)
	assert.Equal(t, "5000", val)
	val, err = kv.Get(context.Background(), todayKeyPrefix+"heartRate")
	require.NoError(t, err)
	assert.Equal(t, "72", val)
	_, err = kv.Get(context.Background(), todayKeyPrefix+"calories")
	assert.Equal(t, store.ErrMiss, err)

	// 更新事件已广播
	updatesMu.Lock()
	defer updatesMu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, "test", updates[0].Device)
}

func TestInitializeAvailabilityFailure(t *testing.T) {
	integ, kv, bus, be := testDeps()
	integ.avail = Result{Success: false, Message: "not supported here", RequiresApp: true}

	svc := newTestService(integ, kv, bus, be)
	res := svc.Initialize(context.Background(), "user-1", domain.UserProfile{})

	assert.False(t, res.Success)
	assert.Equal(t, "not supported here", res.Message)
	assert.True(t, res.RequiresApp)
	assert.False(t, svc.Connected())
	assert.Zero(t, integ.calls())
}

func TestInitializePermissionFailure(t *testing.T) {
	integ, kv, bus, be := testDeps()
	integ.perms = fail("permission denied")

	svc := newTestService(integ, kv, bus, be)
	res := svc.Initialize(context.Background(), "user-1", domain.UserProfile{})

	assert.False(t, res.Success)
	assert.False(t, svc.Connected())
}

func TestInitializeTwiceIsIdempotent(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)

	require.True(t, svc.Initialize(context.Background(), "user-1", domain.UserProfile{}).Success)
	require.True(t, svc.Initialize(context.Background(), "user-1", domain.UserProfile{}).Success)
	assert.True(t, svc.Connected())

	svc.Stop()
	res := svc.Disconnect(context.Background())
	assert.True(t, res.Success)
	assert.False(t, svc.Connected())
}

func TestDisconnectSafeWhenNeverConnected(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)

	res := svc.Disconnect(context.Background())
	assert.True(t, res.Success)

	// 断开状态已持久化
	raw, err := kv.Get(context.Background(), domain.ConnectionStatusKey("test"))
	require.NoError(t, err)
	var status domain.DeviceConnectionStatus
	require.NoError(t, json.Unmarshal([]byte(raw), &status))
	assert.False(t, status.Connected)
}

func TestDisconnectReleasesIntegration(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)

	require.True(t, svc.Initialize(context.Background(), "user-1", domain.UserProfile{}).Success)
	svc.Disconnect(context.Background())

	integ.mu.Lock()
	closed := integ.closed
	integ.mu.Unlock()
	assert.True(t, closed)

	// 断开后 tick 不再拉取
	before := integ.calls()
	svc.syncTick(context.Background())
	assert.Equal(t, before, integ.calls())
}

// ---- 同步周期 ----

// connectSilently 直接置连接状态，绕过 Initialize 的异步初始同步，
// 让同步周期测试完全确定
func connectSilently(svc *Service, userID string) {
	svc.mu.Lock()
	svc.connected = true
	svc.userID = userID
	svc.mu.Unlock()
}

func TestManualSyncNotConnected(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)

	res := svc.ManualSync(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, "device is not connected", res.Message)
}

func TestManualSyncWhileLocked(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)
	connectSilently(svc, "user-1")

	svc.syncInProgress.Store(true)
	res := svc.ManualSync(context.Background())
	svc.syncInProgress.Store(false)

	assert.False(t, res.Success)
	assert.Equal(t, "sync already in progress", res.Message)
	assert.Zero(t, integ.calls())
}

func TestSyncTickSkipsWhenLocked(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)
	connectSilently(svc, "user-1")

	svc.syncInProgress.Store(true)
	svc.syncTick(context.Background())
	svc.syncInProgress.Store(false)

	assert.Zero(t, integ.calls())
	assert.Zero(t, be.saveCount())
}

func TestFirstSyncIsInitialThenIncremental(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)
	connectSilently(svc, "user-1")

	require.True(t, svc.ManualSync(context.Background()).Success)
	first := be.lastSave()
	assert.Equal(t, domain.SyncTypeInitial, first.record.SyncType)

	require.True(t, svc.ManualSync(context.Background()).Success)
	second := be.lastSave()
	assert.Equal(t, domain.SyncTypeManual, second.record.SyncType)

	// 增量窗口从上一次成功的 end 开始
	assert.Equal(t,
		first.record.Payload.Metadata.SyncPeriod.End,
		second.record.Payload.Metadata.SyncPeriod.Start,
	)
}

func TestSyncFailureLeavesLastSyncUnmoved(t *testing.T) {
	integ, kv, bus, be := testDeps()
	be.saveErr = errors.New("backend unavailable")
	svc := newTestService(integ, kv, bus, be)
	connectSilently(svc, "user-1")

	res := svc.ManualSync(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "sync failed")

	svc.mu.Lock()
	lastSync := svc.lastSync
	svc.mu.Unlock()
	assert.True(t, lastSync.IsZero())

	// 恢复后下一次仍然是初始同步（自愈：从未成功过）
	be.mu.Lock()
	be.saveErr = nil
	be.mu.Unlock()
	require.True(t, svc.ManualSync(context.Background()).Success)
	assert.Equal(t, domain.SyncTypeInitial, be.lastSave().record.SyncType)
}

func TestFetchFailureSurfacesInResult(t *testing.T) {
	integ, kv, bus, be := testDeps()
	integ.fetchErr = errors.New("bridge timeout")
	svc := newTestService(integ, kv, bus, be)
	connectSilently(svc, "user-1")

	res := svc.ManualSync(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "bridge timeout")
	assert.Zero(t, be.saveCount())
}

func TestLastSyncRestoredAcrossRestart(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)
	connectSilently(svc, "user-1")
	require.True(t, svc.ManualSync(context.Background()).Success)

	svc.mu.Lock()
	persisted := svc.lastSync
	svc.mu.Unlock()
	require.False(t, persisted.IsZero())

	// 模拟进程重启：新实例从持久化状态恢复 lastSync
	fresh := newTestService(newFakeIntegration(), kv, bus, &fakeBackend{})
	fresh.mu.Lock()
	fresh.restoreLastSyncLocked(context.Background())
	restored := fresh.lastSync
	fresh.mu.Unlock()

	assert.WithinDuration(t, persisted, restored, time.Second)
}

// ---- 本地缓存读取 ----

func TestLatestMetricsFallsBackToSnapshot(t *testing.T) {
	integ, kv, bus, be := testDeps()
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	snap := deviceSnapshot{
		Metrics: map[string]domain.MetricSeries{
			domain.MetricSteps: seriesOf(
				domain.MetricSample{Value: 7200, Unit: "count", Timestamp: ts}),
		},
		LastSync: &ts,
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), snapshotKeyPrefix+"test", string(data), 0))

	svc := newTestService(integ, kv, bus, be)
	metrics, lastSync, err := svc.LatestMetrics(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lastSync)
	assert.Equal(t, ts, lastSync.UTC())
	require.Contains(t, metrics, domain.MetricSteps)
	assert.Equal(t, float64(7200), metrics[domain.MetricSteps].Latest.Value)
}

func TestLatestMetricsEmptyOnCacheMiss(t *testing.T) {
	integ, kv, bus, be := testDeps()
	svc := newTestService(integ, kv, bus, be)

	metrics, lastSync, err := svc.LatestMetrics(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lastSync)
	assert.Empty(t, metrics)
}

// ---- 单位换算 ----

func TestWaterGlasses(t *testing.T) {
	assert.Equal(t, 4.0, waterGlasses(1000, "ml"))
	assert.Equal(t, 8.0, waterGlasses(2, "L"))
	assert.Equal(t, 3.0, waterGlasses(3, "glasses"))
}

func TestSleepHours(t *testing.T) {
	assert.Equal(t, 7.5, sleepHours(450, "minutes"))
	assert.Equal(t, 2.0, sleepHours(7200, "seconds"))
	assert.Equal(t, 8.0, sleepHours(8, "hours"))
}
