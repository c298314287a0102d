package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wellsync/internal/backend"
	"wellsync/internal/domain"
	"wellsync/internal/events"
	"wellsync/internal/platform"
	"wellsync/internal/store"
)

// 本地缓存 key 布局
// - health:today:<metric>    当日标量投影（Dashboard 直接读取）
// - healthData:<deviceType>  每设备指标快照（含 lastSync，离线 UI 读取用）
const (
	todayKeyPrefix    = "health:today:"
	snapshotKeyPrefix = "healthData:"
)

// ServiceOptions 同步引擎参数
type ServiceOptions struct {
	SyncFrequency     time.Duration // 周期同步间隔，默认 5 分钟
	InitialWindowDays int           // 初始同步回溯窗口，默认 30 天
	RegionHint        string        // 后端区域路由提示
}

// Service 单类设备的同步引擎
// 状态机：Uninitialized → Initializing → Connected ⇄ SyncInProgress → Disconnected；
// Disconnected 可通过再次 Initialize 回到 Connected
type Service struct {
	integration Integration
	kv          store.KV
	bus         *events.Bus
	backend     backend.Service
	platform    platform.Provider
	logger      *zap.Logger

	frequency     time.Duration
	initialWindow time.Duration
	regionHint    string

	// syncInProgress 是单设备锁：tick 发现锁被占就静默跳过（不排队），
	// 后端变慢时同步节奏退化，但不会堆积并发请求
	syncInProgress atomic.Bool

	mu          sync.Mutex
	connected   bool
	userID      string
	profile     domain.UserProfile
	lastSync    time.Time // 零值 = 从未成功同步
	cancelTimer context.CancelFunc
	latest      map[string]domain.MetricSeries
}

// NewService 创建设备同步引擎
func NewService(
	integration Integration,
	kv store.KV,
	bus *events.Bus,
	backendSvc backend.Service,
	platformProv platform.Provider,
	logger *zap.Logger,
	opts ServiceOptions,
) *Service {
	if opts.SyncFrequency <= 0 {
		opts.SyncFrequency = 5 * time.Minute
	}
	if opts.InitialWindowDays <= 0 {
		opts.InitialWindowDays = 30
	}
	return &Service{
		integration:   integration,
		kv:            kv,
		bus:           bus,
		backend:       backendSvc,
		platform:      platformProv,
		logger:        logger,
		frequency:     opts.SyncFrequency,
		initialWindow: time.Duration(opts.InitialWindowDays) * 24 * time.Hour,
		regionHint:    opts.RegionHint,
	}
}

// DeviceType 设备类型 key
func (s *Service) DeviceType() string { return s.integration.DeviceType() }

// Connected 当前是否已连接
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Initialize 初始化设备连接：可用性 → 授权 → 持久化状态 → 启动周期同步 →
// 调度（不阻塞等待）初始同步
// 失败通过结果值报告；初始化失败后可以安全地再次调用
func (s *Service) Initialize(ctx context.Context, userID string, profile domain.UserProfile) Result {
	if res := s.integration.CheckAvailability(ctx); !res.Success {
		return res
	}
	if res := s.integration.RequestPermissions(ctx); !res.Success {
		return res
	}

	s.mu.Lock()
	s.userID = userID
	s.profile = profile
	s.connected = true
	s.restoreLastSyncLocked(ctx)
	// 重复 Initialize 不会再起一个定时器
	if s.cancelTimer == nil {
		timerCtx, cancel := context.WithCancel(context.Background())
		s.cancelTimer = cancel
		go s.runTimer(timerCtx)
	}
	s.mu.Unlock()

	s.persistStatus(ctx)

	s.logger.Info("Device connected",
		zap.String("device_type", s.integration.DeviceType()),
		zap.String("user_id", userID),
	)

	// 初始同步异步执行；它的失败不影响 Initialize 已经返回的成功结果
	go s.syncTick(context.Background())

	return ok()
}

// Disconnect 断开设备：停止周期定时器、释放设备自有资源、持久化清空后的状态
// 从未连接过时调用也是安全的；已在途的 fetch/push 不会被取消，
// 其结果按 last-write-wins 处理
func (s *Service) Disconnect(ctx context.Context) Result {
	s.mu.Lock()
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if closer, isCloser := s.integration.(Closer); isCloser {
		closer.Close()
	}

	s.persistStatus(ctx)

	if wasConnected {
		s.logger.Info("Device disconnected",
			zap.String("device_type", s.integration.DeviceType()),
		)
	}
	return ok()
}

// Stop 停止周期同步定时器，不改变持久化连接状态
// 进程退出路径用：连接关系保留，下次启动时恢复
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}

// ManualSync 立即执行一次同步周期
// 未连接时返回 NotConnected；已有同步在途时快速失败（不排队）
func (s *Service) ManualSync(ctx context.Context) Result {
	s.mu.Lock()
	connected := s.connected
	lastSync := s.lastSync
	s.mu.Unlock()

	if !connected {
		return fail("device is not connected")
	}
	if !s.syncInProgress.CompareAndSwap(false, true) {
		return fail("sync already in progress")
	}
	defer s.syncInProgress.Store(false)

	syncType := domain.SyncTypeManual
	if lastSync.IsZero() {
		syncType = domain.SyncTypeInitial
	}
	if err := s.runSyncCycle(ctx, syncType); err != nil {
		return fail(fmt.Sprintf("sync failed: %v", err))
	}
	return ok()
}

// LatestMetrics 最近一次同步的指标快照
// 内存为空时回退到本地缓存（进程重启后离线 UI 仍可读）
func (s *Service) LatestMetrics(ctx context.Context) (map[string]domain.MetricSeries, *time.Time, error) {
	s.mu.Lock()
	if len(s.latest) > 0 {
		metrics := make(map[string]domain.MetricSeries, len(s.latest))
		for k, v := range s.latest {
			metrics[k] = v
		}
		var ts *time.Time
		if !s.lastSync.IsZero() {
			t := s.lastSync
			ts = &t
		}
		s.mu.Unlock()
		return metrics, ts, nil
	}
	s.mu.Unlock()

	raw, err := s.kv.Get(ctx, snapshotKeyPrefix+s.integration.DeviceType())
	if err != nil {
		if err == store.ErrMiss {
			return map[string]domain.MetricSeries{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read device snapshot: %w", err)
	}

	var snap deviceSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode device snapshot: %w", err)
	}
	return snap.Metrics, snap.LastSync, nil
}

// runTimer 周期同步循环；Disconnect 取消 ctx 后立即退出
func (s *Service) runTimer(ctx context.Context) {
	ticker := time.NewTicker(s.frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncTick(context.Background())
		}
	}
}

// syncTick 一次定时触发：抢不到锁就跳过本次，不排队
// lastSync 未设置时退化为初始同步（此前从未成功完成过一次时自愈）
func (s *Service) syncTick(ctx context.Context) {
	s.mu.Lock()
	connected := s.connected
	lastSync := s.lastSync
	s.mu.Unlock()

	if !connected {
		return
	}
	if !s.syncInProgress.CompareAndSwap(false, true) {
		s.logger.Debug("Sync already in progress, skipping tick",
			zap.String("device_type", s.integration.DeviceType()),
		)
		return
	}
	defer s.syncInProgress.Store(false)

	syncType := domain.SyncTypePeriodic
	if lastSync.IsZero() {
		syncType = domain.SyncTypeInitial
	}

	// 同步失败在周期边界吞掉：下一个 tick 会重试，定时器不受影响
	if err := s.runSyncCycle(ctx, syncType); err != nil {
		s.logger.Warn("Sync cycle failed",
			zap.String("device_type", s.integration.DeviceType()),
			zap.String("sync_type", syncType),
			zap.Error(err),
		)
	}
}

// runSyncCycle 一次 fetch → push → cache → broadcast 往返
// 调用方必须已持有 syncInProgress 锁
func (s *Service) runSyncCycle(ctx context.Context, syncType string) error {
	s.mu.Lock()
	userID := s.userID
	lastSync := s.lastSync
	timezone := s.profile.Timezone
	s.mu.Unlock()

	end := time.Now().UTC()
	start := end.Add(-s.initialWindow)
	if syncType != domain.SyncTypeInitial && !lastSync.IsZero() {
		start = lastSync
	}

	metrics, err := s.integration.FetchHealthData(ctx, start, end)
	if err != nil {
		return fmt.Errorf("failed to fetch health data: %w", err)
	}

	deviceType := s.integration.DeviceType()
	payload := domain.HealthDataPayload{
		Metadata: domain.PayloadMetadata{
			DeviceID:   s.platform.DeviceID(),
			DeviceType: deviceType,
			Timestamp:  end,
			SyncPeriod: domain.SyncPeriod{Start: start, End: end},
		},
		Metrics: metrics,
	}

	if timezone == "" {
		timezone = s.platform.Timezone()
	}
	record := domain.DeviceRecord{
		RecordID: uuid.NewString(),
		SyncType: syncType,
		Runtime: domain.RuntimeInfo{
			BatteryLevel: s.platform.BatteryLevel(),
			OSVersion:    s.platform.OSVersion(),
			Timezone:     timezone,
		},
		Payload:   payload,
		Timestamp: end,
	}

	// push 失败不会停掉定时器也不会断开设备；lastSync 不前移，下次重拉同一窗口
	if _, err := s.backend.Save(ctx, userID, record, s.regionHint); err != nil {
		return fmt.Errorf("failed to push to backend: %w", err)
	}

	s.mu.Lock()
	s.lastSync = end
	s.latest = metrics
	s.mu.Unlock()

	s.persistStatus(ctx)
	s.updateLocalHealthMetrics(ctx, payload)

	s.logger.Info("Sync cycle completed",
		zap.String("device_type", deviceType),
		zap.String("sync_type", syncType),
		zap.Int("metric_count", len(metrics)),
		zap.Time("window_start", start),
		zap.Time("window_end", end),
	)
	return nil
}

// deviceSnapshot 每设备本地缓存快照
type deviceSnapshot struct {
	Metrics  map[string]domain.MetricSeries `json:"metrics"`
	LastSync *time.Time                     `json:"lastSync"`
}

// updateLocalHealthMetrics 把负载 best-effort 投影到当日标量 key 和
// 每设备快照，然后广播更新事件
// 这是 Dashboard 不轮询 Manager 也能拿到新数据的唯一通道
func (s *Service) updateLocalHealthMetrics(ctx context.Context, payload domain.HealthDataPayload) {
	deviceType := payload.Metadata.DeviceType

	writeToday := func(metric string, value float64) {
		raw := fmt.Sprintf("%g", value)
		if err := s.kv.Set(ctx, todayKeyPrefix+metric, raw, 0); err != nil {
			s.logger.Warn("Failed to write today cache",
				zap.String("metric", metric),
				zap.Error(err),
			)
		}
	}

	// 指标缺失时不写（保留上一次的值），缺失不等于归零
	writeIfPresent := func(metric, key string) {
		if series, exists := payload.Metrics[metric]; exists && series.Latest != nil {
			writeToday(key, payload.LatestValue(metric))
		}
	}
	writeIfPresent(domain.MetricSteps, "steps")
	writeIfPresent(domain.MetricActiveCalories, "calories")
	writeIfPresent(domain.MetricHeartRate, "heartRate")
	if series, exists := payload.Metrics[domain.MetricWater]; exists && series.Latest != nil {
		writeToday("water", waterGlasses(series.Latest.Value, series.Latest.Unit))
	}
	if series, exists := payload.Metrics[domain.MetricSleep]; exists && series.Latest != nil {
		writeToday("sleep", sleepHours(series.Latest.Value, series.Latest.Unit))
	}

	s.mu.Lock()
	lastSync := s.lastSync
	s.mu.Unlock()
	snap := deviceSnapshot{Metrics: payload.Metrics}
	if !lastSync.IsZero() {
		snap.LastSync = &lastSync
	}
	if data, err := json.Marshal(snap); err == nil {
		if err := s.kv.Set(ctx, snapshotKeyPrefix+deviceType, string(data), 0); err != nil {
			s.logger.Warn("Failed to write device snapshot",
				zap.String("device_type", deviceType),
				zap.Error(err),
			)
		}
	}

	s.bus.Publish(events.Update{
		Metrics: payload.Metrics,
		Device:  deviceType,
	})
}

// persistStatus 全量重写持久化连接状态（last-write-wins）
func (s *Service) persistStatus(ctx context.Context) {
	s.mu.Lock()
	status := domain.DeviceConnectionStatus{
		Connected:  s.connected,
		DeviceType: s.integration.DeviceType(),
		DeviceName: s.integration.DeviceName(),
		UserID:     s.userID,
		Platform:   s.platform.GetPlatform(),
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		status.LastSync = &t
	}
	s.mu.Unlock()

	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	key := domain.ConnectionStatusKey(status.DeviceType)
	if err := s.kv.Set(ctx, key, string(data), 0); err != nil {
		s.logger.Warn("Failed to persist connection status",
			zap.String("device_type", status.DeviceType),
			zap.Error(err),
		)
	}
}

// restoreLastSyncLocked 从持久化状态恢复 lastSync（进程重启后重连时）
// 调用方必须持有 s.mu
func (s *Service) restoreLastSyncLocked(ctx context.Context) {
	if !s.lastSync.IsZero() {
		return
	}
	raw, err := s.kv.Get(ctx, domain.ConnectionStatusKey(s.integration.DeviceType()))
	if err != nil {
		return
	}
	var status domain.DeviceConnectionStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return
	}
	if status.LastSync != nil {
		s.lastSync = *status.LastSync
	}
}

// waterGlasses 把饮水量换算为杯数（一杯 250ml）
func waterGlasses(value float64, unit string) float64 {
	switch unit {
	case "ml", "mL":
		return value / 250
	case "l", "L":
		return value * 4
	default:
		return value
	}
}

// sleepHours 把睡眠时长换算为小时
func sleepHours(value float64, unit string) float64 {
	switch unit {
	case "minutes", "min":
		return value / 60
	case "seconds", "sec", "s":
		return value / 3600
	default:
		return value
	}
}
