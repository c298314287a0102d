package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wellsync/internal/domain"
	"wellsync/internal/events"
	"wellsync/internal/platform"
	"wellsync/internal/store"
)

// connectedSetKey 已连接设备集合的持久化 key（全量快照，整体替换）
const connectedSetKey = "connectedDevices"

// RegistryEntry 注册表条目
// Service 为 nil 表示该设备集成尚未实现（占位），连接请求快速失败
type RegistryEntry struct {
	Service   *Service
	Name      string
	Icon      string
	Platforms []string
	Status    string // available | coming_soon
}

// DeviceInfo 面向 UI 的设备列表条目
type DeviceInfo struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Icon       string `json:"icon"`
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	CanConnect bool   `json:"canConnect"`
}

// AggregatedMetrics 跨设备聚合结果
// 累计类指标取各设备最大值（取最强信号）；心率取最近的非零读数
// （点时刻生命体征，新鲜度比数值大小更重要）
type AggregatedMetrics struct {
	Steps     float64    `json:"steps"`
	Calories  float64    `json:"calories"`
	Water     float64    `json:"water"`
	Sleep     float64    `json:"sleep"`
	HeartRate float64    `json:"heartRate"`
	Devices   []string   `json:"devices"`
	LastSync  *time.Time `json:"lastSync"`
}

// SyncAllResult syncAllDevices 的汇总结果
type SyncAllResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Results map[string]Result `json:"results,omitempty"`
}

// Manager 设备注册表 + 编排器
// 持有全部已知设备类型，跟踪已连接集合并将 connect/disconnect/sync/
// 聚合调用扇出到各个设备服务
type Manager struct {
	kv       store.KV
	bus      *events.Bus
	platform platform.Provider
	logger   *zap.Logger

	registry map[string]*RegistryEntry
	order    []string

	mu        sync.Mutex
	connected map[string]bool

	// Manager 级别的锁，与每设备的 syncInProgress 相互独立
	syncAllInProgress atomic.Bool
}

// NewManager 创建设备管理器并从本地存储加载已连接集合
// 存储缺失或内容损坏时降级为空集合，不报错
func NewManager(kv store.KV, bus *events.Bus, platformProv platform.Provider, logger *zap.Logger) *Manager {
	m := &Manager{
		kv:        kv,
		bus:       bus,
		platform:  platformProv,
		logger:    logger,
		registry:  make(map[string]*RegistryEntry),
		connected: make(map[string]bool),
	}
	m.loadConnectedSet(context.Background())
	return m
}

// Register 注册一种设备类型
func (m *Manager) Register(key string, entry *RegistryEntry) {
	m.registry[key] = entry
	m.order = append(m.order, key)
}

// AvailableDevices 当前平台可见的设备列表
// 平台集合包含当前平台或包含通用 "web" 回退的条目才会出现
func (m *Manager) AvailableDevices() []DeviceInfo {
	current := m.platform.GetPlatform()

	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]DeviceInfo, 0, len(m.order))
	for _, key := range m.order {
		entry := m.registry[key]
		if !platformSupported(entry.Platforms, current) {
			continue
		}
		infos = append(infos, DeviceInfo{
			Key:        key,
			Name:       entry.Name,
			Icon:       entry.Icon,
			Status:     entry.Status,
			Connected:  m.connected[key],
			CanConnect: entry.Status == domain.DeviceStatusAvailable && entry.Service != nil,
		})
	}
	return infos
}

func platformSupported(platforms []string, current string) bool {
	for _, p := range platforms {
		if p == current || p == platform.PlatformWeb {
			return true
		}
	}
	return false
}

// ConnectDevice 连接设备：委托给设备服务初始化，成功后更新并持久化
// 已连接集合。未知或未实现的设备 key 是受控结果，不是异常
func (m *Manager) ConnectDevice(ctx context.Context, key, userID string, profile domain.UserProfile) Result {
	entry, exists := m.registry[key]
	if !exists {
		return fail(fmt.Sprintf("unknown device: %s", key))
	}
	if entry.Service == nil {
		return fail(fmt.Sprintf("%s integration is not available yet", entry.Name))
	}

	res := entry.Service.Initialize(ctx, userID, profile)
	if !res.Success {
		return res
	}

	m.mu.Lock()
	m.connected[key] = true
	m.mu.Unlock()
	m.persistConnectedSet(ctx)

	return res
}

// DisconnectDevice 断开设备并持久化更新后的集合
func (m *Manager) DisconnectDevice(ctx context.Context, key string) Result {
	entry, exists := m.registry[key]
	if !exists || entry.Service == nil {
		return fail(fmt.Sprintf("unknown device: %s", key))
	}

	res := entry.Service.Disconnect(ctx)

	m.mu.Lock()
	delete(m.connected, key)
	m.mu.Unlock()
	m.persistConnectedSet(ctx)

	return res
}

// ConnectedDevices 当前已连接的设备 key（字典序）
func (m *Manager) ConnectedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.connected))
	for k := range m.connected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AggregatedMetrics 跨所有已连接设备聚合最新指标
// 单个设备读取失败只记日志并跳过，不影响其他设备的结果
func (m *Manager) AggregatedMetrics(ctx context.Context) AggregatedMetrics {
	agg := AggregatedMetrics{Devices: []string{}}
	var bestHeartTS time.Time

	for _, key := range m.ConnectedDevices() {
		entry, exists := m.registry[key]
		if !exists || entry.Service == nil {
			continue
		}

		metrics, lastSync, err := m.safeLatestMetrics(ctx, entry.Service)
		if err != nil {
			m.logger.Warn("Failed to read device metrics, skipping device",
				zap.String("device", key),
				zap.Error(err),
			)
			continue
		}
		if len(metrics) == 0 && lastSync == nil {
			continue
		}

		agg.Devices = append(agg.Devices, key)

		if v := latestValue(metrics, domain.MetricSteps); v > agg.Steps {
			agg.Steps = v
		}
		if v := latestValue(metrics, domain.MetricActiveCalories); v > agg.Calories {
			agg.Calories = v
		}
		if v := latestValue(metrics, domain.MetricWater); v > agg.Water {
			agg.Water = v
		}
		if v := latestValue(metrics, domain.MetricSleep); v > agg.Sleep {
			agg.Sleep = v
		}

		// 心率：最近的非零读数胜出
		if hr, ts, found := latestHeartRate(metrics); found {
			if agg.HeartRate == 0 || ts.After(bestHeartTS) {
				agg.HeartRate = hr
				bestHeartTS = ts
			}
		}

		// lastSync：跨设备取时间上最新的，跳过空值
		if lastSync != nil && (agg.LastSync == nil || lastSync.After(*agg.LastSync)) {
			t := *lastSync
			agg.LastSync = &t
		}
	}

	return agg
}

// safeLatestMetrics 读取单设备最新指标，隔离 panic
func (m *Manager) safeLatestMetrics(ctx context.Context, svc *Service) (metrics map[string]domain.MetricSeries, lastSync *time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metrics accessor panicked: %v", r)
		}
	}()
	return svc.LatestMetrics(ctx)
}

func latestValue(metrics map[string]domain.MetricSeries, metric string) float64 {
	series, exists := metrics[metric]
	if !exists || series.Latest == nil {
		return 0
	}
	return series.Latest.Value
}

// latestHeartRate 设备的最近非零心率及其时间戳
func latestHeartRate(metrics map[string]domain.MetricSeries) (float64, time.Time, bool) {
	series, exists := metrics[domain.MetricHeartRate]
	if !exists {
		return 0, time.Time{}, false
	}
	for _, sample := range series.Values {
		if sample.Value != 0 {
			return sample.Value, sample.Timestamp, true
		}
	}
	return 0, time.Time{}, false
}

// SyncDevice 对单个设备执行手动同步（MQTT 触发和 API 都走这里）
func (m *Manager) SyncDevice(ctx context.Context, key string) Result {
	entry, exists := m.registry[key]
	if !exists || entry.Service == nil {
		return fail(fmt.Sprintf("unknown device: %s", key))
	}
	return entry.Service.ManualSync(ctx)
}

// SyncAllDevices 向所有已连接设备并发扇出手动同步
// Manager 级别的锁保证同一时刻只有一轮全量同步；锁在 defer 中释放，
// 无论多少设备失败
func (m *Manager) SyncAllDevices(ctx context.Context) SyncAllResult {
	if !m.syncAllInProgress.CompareAndSwap(false, true) {
		return SyncAllResult{Success: false, Message: "Sync already in progress"}
	}
	defer m.syncAllInProgress.Store(false)

	keys := m.ConnectedDevices()
	results := make(map[string]Result, len(keys))

	var wg sync.WaitGroup
	var resultsMu sync.Mutex
	for _, key := range keys {
		entry, exists := m.registry[key]
		if !exists || entry.Service == nil {
			continue
		}
		wg.Add(1)
		go func(key string, svc *Service) {
			defer wg.Done()
			res := svc.ManualSync(ctx)
			resultsMu.Lock()
			results[key] = res
			resultsMu.Unlock()
		}(key, entry.Service)
	}
	wg.Wait()

	return SyncAllResult{Success: true, Results: results}
}

// Subscribe 订阅健康数据更新广播，返回取消订阅函数
// 与设备服务发布到同一条总线；所有订阅者都会收到每个事件
func (m *Manager) Subscribe(handler events.Handler) func() {
	return m.bus.Subscribe(handler)
}

// RestoreConnections 进程启动时按持久化集合恢复设备连接
// 单个设备恢复失败只记日志（原生授权可能稍后恢复），不影响其他设备
func (m *Manager) RestoreConnections(ctx context.Context, userID string, profile domain.UserProfile) {
	for _, key := range m.ConnectedDevices() {
		entry, exists := m.registry[key]
		if !exists || entry.Service == nil {
			continue
		}
		if res := entry.Service.Initialize(ctx, userID, profile); !res.Success {
			m.logger.Warn("Failed to restore device connection",
				zap.String("device", key),
				zap.String("reason", res.Message),
			)
		}
	}
}

// Close 停止所有设备的周期同步，不改变持久化连接状态
// （进程退出路径：用户连接关系在下次启动时恢复）
func (m *Manager) Close() {
	for _, key := range m.order {
		entry := m.registry[key]
		if entry.Service != nil {
			entry.Service.Stop()
		}
	}
}

// loadConnectedSet 从本地存储加载已连接集合
// 集合快照缺失时按每设备连接状态 key 重建（快照写入失败后的自愈路径）
func (m *Manager) loadConnectedSet(ctx context.Context) {
	raw, err := m.kv.Get(ctx, connectedSetKey)
	if err != nil {
		if err == store.ErrMiss {
			m.rebuildConnectedSet(ctx)
		} else {
			m.logger.Warn("Failed to load connected device set", zap.Error(err))
		}
		return
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		m.logger.Warn("Corrupt connected device set, starting empty", zap.Error(err))
		return
	}

	m.mu.Lock()
	for _, k := range keys {
		m.connected[k] = true
	}
	m.mu.Unlock()
}

// rebuildConnectedSet 扫描每设备连接状态 key，把 connected 的设备收进集合
// 单条状态损坏只跳过该设备
func (m *Manager) rebuildConnectedSet(ctx context.Context) {
	keys, err := m.kv.ScanKeys(ctx, "*Connection")
	if err != nil {
		m.logger.Warn("Failed to scan connection status keys", zap.Error(err))
		return
	}

	rebuilt := 0
	m.mu.Lock()
	for _, key := range keys {
		raw, err := m.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var status domain.DeviceConnectionStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			continue
		}
		if status.Connected && status.DeviceType != "" {
			m.connected[status.DeviceType] = true
			rebuilt++
		}
	}
	m.mu.Unlock()

	if rebuilt > 0 {
		m.logger.Info("Rebuilt connected device set from status keys",
			zap.Int("device_count", rebuilt),
		)
	}
}

// persistConnectedSet 全量快照写回（整体替换，不做增量）
func (m *Manager) persistConnectedSet(ctx context.Context) {
	keys := m.ConnectedDevices()
	data, err := json.Marshal(keys)
	if err != nil {
		return
	}
	if err := m.kv.Set(ctx, connectedSetKey, string(data), 0); err != nil {
		m.logger.Warn("Failed to persist connected device set", zap.Error(err))
	}
}
