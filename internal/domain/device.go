package domain

import "time"

// 同步类型（随负载一起上报后端）
const (
	SyncTypeInitial  = "initial"
	SyncTypePeriodic = "periodic"
	SyncTypeManual   = "manual"
)

// 设备可用状态（注册表静态属性）
const (
	DeviceStatusAvailable  = "available"
	DeviceStatusComingSoon = "coming_soon"
)

// DeviceConnectionStatus 设备连接状态（durable，跨进程重启的唯一事实来源）
// 持久化 key 为 "<deviceType>Connection"，每次 connect/disconnect 全量重写
type DeviceConnectionStatus struct {
	Connected  bool       `json:"connected"`
	DeviceType string     `json:"deviceType"`
	DeviceName string     `json:"deviceName"`
	LastSync   *time.Time `json:"lastSync"`
	UserID     string     `json:"userId"`
	Platform   string     `json:"platform"`
}

// ConnectionStatusKey 连接状态的持久化 key
func ConnectionStatusKey(deviceType string) string {
	return deviceType + "Connection"
}

// RuntimeInfo 设备运行时元信息（随每次 push 上报）
type RuntimeInfo struct {
	BatteryLevel float64 `json:"batteryLevel"`
	OSVersion    string  `json:"osVersion"`
	Timezone     string  `json:"timezone"`
}

// DeviceRecord 后端 push 信封：负载 + 运行时元信息 + 同步类型
type DeviceRecord struct {
	RecordID  string            `json:"recordId"`
	SyncType  string            `json:"syncType"`
	Runtime   RuntimeInfo       `json:"runtime"`
	Payload   HealthDataPayload `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
}

// UserProfile 用户档案（初始化设备服务时传入，内容对本层不透明）
// 编辑和校验属于 profile 前端，这里只透传需要的少量字段
type UserProfile struct {
	Timezone string         `json:"timezone,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}
