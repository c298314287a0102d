package devices

import (
	"context"
	"time"

	"wellsync/internal/domain"
)

// Result 面向 UI 的操作结果
// 生命周期操作（可用性检查、授权、初始化、连接）一律用结果值报告失败，
// 不抛错误：调用方根据它驱动用户提示文案
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	RequiresApp bool   `json:"requiresApp,omitempty"`
}

func ok() Result {
	return Result{Success: true}
}

func fail(message string) Result {
	return Result{Success: false, Message: message}
}

// Integration 单类设备数据源的平台相关逻辑
// 按注册表 key 选择实现（HealthKit、mock、后续 OAuth 设备），
// 同步引擎（Service）对所有实现复用同一套生命周期
type Integration interface {
	// DeviceType 设备类型 key（如 "apple"、"mock"）
	DeviceType() string
	// DeviceName 展示名称
	DeviceName() string
	// CheckAvailability 平台/设备组合是否可用；不可用时 Message 说明原因，
	// 需要原生伴侣 App 时置 RequiresApp
	CheckAvailability(ctx context.Context) Result
	// RequestPermissions 向用户请求数据读取授权
	RequestPermissions(ctx context.Context) Result
	// FetchHealthData 查询半开区间 [start, end) 的归一化指标序列
	// 允许返回部分指标（缺失 = 该指标本周期无新数据）
	FetchHealthData(ctx context.Context, start, end time.Time) (map[string]domain.MetricSeries, error)
}

// Closer 可选接口：设备实现持有自己的定时器/资源时在断开时释放
type Closer interface {
	Close()
}
