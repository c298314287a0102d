package domain

import "time"

// 标准指标名称（与后端和前端 Dashboard 对齐）
const (
	MetricSteps          = "steps"
	MetricHeartRate      = "heartRate"
	MetricActiveCalories = "activeCalories"
	MetricDistance       = "distance"
	MetricSleep          = "sleep"
	MetricWater          = "water"
)

// MetricSample 归一化后的单条健康数据样本
// 只由 normalize 层创建，创建后不可变
type MetricSample struct {
	Value     float64        `json:"value"`
	Unit      string         `json:"unit"`
	Timestamp time.Time      `json:"timestamp"` // ISO8601
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Aggregates 指标聚合值（仅在存在有效样本时计算）
type Aggregates struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// MetricSeries 单个指标的样本序列
// 不变式：Values 按时间戳倒序（最新在前）；非空时 Latest == &Values[0]；
// 空序列 Latest 为 nil，Aggregates 为 nil
type MetricSeries struct {
	Values     []MetricSample `json:"values"`
	Latest     *MetricSample  `json:"latest"`
	Aggregates *Aggregates    `json:"aggregates,omitempty"`
}

// SyncPeriod 一次同步覆盖的半开时间区间 [Start, End)
type SyncPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PayloadMetadata 同步负载的设备侧元信息
type PayloadMetadata struct {
	DeviceID   string     `json:"deviceId"`
	DeviceType string     `json:"deviceType"`
	Timestamp  time.Time  `json:"timestamp"`
	SyncPeriod SyncPeriod `json:"syncPeriod"`
}

// HealthDataPayload 一次同步周期产出的全量指标数据
// 每个周期新建，所有权随 push/cache 调用转移，不保留
// 部分指标缺失是正常情况（该指标本周期无新数据），调用方不得视为错误
type HealthDataPayload struct {
	Metadata PayloadMetadata         `json:"metadata"`
	Metrics  map[string]MetricSeries `json:"metrics"`
}

// LatestValue 返回指定指标的最新值；指标缺失或序列为空时返回 0
func (p *HealthDataPayload) LatestValue(metric string) float64 {
	series, ok := p.Metrics[metric]
	if !ok || series.Latest == nil {
		return 0
	}
	return series.Latest.Value
}
