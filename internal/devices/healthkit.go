package devices

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wellsync/internal/domain"
	"wellsync/internal/normalize"
	"wellsync/internal/platform"
)

// HealthKitBridge 原生 HealthKit 插件桥
// RequestAuthorization 的返回形态因插件版本而异，见 permissionGranted
type HealthKitBridge interface {
	RequestAuthorization(ctx context.Context, read []string) (any, error)
	QuerySamples(ctx context.Context, metric string, start, end time.Time) ([]map[string]any, error)
}

// healthKitMetrics 读取的指标及其单位
var healthKitMetrics = map[string]string{
	domain.MetricSteps:          "count",
	domain.MetricHeartRate:      "bpm",
	domain.MetricActiveCalories: "kcal",
	domain.MetricDistance:       "km",
	domain.MetricSleep:          "hours",
	domain.MetricWater:          "ml",
}

// HealthKitIntegration Apple HealthKit 数据源
type HealthKitIntegration struct {
	bridge   HealthKitBridge
	platform platform.Provider
	logger   *zap.Logger
}

func NewHealthKitIntegration(bridge HealthKitBridge, platformProv platform.Provider, logger *zap.Logger) *HealthKitIntegration {
	return &HealthKitIntegration{
		bridge:   bridge,
		platform: platformProv,
		logger:   logger,
	}
}

func (h *HealthKitIntegration) DeviceType() string { return "apple" }
func (h *HealthKitIntegration) DeviceName() string { return "Apple Health" }

// CheckAvailability HealthKit 只在 iOS 原生环境可用
// web 端需要原生伴侣 App，结果里带 RequiresApp 供 UI 提示下载
func (h *HealthKitIntegration) CheckAvailability(ctx context.Context) Result {
	p := h.platform.GetPlatform()
	if p == platform.PlatformWeb || !h.platform.IsNativePlatform() {
		return Result{
			Success:     false,
			Message:     "Apple Health requires the native companion app",
			RequiresApp: true,
		}
	}
	if p != platform.PlatformIOS {
		return fail("Apple Health is not supported on this platform")
	}
	if h.bridge == nil {
		return fail("HealthKit bridge is not available")
	}
	return ok()
}

// RequestPermissions 请求 HealthKit 读取授权
func (h *HealthKitIntegration) RequestPermissions(ctx context.Context) Result {
	read := make([]string, 0, len(healthKitMetrics))
	for metric := range healthKitMetrics {
		read = append(read, metric)
	}

	resp, err := h.bridge.RequestAuthorization(ctx, read)
	if err != nil {
		h.logger.Warn("HealthKit authorization request failed", zap.Error(err))
		return fail("health data permission request failed")
	}
	if !permissionGranted(resp) {
		return fail("health data permission denied")
	}
	return ok()
}

// FetchHealthData 查询 [start, end) 内各指标的原始样本并归一化
// 单个指标查询失败只跳过该指标（部分数据是合法结果），不整体失败
func (h *HealthKitIntegration) FetchHealthData(ctx context.Context, start, end time.Time) (map[string]domain.MetricSeries, error) {
	if h.bridge == nil {
		return nil, fmt.Errorf("HealthKit bridge is not available")
	}

	metrics := make(map[string]domain.MetricSeries)
	for metric, unit := range healthKitMetrics {
		samples, err := h.bridge.QuerySamples(ctx, metric, start, end)
		if err != nil {
			h.logger.Warn("HealthKit query failed, skipping metric",
				zap.String("metric", metric),
				zap.Error(err),
			)
			continue
		}
		if len(samples) == 0 {
			continue
		}
		metrics[metric] = normalize.ProcessHealthSamples(samples, unit, metric)
	}
	return metrics, nil
}

// permissionGranted 宽松判定授权结果
// 原生插件各版本返回形态不稳定：true / "granted" / {granted:true} /
// {success:true} / {status:"granted"}，甚至任意对象都表示成功
// 已知问题：任意对象都算成功过于宽松，保留是为了兼容旧插件，不要再扩展
func permissionGranted(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "granted"
	case map[string]any:
		if granted, exists := val["granted"]; exists {
			b, _ := granted.(bool)
			return b
		}
		if success, exists := val["success"]; exists {
			b, _ := success.(bool)
			return b
		}
		if status, exists := val["status"]; exists {
			s, _ := status.(string)
			return s == "granted"
		}
		return true
	case nil:
		return false
	default:
		return false
	}
}
