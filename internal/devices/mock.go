package devices

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"wellsync/internal/domain"
	"wellsync/internal/normalize"
)

// MockIntegration 非原生平台的模拟数据源
// 任何平台都可用、无需授权；按小时生成随机但量级合理的样本，
// 让 web 端 Dashboard 在没有真实设备时也有数据可看
type MockIntegration struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockIntegration(seed int64) *MockIntegration {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockIntegration{rng: rand.New(rand.NewSource(seed))}
}

func (m *MockIntegration) DeviceType() string { return "mock" }
func (m *MockIntegration) DeviceName() string { return "Demo Tracker" }

func (m *MockIntegration) CheckAvailability(ctx context.Context) Result  { return ok() }
func (m *MockIntegration) RequestPermissions(ctx context.Context) Result { return ok() }

// mockRanges 每小时样本的取值范围
var mockRanges = map[string]struct {
	unit     string
	min, max float64
}{
	domain.MetricSteps:          {"count", 0, 1200},
	domain.MetricHeartRate:      {"bpm", 55, 110},
	domain.MetricActiveCalories: {"kcal", 0, 90},
	domain.MetricDistance:       {"km", 0, 1.2},
	domain.MetricWater:          {"ml", 0, 400},
}

// FetchHealthData 在 [start, end) 内按小时生成样本
// 睡眠单独处理：每天一条总时长样本
func (m *MockIntegration) FetchHealthData(ctx context.Context, start, end time.Time) (map[string]domain.MetricSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := make(map[string]domain.MetricSeries)

	for metric, r := range mockRanges {
		var samples []map[string]any
		for ts := start; ts.Before(end); ts = ts.Add(time.Hour) {
			samples = append(samples, map[string]any{
				"value":     r.min + m.rng.Float64()*(r.max-r.min),
				"timestamp": ts,
				"source":    m.DeviceName(),
			})
		}
		if len(samples) == 0 {
			continue
		}
		metrics[metric] = normalize.ProcessHealthSamples(samples, r.unit, metric)
	}

	var sleepSamples []map[string]any
	for day := start.Truncate(24 * time.Hour); day.Before(end); day = day.Add(24 * time.Hour) {
		if day.Before(start) {
			continue
		}
		sleepSamples = append(sleepSamples, map[string]any{
			"value":     5.5 + m.rng.Float64()*3.5,
			"timestamp": day,
			"source":    m.DeviceName(),
		})
	}
	if len(sleepSamples) > 0 {
		metrics[domain.MetricSleep] = normalize.ProcessHealthSamples(sleepSamples, "hours", domain.MetricSleep)
	}

	return metrics, nil
}

// Close 释放模拟数据源状态（断开时由同步引擎调用）
func (m *MockIntegration) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}
