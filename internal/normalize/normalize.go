package normalize

import (
	"sort"
	"strconv"
	"time"

	"wellsync/internal/domain"
)

// 原生插件返回的样本字段名并不统一（不同平台/版本差异），
// 这里按固定优先级做字段回退，调用方无需按平台分支
var (
	valueFields     = []string{"value", "quantity", "count", "measurement"}
	timestampFields = []string{"timestamp", "startDate", "date", "recordedAt"}
)

// ProcessHealthSamples 将原始异构样本归一化为 MetricSeries
// 输出按时间戳倒序（最新在前）；无有效样本时 Latest 为 nil、Aggregates 为 nil
func ProcessHealthSamples(samples []map[string]any, unit, metricType string) domain.MetricSeries {
	values := make([]domain.MetricSample, 0, len(samples))
	for _, raw := range samples {
		if raw == nil {
			continue
		}
		values = append(values, domain.MetricSample{
			Value:     extractValue(raw),
			Unit:      unit,
			Timestamp: extractTimestamp(raw),
			Source:    extractSource(raw, metricType),
			Metadata:  extractMetadata(raw),
		})
	}

	// 最新在前；相同时间戳保持输入顺序
	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Timestamp.After(values[j].Timestamp)
	})

	series := domain.MetricSeries{Values: values}
	if len(values) == 0 {
		return series
	}

	series.Latest = &series.Values[0]
	series.Aggregates = computeAggregates(values)
	return series
}

// computeAggregates 计算 min/max/avg/sum/count
// 只在 len(values) > 0 时调用，avg 不会出现除零
func computeAggregates(values []domain.MetricSample) *domain.Aggregates {
	agg := &domain.Aggregates{
		Min:   values[0].Value,
		Max:   values[0].Value,
		Count: len(values),
	}
	for _, v := range values {
		if v.Value < agg.Min {
			agg.Min = v.Value
		}
		if v.Value > agg.Max {
			agg.Max = v.Value
		}
		agg.Sum += v.Value
	}
	agg.Avg = agg.Sum / float64(agg.Count)
	return agg
}

// extractValue 按优先级提取样本值，全部缺失时返回 0
func extractValue(raw map[string]any) float64 {
	for _, field := range valueFields {
		v, ok := raw[field]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// extractTimestamp 按优先级提取时间戳，全部缺失时回退为 now
func extractTimestamp(raw map[string]any) time.Time {
	for _, field := range timestampFields {
		v, ok := raw[field]
		if !ok || v == nil {
			continue
		}
		if ts, ok := toTime(v); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return unixToTime(int64(val)), true
	case int64:
		return unixToTime(val), true
	case int:
		return unixToTime(int64(val)), true
	default:
		return time.Time{}, false
	}
}

// unixToTime 兼容秒级和毫秒级 Unix 时间戳
func unixToTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func extractSource(raw map[string]any, metricType string) string {
	if s, ok := raw["source"].(string); ok && s != "" {
		return s
	}
	if s, ok := raw["sourceName"].(string); ok && s != "" {
		return s
	}
	return metricType
}

func extractMetadata(raw map[string]any) map[string]any {
	m, ok := raw["metadata"].(map[string]any)
	if !ok {
		return nil
	}
	return m
}
