package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"wellsync/internal/config"
	"wellsync/internal/domain"
)

// Service 远端数据服务端口（IoMT 后端）
// 后端必须容忍部分指标缺失的负载
type Service interface {
	Save(ctx context.Context, userID string, record domain.DeviceRecord, regionHint string) (*SaveResult, error)
	GetLatest(ctx context.Context, userID string, opts LatestOptions) (*LatestResult, error)
}

// SaveResult 保存结果（后端返回实际落盘的区域）
type SaveResult struct {
	SavedTo struct {
		Region string `json:"region"`
	} `json:"savedTo"`
}

// LatestOptions getLatest 查询参数
type LatestOptions struct {
	DeviceType  string `json:"deviceType,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Aggregation string `json:"aggregation,omitempty"`
}

// LatestResult getLatest 响应
type LatestResult struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
}

// Client IoMT 后端 HTTP 客户端
// 显式超时和有限重试是对原有行为的刻意改进：挂起的请求最多
// 阻塞一个同步周期，不会永久占住 syncInProgress
type Client struct {
	httpClient *resty.Client
	deviceID   string
	logger     *zap.Logger
}

// NewClient 创建后端客户端
// deviceID 作为稳定设备标识写入每个请求头
func NewClient(cfg config.BackendConfig, deviceID string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-Device-Id", deviceID)

	return &Client{
		httpClient: client,
		deviceID:   deviceID,
		logger:     logger,
	}
}

type saveRequest struct {
	UserID     string              `json:"userId"`
	Record     domain.DeviceRecord `json:"record"`
	RegionHint string              `json:"regionHint,omitempty"`
}

// Save 上报一次同步周期的设备记录
func (c *Client) Save(ctx context.Context, userID string, record domain.DeviceRecord, regionHint string) (*SaveResult, error) {
	var result SaveResult
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(saveRequest{UserID: userID, Record: record, RegionHint: regionHint}).
		SetResult(&result).
		Post("/iomt/api/v1/data")

	if err != nil {
		return nil, fmt.Errorf("failed to call IoMT backend: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("IoMT backend returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("device_type", record.Payload.Metadata.DeviceType),
			zap.String("sync_type", record.SyncType),
		)
		return nil, fmt.Errorf("IoMT backend error: status %d", resp.StatusCode())
	}

	c.logger.Debug("Saved device record to backend",
		zap.String("device_type", record.Payload.Metadata.DeviceType),
		zap.String("sync_type", record.SyncType),
		zap.Int("metric_count", len(record.Payload.Metrics)),
		zap.String("saved_to", result.SavedTo.Region),
	)

	return &result, nil
}

type latestRequest struct {
	UserID string        `json:"userId"`
	Query  LatestOptions `json:"query"`
}

// GetLatest 读取用户最近的设备数据（冷启动时 Dashboard 回填用）
func (c *Client) GetLatest(ctx context.Context, userID string, opts LatestOptions) (*LatestResult, error) {
	var result LatestResult
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(latestRequest{UserID: userID, Query: opts}).
		SetResult(&result).
		Post("/iomt/api/v1/data/latest")

	if err != nil {
		return nil, fmt.Errorf("failed to call IoMT backend: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("IoMT backend error: status %d", resp.StatusCode())
	}

	return &result, nil
}
