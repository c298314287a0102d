package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"wellsync/internal/devices"
)

// SyncTrigger MQTT 推送触发同步
// 厂家/后端在有新数据时往约定主题推一条通知，收到后立即对目标设备
// 执行一次手动同步，避免等下一个周期 tick
type SyncTrigger struct {
	client  *Client
	manager *devices.Manager
	topic   string
	qos     byte
	logger  *zap.Logger
}

// NewSyncTrigger 创建同步触发消费者
func NewSyncTrigger(client *Client, manager *devices.Manager, topic string, qos byte, logger *zap.Logger) *SyncTrigger {
	return &SyncTrigger{
		client:  client,
		manager: manager,
		topic:   topic,
		qos:     qos,
		logger:  logger,
	}
}

// syncMessage 触发消息格式
// deviceType 为空表示对所有已连接设备同步
type syncMessage struct {
	DeviceType string `json:"deviceType"`
	Action     string `json:"action"`
	Timestamp  int64  `json:"timestamp"`
}

// Start 订阅触发主题
func (t *SyncTrigger) Start(ctx context.Context) error {
	if t.topic == "" {
		return fmt.Errorf("sync trigger topic not configured")
	}

	if err := t.client.Subscribe(t.topic, t.qos, func(topic string, payload []byte) error {
		return t.handleMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to sync trigger topic: %w", err)
	}

	t.logger.Info("MQTT sync trigger started", zap.String("topic", t.topic))
	return nil
}

// Stop 取消订阅
func (t *SyncTrigger) Stop() {
	if t.topic == "" {
		return
	}
	if err := t.client.Unsubscribe(t.topic); err != nil {
		t.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	t.logger.Info("MQTT sync trigger stopped")
}

// handleMessage 处理触发消息
// 消息是数组（和厂家推送格式一致），单条处理失败不中断后续
func (t *SyncTrigger) handleMessage(ctx context.Context, topic string, payload []byte) error {
	t.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	var messages []syncMessage
	if err := json.Unmarshal(payload, &messages); err != nil {
		// 兼容单条对象格式
		var single syncMessage
		if err := json.Unmarshal(payload, &single); err != nil {
			return fmt.Errorf("failed to unmarshal sync trigger message: %w", err)
		}
		messages = []syncMessage{single}
	}

	for _, msg := range messages {
		if err := t.processMessage(ctx, msg); err != nil {
			t.logger.Error("Failed to process sync trigger",
				zap.String("device_type", msg.DeviceType),
				zap.String("action", msg.Action),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processMessage 处理单条触发消息
func (t *SyncTrigger) processMessage(ctx context.Context, msg syncMessage) error {
	if msg.Action != "" && msg.Action != "sync" {
		t.logger.Debug("Unhandled action", zap.String("action", msg.Action))
		return nil
	}

	if msg.DeviceType == "" {
		res := t.manager.SyncAllDevices(ctx)
		if !res.Success {
			t.logger.Debug("Sync-all trigger skipped", zap.String("reason", res.Message))
		}
		return nil
	}

	res := t.manager.SyncDevice(ctx, msg.DeviceType)
	if !res.Success {
		// 锁被占或设备未连接都是正常情况，下一个周期会补上
		t.logger.Debug("Device sync trigger skipped",
			zap.String("device_type", msg.DeviceType),
			zap.String("reason", res.Message),
		)
	}
	return nil
}
