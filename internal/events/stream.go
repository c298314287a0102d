package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultStream 默认事件流名称
const DefaultStream = "wellsync:events"

// StreamForwarder 把总线事件转发到 Redis Streams，供进程外消费者使用
// 转发是 best-effort：redis 不可用只记日志，不影响进程内订阅者
type StreamForwarder struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func NewStreamForwarder(client *redis.Client, stream string, logger *zap.Logger) *StreamForwarder {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamForwarder{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Attach 订阅总线并开始转发，返回取消订阅函数
func (f *StreamForwarder) Attach(bus *Bus) func() {
	return bus.Subscribe(func(update Update) {
		f.forward(update)
	})
}

func (f *StreamForwarder) forward(update Update) {
	data, err := json.Marshal(update)
	if err != nil {
		f.logger.Error("Failed to marshal event for stream", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]interface{}{
			"event":     EventHealthDataUpdated,
			"device":    update.Device,
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		f.logger.Warn("Failed to forward event to stream",
			zap.String("stream", f.stream),
			zap.String("device", update.Device),
			zap.Error(err),
		)
	}
}
