package events

import (
	"sync"

	"go.uber.org/zap"

	"wellsync/internal/domain"
)

// EventHealthDataUpdated 健康数据更新事件名（进程内唯一广播通道）
const EventHealthDataUpdated = "healthDataUpdated"

// Update 健康数据更新事件负载
type Update struct {
	Metrics map[string]domain.MetricSeries `json:"metrics"`
	Device  string                         `json:"device"`
}

// Handler 订阅回调；在 Publish 的调用栈上同步执行
type Handler func(Update)

// Bus 进程内广播总线
// 显式注入到设备服务和 Manager，取代全局事件分发，便于测试观察
// 交付语义：对当前已注册订阅者 best-effort 同步 fan-out，无投递保证
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]Handler),
		logger: logger,
	}
}

// Subscribe 注册订阅者，返回取消订阅函数
// 所有订阅者都会收到每个事件（fan-out，不是单消费者队列）
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish 同步广播给所有当前订阅者
// 单个订阅者 panic 不影响其他订阅者
func (b *Bus) Publish(update Update) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, update)
	}
}

func (b *Bus) dispatch(h Handler, update Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				zap.String("event", EventHealthDataUpdated),
				zap.Any("panic", r),
			)
		}
	}()
	h(update)
}

// SubscriberCount 当前订阅者数量（用于诊断和测试）
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
