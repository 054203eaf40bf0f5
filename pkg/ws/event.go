package ws

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 事件类型
type EventType string

const (
	// EventClientConnected 握手完成，连接建立
	EventClientConnected EventType = "client.connected"
	// EventClientDisconnected 连接断开
	EventClientDisconnected EventType = "client.disconnected"
	// EventSessionOpened 用户会话激活（已注册并发送确认）
	EventSessionOpened EventType = "session.opened"
	// EventSessionRejected 缺少用户标识被拒绝
	EventSessionRejected EventType = "session.rejected"
	// EventSessionReplaced 同一用户的新连接顶替旧连接
	EventSessionReplaced EventType = "session.replaced"
	// EventSessionClosed 用户会话结束，Data 为是否从注册表移除（bool）
	EventSessionClosed EventType = "session.closed"
	// EventMessageReceived 收到消息
	EventMessageReceived EventType = "message.received"
	// EventDeliveryFailed 向某个接收方投递失败
	EventDeliveryFailed EventType = "delivery.failed"
	// EventError 连接错误
	EventError EventType = "error"
)

// Event 事件
type Event struct {
	Type     EventType
	ClientID string // 连接 ID
	UserID   string // 用户标识（未识别时为空）
	Data     any
	Time     time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus 事件总线，处理器在固定大小的 worker 池中异步执行
type EventBus struct {
	handlers      map[EventType][]EventHandler
	mu            sync.RWMutex
	workerCh      chan func()
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        atomic.Bool
	droppedEvents atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus(workers, queueSize int) *EventBus {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		workerCh: make(chan func(), queueSize),
		stopCh:   make(chan struct{}),
	}
	for range workers {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			task()
		case <-eb.stopCh:
			return
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish 发布事件（异步）
// 连接建立与断开事件在队列满时最多等待 100ms，其余事件队列满时直接丢弃
func (eb *EventBus) Publish(event Event) {
	if eb == nil || eb.closed.Load() {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		task := func() { h(event) }

		if event.Type == EventClientConnected || event.Type == EventClientDisconnected {
			select {
			case eb.workerCh <- task:
			case <-time.After(100 * time.Millisecond):
				eb.droppedEvents.Add(1)
			}
			continue
		}

		select {
		case eb.workerCh <- task:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close 关闭事件总线，未执行的事件被丢弃
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	// workerCh 不关闭，避免并发 Publish 向已关闭通道发送
	close(eb.stopCh)
	eb.wg.Wait()
}

// DroppedEventCount 获取丢弃的事件数量
func (eb *EventBus) DroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}
