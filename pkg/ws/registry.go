package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
)

// CloseReasonReplaced 旧连接被同一用户的新连接顶替时的关闭原因
const CloseReasonReplaced = "Replaced by a new connection"

// Conn 注册表持有的连接句柄
// 实现必须是指针类型：注册表用 == 判断两个句柄是否为同一连接
type Conn interface {
	ID() string
	IsOpen() bool
	// SendAsync 将消息放入发送队列后立即返回，不等待写出
	SendAsync(msg []byte) error
	Close(code int, reason string)
}

// Set 用户标识集合
// nil 表示未指定；非 nil 的空集合表示一个都不选
type Set map[string]struct{}

// NewSet 创建集合
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has 是否包含（nil 集合不包含任何元素）
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Registry 用户标识 -> 连接 的注册表
// 每个用户同时只保留一个连接，按 key 原子替换与比较删除，无全局锁
type Registry struct {
	conns sync.Map // identity -> Conn
	count atomic.Int64

	logger  logger.Logger
	metrics Metrics
	events  *EventBus
}

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithRegistryLogger 设置日志
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithRegistryMetrics 设置监控
func WithRegistryMetrics(m Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRegistryEvents 设置事件总线
func WithRegistryEvents(eb *EventBus) RegistryOption {
	return func(r *Registry) {
		r.events = eb
	}
}

// NewRegistry 创建注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  logger.NewNop(),
		metrics: NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册用户连接
// 已有其他打开的连接时，异步以正常关闭码关闭旧连接；同一句柄重复注册不会关闭。
// 返回后的任何 Broadcast 都能看到新连接。
func (r *Registry) Register(identity string, conn Conn) {
	prev, loaded := r.conns.Swap(identity, conn)
	if !loaded {
		r.metrics.SetSessionCount(max(int(r.count.Add(1)), 0))
		return
	}

	old := prev.(Conn)
	if old == conn || !old.IsOpen() {
		return
	}

	r.metrics.IncrementReplacedSessions()
	r.logger.Info("session replaced",
		zap.String("user_id", identity),
		zap.String("conn_id", conn.ID()),
		zap.String("replaced_conn_id", old.ID()),
	)
	r.events.Publish(Event{
		Type:     EventSessionReplaced,
		ClientID: old.ID(),
		UserID:   identity,
		Data:     conn.ID(),
	})

	go old.Close(websocket.CloseNormalClosure, CloseReasonReplaced)
}

// Remove 仅当 identity 当前注册的正是 conn 时才删除
// 旧连接的关闭回调晚于新连接注册时，这里是空操作，返回 false
func (r *Registry) Remove(identity string, conn Conn) bool {
	if !r.conns.CompareAndDelete(identity, conn) {
		r.logger.Debug("stale remove ignored",
			zap.String("user_id", identity),
			zap.String("conn_id", conn.ID()),
		)
		return false
	}
	r.metrics.SetSessionCount(max(int(r.count.Add(-1)), 0))
	return true
}

// Lookup 查询用户当前的连接
func (r *Registry) Lookup(identity string) (Conn, bool) {
	v, ok := r.conns.Load(identity)
	if !ok {
		return nil, false
	}
	return v.(Conn), true
}

// Count 已注册的用户数
// Swap 与计数递增之间存在窗口，并发的替换与删除可能让计数短暂为负
func (r *Registry) Count() int {
	return max(int(r.count.Load()), 0)
}

// Identities 当前已注册用户的快照
func (r *Registry) Identities() []string {
	ids := make([]string, 0, r.Count())
	r.conns.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// Broadcast 向 targets 中（nil 表示全部）且不在 exclude 中的打开连接投递 payload
//
// 遍历期间发生的注册与删除可能被看到也可能看不到。每个接收方只是入队，
// 某个接收方失败会被记录并跳过，不影响其他接收方，也不会返回给调用方。
// 返回成功入队的接收方数量。
func (r *Registry) Broadcast(payload []byte, targets, exclude Set) int {
	start := time.Now()
	sent := 0

	deliver := func(identity string, conn Conn) {
		if exclude.Has(identity) || !conn.IsOpen() {
			return
		}
		if err := conn.SendAsync(payload); err != nil {
			r.deliveryFailed(identity, conn, err)
			return
		}
		sent++
	}

	if targets != nil {
		for identity := range targets {
			if v, ok := r.conns.Load(identity); ok {
				deliver(identity, v.(Conn))
			}
		}
	} else {
		r.conns.Range(func(key, value any) bool {
			deliver(key.(string), value.(Conn))
			return true
		})
	}

	r.metrics.AddDeliveredMessages(sent)
	r.metrics.RecordBroadcastLatency(time.Since(start))
	return sent
}

// BroadcastExcluding 投递给除 exclude 外的所有用户
func (r *Registry) BroadcastExcluding(payload []byte, exclude Set) int {
	return r.Broadcast(payload, nil, exclude)
}

// BroadcastToTargets 只投递给 targets 中的用户
func (r *Registry) BroadcastToTargets(payload []byte, targets Set) int {
	return r.Broadcast(payload, targets, nil)
}

// deliveryFailed 记录单个接收方的投递失败
func (r *Registry) deliveryFailed(identity string, conn Conn, err error) {
	r.metrics.IncrementDroppedMessages()
	r.logger.Warn("delivery failed",
		zap.String("user_id", identity),
		zap.String("conn_id", conn.ID()),
		zap.Error(err),
	)
	r.events.Publish(Event{
		Type:     EventDeliveryFailed,
		ClientID: conn.ID(),
		UserID:   identity,
		Data:     err,
	})
}
