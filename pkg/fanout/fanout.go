// Package fanout 跨节点消息分发
//
// 每个节点只维护本地连接（ws.Registry）。本节点收到的聊天消息由 Forwarder
// 发布到消息后端，其他节点的 Relay 订阅后调用 Coordinator.OnFanout 投递给本地用户。
//
// 支持的后端：
//   - memory: 进程内总线（单机与测试）
//   - redis: Redis Pub/Sub
//   - kafka: Kafka topic，每个节点使用独立的消费组
//   - amqp: RabbitMQ fanout exchange，每个节点一个独占队列
package fanout

import (
	"context"

	"github.com/tokmz/qichat/pkg/ws"
)

// Handler 处理收到的信封
type Handler func(ctx context.Context, env Envelope)

// Publisher 发布信封
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Subscriber 订阅信封，Subscribe 阻塞直到 ctx 取消或后端出错
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Bus 同时支持发布与订阅的后端
type Bus interface {
	Publisher
	Subscriber
}

// Deliverer 本地投递（*ws.Coordinator 实现）
type Deliverer interface {
	OnFanout(ctx context.Context, from, text string, targets ws.Set) int
}
