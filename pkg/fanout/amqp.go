package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus RabbitMQ 后端，发布到 fanout exchange，每个订阅者绑定一个独占的临时队列
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex // 保护 pubChan，amqp.Channel 不支持并发发布
	pubChan *amqp.Channel
}

// newAMQPBus 按配置创建
func newAMQPBus(cfg *AMQPConfig) (*AMQPBus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: amqp config is required", ErrInvalidConfig)
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, ErrBackendConnect.WithError(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, ErrBackendConnect.WithError(err)
	}
	if err := declareExchange(ch, cfg.Exchange); err != nil {
		_ = conn.Close()
		return nil, ErrBackendConnect.WithError(err)
	}

	return &AMQPBus{conn: conn, exchange: cfg.Exchange, pubChan: ch}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil)
}

// Publish 发布信封
func (b *AMQPBus) Publish(ctx context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.pubChan.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.UnixMilli(env.Timestamp),
		Body:        data,
	})
	if err != nil {
		return ErrPublishFailed.WithError(err)
	}
	return nil
}

// Subscribe 声明临时队列并消费，直到 ctx 取消或连接断开
func (b *AMQPBus) Subscribe(ctx context.Context, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return ErrBackendConnect.WithError(err)
	}
	defer ch.Close()

	// 服务端命名、独占、断开即删除
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return ErrBackendConnect.WithError(err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return ErrBackendConnect.WithError(err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return ErrBackendConnect.WithError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrBackendClosed
			}
			env, err := Decode(d.Body)
			if err != nil {
				continue
			}
			h(ctx, env)
		}
	}
}

// Close 关闭连接
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.pubChan.Close()
	if errors.Is(err, amqp.ErrClosed) {
		err = nil
	}
	return errors.Join(err, b.conn.Close())
}
