package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus Redis Pub/Sub 后端
type RedisBus struct {
	client redis.UniversalClient
	topic  string
	owned  bool // 由本包创建的客户端在 Close 时关闭
}

// NewRedisClient 按配置创建并探活 Redis 客户端
func NewRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	// 测试连接
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, ErrBackendConnect.WithError(err)
	}
	return client, nil
}

// newRedisBus 按配置创建
func newRedisBus(cfg *RedisConfig) (*RedisBus, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	bus := NewRedisBus(client, cfg.Topic)
	bus.owned = true
	return bus, nil
}

// NewRedisBus 使用已有客户端创建
func NewRedisBus(client redis.UniversalClient, topic string) *RedisBus {
	return &RedisBus{client: client, topic: topic}
}

// Client 底层客户端
func (b *RedisBus) Client() redis.UniversalClient {
	return b.client
}

// Publish 发布信封
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.topic, data).Err(); err != nil {
		return ErrPublishFailed.WithError(err)
	}
	return nil
}

// Subscribe 订阅 topic，直到 ctx 取消
// Redis Pub/Sub 不保存离线消息，订阅建立之前发布的消息收不到
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.Subscribe(ctx, b.topic)
	defer ps.Close()

	// 等待订阅确认
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return ErrBackendConnect.WithError(err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrBackendClosed
			}
			env, err := Decode([]byte(msg.Payload))
			if err != nil {
				continue
			}
			h(ctx, env)
		}
	}
}

// Close 关闭客户端（仅关闭本包创建的客户端）
func (b *RedisBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
