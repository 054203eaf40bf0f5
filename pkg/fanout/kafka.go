package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
)

// KafkaBus Kafka 后端
//
// 每个节点使用独立的消费组（<GroupPrefix><nodeId>），因此每条消息会被所有节点各消费一次。
type KafkaBus struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	logger   logger.Logger

	// 消费失败后的重试间隔，每次失败翻倍直到 maxBackoff
	minBackoff time.Duration
	maxBackoff time.Duration
}

const (
	kafkaMinBackoff = 500 * time.Millisecond
	kafkaMaxBackoff = 30 * time.Second
)

// newKafkaConfig sarama 配置
func newKafkaConfig(cfg *KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: kafka version: %w", ErrInvalidConfig, err)
		}
		sc.Version = v
	}

	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	// 只关心上线之后的消息
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	return sc, nil
}

// newKafkaBus 按配置创建
func newKafkaBus(cfg *KafkaConfig, nodeID string, log logger.Logger) (*KafkaBus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: kafka config is required", ErrInvalidConfig)
	}
	sc, err := newKafkaConfig(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, ErrBackendConnect.WithError(err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupPrefix+nodeID, sc)
	if err != nil {
		_ = producer.Close()
		return nil, ErrBackendConnect.WithError(err)
	}

	return &KafkaBus{
		producer: producer,
		group:    group,
		topic:    cfg.Topic,
		logger:   log,

		minBackoff: kafkaMinBackoff,
		maxBackoff: kafkaMaxBackoff,
	}, nil
}

// Publish 发布信封，以发送者为分区键保证同一发送者的消息有序
// ctx 结束时立即返回，已交给生产者的消息仍可能在之后送达
func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(env.From),
			Value: sarama.ByteEncoder(data),
		})
		done <- err
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return ErrPublishFailed.WithError(err)
	}
	return nil
}

// Subscribe 加入消费组并持续消费，直到 ctx 取消
func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	go func() {
		for err := range b.group.Errors() {
			b.logger.Warn("kafka consumer group error", zap.Error(err))
		}
	}()

	handler := &consumerGroupHandler{handle: h}
	backoff := b.minBackoff
	for {
		// 重平衡后 Consume 返回，需要重新加入
		err := b.group.Consume(ctx, []string{b.topic}, handler)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = b.minBackoff
			continue
		}

		b.logger.Warn("kafka consume failed", zap.Error(err), zap.Duration("retry_in", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, b.maxBackoff)
	}
}

// Close 关闭生产者与消费组
func (b *KafkaBus) Close() error {
	return errors.Join(b.producer.Close(), b.group.Close())
}

// consumerGroupHandler 实现 sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	handle Handler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if env, err := Decode(msg.Value); err == nil {
				h.handle(session.Context(), env)
			}
			session.MarkMessage(msg, "")
		}
	}
}
