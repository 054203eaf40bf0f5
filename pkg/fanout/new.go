package fanout

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tokmz/qichat/pkg/logger"
)

// New 按配置创建分发后端
// DriverNone 返回 (nil, nil)；NodeID 为空时自动生成
func New(cfg *Config, log logger.Logger) (Bus, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewNop()
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	// 根据驱动类型创建实例
	switch cfg.Driver {
	case DriverNone, "":
		return nil, nil
	case DriverMemory:
		return NewMemoryBus(0), nil
	case DriverRedis:
		return newRedisBus(cfg.Redis)
	case DriverKafka:
		return newKafkaBus(cfg.Kafka, cfg.NodeID, log.Named("kafka"))
	case DriverAMQP:
		return newAMQPBus(cfg.AMQP)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// NewDirectory 按配置创建频道目录：redis 驱动共享 Redis Set，其余使用不限人数的内存目录
func NewDirectory(cfg *Config, bus Bus) Directory {
	if rb, ok := bus.(*RedisBus); ok && cfg.Redis != nil {
		return NewRedisDirectory(rb.Client(), cfg.Redis.KeyPrefix)
	}
	return NewMemoryDirectory(DefaultDirectoryConfig())
}
