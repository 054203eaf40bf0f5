package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
)

// defaultPublishTimeout 单次发布超时
const defaultPublishTimeout = 5 * time.Second

// Forwarder 把本节点收到的消息发布给其他节点，实现 ws.Forwarder
// 发布失败只记录日志，不影响本地投递
type Forwarder struct {
	pub     Publisher
	nodeID  string
	channel string
	timeout time.Duration
	logger  logger.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewForwarder 创建 Forwarder
func NewForwarder(pub Publisher, nodeID, channel string, log logger.Logger) *Forwarder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Forwarder{
		pub:     pub,
		nodeID:  nodeID,
		channel: channel,
		timeout: defaultPublishTimeout,
		logger:  log,
	}
}

// Forward 发布信封并注入链路上下文
func (f *Forwarder) Forward(ctx context.Context, from, text string) {
	env := NewEnvelope(f.nodeID, f.channel, from, text)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		env.Headers = carrier
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.pub.Publish(ctx, env); err != nil {
		f.failed.Add(1)
		f.logger.WarnContext(ctx, "fanout publish failed",
			zap.String("node_id", f.nodeID),
			zap.String("user_id", from),
			zap.Error(err),
		)
		return
	}
	f.published.Add(1)
}

// Stats 发布成功与失败次数
func (f *Forwarder) Stats() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}
