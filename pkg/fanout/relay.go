package fanout

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/tracing"
	"github.com/tokmz/qichat/pkg/ws"
)

// Relay 把其他节点发布的信封投递给本节点的在线用户
type Relay struct {
	sub       Subscriber
	deliverer Deliverer
	directory Directory
	nodeID    string
	logger    logger.Logger
	tracer    trace.Tracer
	members   singleflight.Group // 同一频道的并发成员查询合并为一次

	delivered atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// RelayOption Relay 选项
type RelayOption func(*Relay)

// WithDirectory 设置频道目录，未设置时所有信封投递给全体在线用户
func WithDirectory(d Directory) RelayOption {
	return func(r *Relay) {
		r.directory = d
	}
}

// WithRelayLogger 设置日志
func WithRelayLogger(l logger.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithRelayTracer 设置 Tracer
func WithRelayTracer(t trace.Tracer) RelayOption {
	return func(r *Relay) {
		r.tracer = t
	}
}

// NewRelay 创建 Relay
func NewRelay(sub Subscriber, deliverer Deliverer, nodeID string, opts ...RelayOption) *Relay {
	r := &Relay{
		sub:       sub,
		deliverer: deliverer,
		nodeID:    nodeID,
		logger:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("qichat.fanout")
	}
	return r
}

// Run 订阅并投递，阻塞直到 ctx 取消或订阅出错
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("fanout relay started", zap.String("node_id", r.nodeID))
	defer r.logger.Info("fanout relay stopped", zap.String("node_id", r.nodeID))
	return r.sub.Subscribe(ctx, r.Handle)
}

// Handle 处理单个信封
// 本节点发布的信封已在本地投递过，直接丢弃
func (r *Relay) Handle(ctx context.Context, env Envelope) {
	if env.Origin == r.nodeID {
		r.skipped.Add(1)
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
	ctx, span := r.tracer.Start(ctx, "fanout.relay",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("origin", env.Origin),
			attribute.String("channel", env.Channel),
			attribute.String("user_id", env.From),
		))
	defer span.End()

	targets, err := r.targets(ctx, env.Channel)
	if err != nil {
		r.failed.Add(1)
		tracing.RecordError(span, err)
		r.logger.WarnContext(ctx, "resolve channel members failed",
			zap.String("channel", env.Channel),
			zap.String("origin", env.Origin),
			zap.Error(err),
		)
		return
	}

	n := r.deliverer.OnFanout(ctx, env.From, env.Text, targets)
	r.delivered.Add(1)
	span.SetAttributes(attribute.Int("recipients", n))
}

// targets 频道为空时返回 nil（全体）；频道没有成员时返回空集合（无人）
func (r *Relay) targets(ctx context.Context, channel string) (ws.Set, error) {
	if channel == "" || r.directory == nil {
		return nil, nil
	}
	v, err, _ := r.members.Do(channel, func() (any, error) {
		return r.directory.Members(ctx, channel)
	})
	if err != nil {
		return nil, err
	}
	return ws.NewSet(v.([]string)...), nil
}

// Stats 已投递、已跳过（本节点）与失败的信封数
func (r *Relay) Stats() (delivered, skipped, failed int64) {
	return r.delivered.Load(), r.skipped.Load(), r.failed.Load()
}
