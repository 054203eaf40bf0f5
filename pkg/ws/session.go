package ws

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/identity"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/tracing"
)

// CloseReasonIdentityAbsent 缺少用户标识时的关闭原因
const CloseReasonIdentityAbsent = "Could not extract valid user identity from request headers"

// closeReasonAckFailed 确认消息无法入队时的关闭原因
const closeReasonAckFailed = "Session setup failed"

// 会话属性键
const (
	AttrUserID    = "userId"
	AttrSessionID = "sessionId"
	AttrState     = "state"
)

// State 会话状态
type State int32

const (
	// StatePending 连接已建立，尚未识别用户
	StatePending State = iota
	// StateActive 已识别、已注册并已发送确认
	StateActive
	// StateClosed 终态
	StateClosed
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session 由传输层提供的连接会话
type Session interface {
	Conn
	// Header 握手请求头
	Header() http.Header
	Set(key string, v any)
	Get(key string) (any, bool)
}

// StateOf 读取会话状态，未设置时为 StatePending
func StateOf(s Session) State {
	v, ok := s.Get(AttrState)
	if !ok {
		return StatePending
	}
	st, _ := v.(State)
	return st
}

// UserIDOf 读取会话绑定的用户标识
func UserIDOf(s Session) (string, bool) {
	v, ok := s.Get(AttrUserID)
	if !ok {
		return "", false
	}
	uid, ok := v.(string)
	return uid, ok && uid != ""
}

// SessionIDOf 读取会话 ID
func SessionIDOf(s Session) string {
	v, _ := s.Get(AttrSessionID)
	sid, _ := v.(string)
	return sid
}

// Forwarder 将本节点收到的消息转发给其他节点
type Forwarder interface {
	Forward(ctx context.Context, from, text string)
}

// Membership 会话激活与结束时同步维护的成员关系（例如跨节点频道目录）
// Joined 在注册之后、会话激活之前调用；Left 仅在用户已没有在线连接时调用
type Membership interface {
	Joined(ctx context.Context, userID string)
	Left(ctx context.Context, userID string)
}

// Coordinator 连接生命周期状态机
//
//	Pending --OnOpen(有标识)--> Active --OnClose/OnError--> Closed
//	Pending --OnOpen(无标识)--> Closed
//
// 同一连接的状态转换由该连接的读协程串行驱动
type Coordinator struct {
	registry  *Registry
	resolver  identity.Resolver
	logger    logger.Logger
	metrics   Metrics
	events    *EventBus
	tracer    trace.Tracer
	forwarder Forwarder
	members   Membership
}

// CoordinatorOption 状态机选项
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger 设置日志
func WithCoordinatorLogger(l logger.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithCoordinatorMetrics 设置监控
func WithCoordinatorMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithCoordinatorEvents 设置事件总线
func WithCoordinatorEvents(eb *EventBus) CoordinatorOption {
	return func(c *Coordinator) {
		c.events = eb
	}
}

// WithTracer 设置 Tracer（默认使用全局 Provider）
func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithCoordinatorForwarder 设置跨节点转发
func WithCoordinatorForwarder(f Forwarder) CoordinatorOption {
	return func(c *Coordinator) {
		c.forwarder = f
	}
}

// WithCoordinatorMembership 设置成员关系维护
func WithCoordinatorMembership(m Membership) CoordinatorOption {
	return func(c *Coordinator) {
		c.members = m
	}
}

// NewCoordinator 创建状态机
func NewCoordinator(registry *Registry, resolver identity.Resolver, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry: registry,
		resolver: resolver,
		logger:   logger.NewNop(),
		metrics:  NoopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("qichat.ws")
	}
	return c
}

// Registry 返回注册表
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// OnOpen 识别用户并激活会话
// 没有用户标识时以 1008 关闭连接并返回 ErrIdentityAbsent，连接不会进入注册表
func (c *Coordinator) OnOpen(ctx context.Context, s Session) error {
	ctx, span := c.tracer.Start(ctx, "session.open",
		trace.WithAttributes(attribute.String("conn_id", s.ID())))
	defer span.End()

	s.Set(AttrState, StatePending)

	uid, ok := c.resolver.Resolve(s.Header())
	if !ok {
		s.Set(AttrState, StateClosed)
		s.Close(websocket.ClosePolicyViolation, CloseReasonIdentityAbsent)

		c.metrics.IncrementRejectedSessions()
		c.logger.WarnContext(ctx, "identity absent, connection rejected", zap.String("conn_id", s.ID()))
		c.events.Publish(Event{Type: EventSessionRejected, ClientID: s.ID()})
		tracing.RecordError(span, ErrIdentityAbsent)
		return ErrIdentityAbsent
	}

	sessionID := uuid.NewString()
	s.Set(AttrUserID, uid)
	s.Set(AttrSessionID, sessionID)
	span.SetAttributes(
		attribute.String("user_id", uid),
		attribute.String("session_id", sessionID),
	)
	ctx = logger.WithUserID(ctx, uid)

	// 确认消息先于注册入队，保证它是该连接收到的第一条消息
	if err := s.SendAsync(AckPayload(uid, sessionID)); err != nil {
		s.Set(AttrState, StateClosed)
		s.Close(websocket.CloseInternalServerErr, closeReasonAckFailed)

		c.logger.ErrorContext(ctx, "ack enqueue failed", zap.String("conn_id", s.ID()), zap.Error(err))
		ackErr := ErrAckFailed.WithError(err)
		tracing.RecordError(span, ackErr)
		return ackErr
	}

	c.registry.Register(uid, s)
	if c.members != nil {
		c.members.Joined(ctx, uid)
	}
	s.Set(AttrState, StateActive)

	c.logger.InfoContext(ctx, "session opened",
		zap.String("conn_id", s.ID()),
		zap.String("session_id", sessionID),
	)
	c.events.Publish(Event{Type: EventSessionOpened, ClientID: s.ID(), UserID: uid, Data: sessionID})
	return nil
}

// OnMessage 将消息广播给除发送者外的所有在线用户，返回接收方数量
// 未激活或没有用户标识的会话的消息被丢弃
func (c *Coordinator) OnMessage(ctx context.Context, s Session, text string) int {
	uid, ok := UserIDOf(s)
	if !ok || StateOf(s) != StateActive {
		c.logger.DebugContext(ctx, "message from inactive session dropped", zap.String("conn_id", s.ID()))
		return 0
	}

	ctx, span := c.tracer.Start(ctx, "session.message", trace.WithAttributes(
		attribute.String("conn_id", s.ID()),
		attribute.String("user_id", uid),
	))
	defer span.End()

	c.metrics.IncrementMessageCount(FrameTypeMessage)
	c.events.Publish(Event{Type: EventMessageReceived, ClientID: s.ID(), UserID: uid, Data: len(text)})

	n := c.registry.BroadcastExcluding(MessagePayload(uid, text), NewSet(uid))
	span.SetAttributes(attribute.Int("recipients", n))

	if c.forwarder != nil {
		c.forwarder.Forward(ctx, uid, text)
	}
	return n
}

// OnFanout 投递来自其他节点的消息
// targets 为 nil 时投递给所有在线用户，发送者总是被排除
func (c *Coordinator) OnFanout(ctx context.Context, from, text string, targets Set) int {
	_, span := c.tracer.Start(ctx, "session.fanout", trace.WithAttributes(
		attribute.String("user_id", from),
	))
	defer span.End()

	c.metrics.IncrementMessageCount("fanout")
	n := c.registry.Broadcast(MessagePayload(from, text), targets, NewSet(from))
	span.SetAttributes(attribute.Int("recipients", n))
	return n
}

// OnClose 结束会话，已识别的用户从注册表中移除（仅当仍是当前连接）
// 重复调用是空操作
func (c *Coordinator) OnClose(ctx context.Context, s Session) {
	prev := StateOf(s)
	s.Set(AttrState, StateClosed)
	if prev == StateClosed {
		return
	}

	ctx, span := c.tracer.Start(ctx, "session.close",
		trace.WithAttributes(attribute.String("conn_id", s.ID())))
	defer span.End()

	uid, ok := UserIDOf(s)
	if !ok {
		c.logger.DebugContext(ctx, "unregistered connection closed", zap.String("conn_id", s.ID()))
		return
	}

	removed := c.registry.Remove(uid, s)
	span.SetAttributes(attribute.String("user_id", uid), attribute.Bool("removed", removed))

	c.logger.InfoContext(logger.WithUserID(ctx, uid), "session closed",
		zap.String("conn_id", s.ID()),
		zap.String("session_id", SessionIDOf(s)),
	)
	if removed {
		c.leave(ctx, uid)
	}
	c.events.Publish(Event{Type: EventSessionClosed, ClientID: s.ID(), UserID: uid, Data: removed})
}

// leave 用户不再在线时移出成员关系
// 移出期间同一用户的新连接已完成 Joined 时，重新加入
func (c *Coordinator) leave(ctx context.Context, uid string) {
	if c.members == nil {
		return
	}
	if _, online := c.registry.Lookup(uid); online {
		return
	}
	c.members.Left(ctx, uid)
	if _, online := c.registry.Lookup(uid); online {
		c.members.Joined(ctx, uid)
	}
}

// OnError 记录连接错误，注册表清理与 OnClose 相同
func (c *Coordinator) OnError(ctx context.Context, s Session, err error) {
	uid, _ := UserIDOf(s)

	_, span := c.tracer.Start(ctx, "session.error",
		trace.WithAttributes(attribute.String("conn_id", s.ID())))
	tracing.RecordError(span, err)
	span.End()

	c.logger.ErrorContext(ctx, "connection error",
		zap.String("conn_id", s.ID()),
		zap.String("user_id", uid),
		zap.Error(err),
	)
	c.events.Publish(Event{Type: EventError, ClientID: s.ID(), UserID: uid, Data: err})

	c.OnClose(ctx, s)
}
