package ws

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/qichat/pkg/identity"
	"github.com/tokmz/qichat/pkg/logger"
)

// Config WebSocket 配置
type Config struct {
	// 连接配置
	MaxConnections   int           // 最大连接数
	HandshakeTimeout time.Duration // 握手超时时间
	MaxMessageSize   int64         // 最大消息大小
	WriteWait        time.Duration // 单次写超时

	// 心跳配置
	HeartbeatInterval time.Duration // ping 间隔
	HeartbeatTimeout  time.Duration // 超过该时间未收到 pong 视为断开

	// 队列配置
	MessageQueueSize int // 每个连接的发送队列大小
	EventWorkers     int // 事件总线 worker 数
	EventQueueSize   int // 事件总线队列大小

	// 用户标识请求头（默认 X-User-Id）
	IdentityHeader string

	UpgraderConfig UpgraderConfig

	// 依赖
	Logger     logger.Logger
	Metrics    Metrics
	Resolver   identity.Resolver // 为空时按 IdentityHeader 创建
	Tracer     trace.Tracer
	Forwarder  Forwarder
	Membership Membership
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize    int                      // 读缓冲区大小
	WriteBufferSize   int                      // 写缓冲区大小
	CheckOrigin       func(*http.Request) bool // Origin 检查函数
	EnableCompression bool                     // 是否启用压缩
	AllowedOrigins    []string                 // Origin 白名单，包含 "*" 时允许所有来源
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    64 * 1024,
		WriteWait:         10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		MessageQueueSize:  256,
		EventWorkers:      4,
		EventQueueSize:    1024,
		IdentityHeader:    identity.DefaultHeader,
		UpgraderConfig: UpgraderConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch {
	case c.MaxConnections <= 0:
		return fmt.Errorf("%w: MaxConnections must be positive, got %d", ErrInvalidConfig, c.MaxConnections)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: HandshakeTimeout must be positive, got %v", ErrInvalidConfig, c.HandshakeTimeout)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	case c.WriteWait <= 0:
		return fmt.Errorf("%w: WriteWait must be positive, got %v", ErrInvalidConfig, c.WriteWait)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: HeartbeatInterval must be positive, got %v", ErrInvalidConfig, c.HeartbeatInterval)
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.MessageQueueSize <= 0:
		return fmt.Errorf("%w: MessageQueueSize must be positive, got %d", ErrInvalidConfig, c.MessageQueueSize)
	case c.UpgraderConfig.ReadBufferSize <= 0 || c.UpgraderConfig.WriteBufferSize <= 0:
		return fmt.Errorf("%w: upgrader buffer sizes must be positive", ErrInvalidConfig)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithMessageQueueSize 设置发送队列大小
func WithMessageQueueSize(size int) Option {
	return func(c *Config) {
		c.MessageQueueSize = size
	}
}

// WithWriteWait 设置写超时
func WithWriteWait(d time.Duration) Option {
	return func(c *Config) {
		c.WriteWait = d
	}
}

// WithIdentityHeader 设置用户标识请求头
func WithIdentityHeader(name string) Option {
	return func(c *Config) {
		c.IdentityHeader = name
	}
}

// WithResolver 设置自定义用户标识解析器
func WithResolver(r identity.Resolver) Option {
	return func(c *Config) {
		c.Resolver = r
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
// 示例：WithCheckOriginWhitelist([]string{"https://example.com", "https://app.example.com"})
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.UpgraderConfig.AllowedOrigins = allowedOrigins
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// WithEnableCompression 启用压缩
func WithEnableCompression(enable bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.EnableCompression = enable
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracerProvider 设置 Tracer
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.Tracer = tp.Tracer("qichat.ws")
	}
}

// WithForwarder 设置跨节点转发
func WithForwarder(f Forwarder) Option {
	return func(c *Config) {
		c.Forwarder = f
	}
}

// WithMembership 设置会话成员关系维护（跨节点频道目录）
func WithMembership(m Membership) Option {
	return func(c *Config) {
		c.Membership = m
	}
}

// createWhitelistChecker 创建白名单检查器
// 没有 Origin 头的请求来自非浏览器客户端，直接放行
func createWhitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	if slices.Contains(allowedOrigins, "*") {
		return func(*http.Request) bool { return true }
	}

	whitelist := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		whitelist[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := whitelist[origin]
		return ok
	}
}

// newUpgrader 创建升级器
// 未设置 CheckOrigin 与白名单时使用 gorilla 默认的同源检查
func newUpgrader(cfg UpgraderConfig, handshakeTimeout time.Duration) *websocket.Upgrader {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil && len(cfg.AllowedOrigins) > 0 {
		checkOrigin = createWhitelistChecker(cfg.AllowedOrigins)
	}

	return &websocket.Upgrader{
		HandshakeTimeout:  handshakeTimeout,
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		CheckOrigin:       checkOrigin,
		EnableCompression: cfg.EnableCompression,
	}
}
