package qichat

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/middleware"
	"github.com/tokmz/qichat/pkg/config"
	"github.com/tokmz/qichat/pkg/fanout"
	"github.com/tokmz/qichat/pkg/identity"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/tracing"
	"github.com/tokmz/qichat/pkg/ws"
)

// EnvPrefix 环境变量前缀，如 QICHAT_SERVER_ADDR 覆盖 server.addr
const EnvPrefix = "QICHAT"

// AppConfig chatd 进程配置
type AppConfig struct {
	Server  ServerSection  `mapstructure:"server"`
	WS      WSSection      `mapstructure:"ws"`
	Log     LogSection     `mapstructure:"log"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Metrics MetricsSection `mapstructure:"metrics"`
	Fanout  fanout.Config  `mapstructure:"fanout"`
}

// ServerSection HTTP 服务配置
type ServerSection struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // debug/release/test
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	TrustedProxies  []string      `mapstructure:"trustedProxies"`
	Banner          bool          `mapstructure:"banner"`
}

// WSSection WebSocket 配置
type WSSection struct {
	Path              string        `mapstructure:"path"`
	IdentityHeader    string        `mapstructure:"identityHeader"`
	MaxConnections    int           `mapstructure:"maxConnections"`
	QueueSize         int           `mapstructure:"queueSize"`
	MaxMessageSize    int64         `mapstructure:"maxMessageSize"`
	HandshakeTimeout  time.Duration `mapstructure:"handshakeTimeout"`
	WriteWait         time.Duration `mapstructure:"writeWait"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeatTimeout"`
	AllowedOrigins    []string      `mapstructure:"allowedOrigins"`
	EnableCompression bool          `mapstructure:"enableCompression"`

	// RateLimit 每个客户端 IP 每秒握手次数，0 表示不限流
	RateLimit float64 `mapstructure:"rateLimit"`
	RateBurst int     `mapstructure:"rateBurst"`
}

// LogSection 日志配置
type LogSection struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json/console
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"maxSize"` // MB，File 不为空时按大小轮转
	MaxAge     int    `mapstructure:"maxAge"`  // 天
	MaxBackups int    `mapstructure:"maxBackups"`
	Compress   bool   `mapstructure:"compress"`
	Caller     bool   `mapstructure:"caller"`
}

// MetricsSection 指标配置
type MetricsSection struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Subsystem string `mapstructure:"subsystem"`
}

// DefaultAppConfig 默认配置
func DefaultAppConfig() *AppConfig {
	wsDefaults := ws.DefaultConfig()
	return &AppConfig{
		Server: ServerSection{
			Addr:            ":8080",
			Mode:            gin.ReleaseMode,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Banner:          true,
		},
		WS: WSSection{
			Path:              "/chat",
			IdentityHeader:    identity.DefaultHeader,
			MaxConnections:    wsDefaults.MaxConnections,
			QueueSize:         wsDefaults.MessageQueueSize,
			MaxMessageSize:    wsDefaults.MaxMessageSize,
			HandshakeTimeout:  wsDefaults.HandshakeTimeout,
			WriteWait:         wsDefaults.WriteWait,
			HeartbeatInterval: wsDefaults.HeartbeatInterval,
			HeartbeatTimeout:  wsDefaults.HeartbeatTimeout,
		},
		Log: LogSection{
			Level:   "info",
			Format:  string(logger.JSONFormat),
			Console: true,
		},
		Tracing: *tracing.DefaultConfig(),
		Metrics: MetricsSection{
			Enabled:   true,
			Namespace: "qichat",
			Subsystem: "ws",
		},
		Fanout: *fanout.DefaultConfig(),
	}
}

// defaultValues 注册到 viper 的默认值，环境变量只能覆盖已知的键
func defaultValues(d *AppConfig) map[string]any {
	return map[string]any{
		"server.addr":            d.Server.Addr,
		"server.mode":            d.Server.Mode,
		"server.readTimeout":     d.Server.ReadTimeout,
		"server.writeTimeout":    d.Server.WriteTimeout,
		"server.idleTimeout":     d.Server.IdleTimeout,
		"server.shutdownTimeout": d.Server.ShutdownTimeout,
		"server.banner":          d.Server.Banner,

		"ws.path":              d.WS.Path,
		"ws.identityHeader":    d.WS.IdentityHeader,
		"ws.maxConnections":    d.WS.MaxConnections,
		"ws.queueSize":         d.WS.QueueSize,
		"ws.maxMessageSize":    d.WS.MaxMessageSize,
		"ws.handshakeTimeout":  d.WS.HandshakeTimeout,
		"ws.writeWait":         d.WS.WriteWait,
		"ws.heartbeatInterval": d.WS.HeartbeatInterval,
		"ws.heartbeatTimeout":  d.WS.HeartbeatTimeout,
		"ws.rateLimit":         d.WS.RateLimit,
		"ws.rateBurst":         d.WS.RateBurst,

		"log.level":   d.Log.Level,
		"log.format":  d.Log.Format,
		"log.console": d.Log.Console,
		"log.file":    d.Log.File,

		"tracing.enabled":      d.Tracing.Enabled,
		"tracing.serviceName":  d.Tracing.ServiceName,
		"tracing.exporter":     d.Tracing.ExporterType,
		"tracing.endpoint":     d.Tracing.ExporterEndpoint,
		"tracing.samplingType": d.Tracing.SamplingType,
		"tracing.samplingRate": d.Tracing.SamplingRate,

		"metrics.enabled":   d.Metrics.Enabled,
		"metrics.namespace": d.Metrics.Namespace,
		"metrics.subsystem": d.Metrics.Subsystem,

		"fanout.driver":         string(d.Fanout.Driver),
		"fanout.nodeId":         d.Fanout.NodeID,
		"fanout.channel":        d.Fanout.Channel,
		"fanout.redis.addr":     d.Fanout.Redis.Addr,
		"fanout.redis.password": d.Fanout.Redis.Password,
		"fanout.kafka.brokers":  d.Fanout.Kafka.Brokers,
		"fanout.amqp.url":       d.Fanout.AMQP.URL,
	}
}

// LoadAppConfig 加载配置：默认值 < 配置文件 < QICHAT_ 环境变量
// path 为空时只使用默认值与环境变量；返回的 *config.Config 用于文件监控
func LoadAppConfig(path string, opts ...config.Option) (*AppConfig, *config.Config, error) {
	cfg := DefaultAppConfig()

	base := []config.Option{
		config.WithDefaults(defaultValues(cfg)),
		config.WithEnvPrefix(EnvPrefix),
		config.WithEnvKeyReplacer(strings.NewReplacer(".", "_")),
	}
	if path != "" {
		base = append(base, config.WithConfigFile(path))
	}
	loader := config.New(append(base, opts...)...)

	if err := loader.Load(); err != nil {
		return nil, nil, err
	}
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// Validate 验证配置
func (a *AppConfig) Validate() error {
	if a.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", config.ErrConfigDecodeFailed)
	}
	switch a.Server.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return fmt.Errorf("%w: invalid server.mode %q", config.ErrConfigDecodeFailed, a.Server.Mode)
	}
	if !strings.HasPrefix(a.WS.Path, "/") {
		return fmt.Errorf("%w: ws.path must start with '/', got %q", config.ErrConfigDecodeFailed, a.WS.Path)
	}
	if _, err := logger.ParseLevel(a.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfigDecodeFailed, err)
	}
	if _, err := logger.ParseFormat(a.Log.Format); err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfigDecodeFailed, err)
	}
	if a.Tracing.Enabled {
		if err := a.Tracing.Validate(); err != nil {
			return err
		}
	}
	return a.Fanout.Validate()
}

// LoggerConfig 转换为 logger.Config
func (a *AppConfig) LoggerConfig() (*logger.Config, error) {
	level, err := logger.ParseLevel(a.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseFormat(a.Log.Format)
	if err != nil {
		return nil, err
	}
	cfg := &logger.Config{
		Level:        level,
		Format:       format,
		Console:      a.Log.Console,
		EnableCaller: a.Log.Caller,
	}
	if a.Log.File != "" {
		if a.Log.MaxSize > 0 {
			cfg.Rotate = &logger.RotateConfig{
				Filename:   a.Log.File,
				MaxSize:    a.Log.MaxSize,
				MaxAge:     a.Log.MaxAge,
				MaxBackups: a.Log.MaxBackups,
				Compress:   a.Log.Compress,
			}
		} else {
			cfg.File = a.Log.File
		}
	}
	return cfg, nil
}

// WSOptions 转换为 ws.Manager 选项
func (a *AppConfig) WSOptions() []ws.Option {
	s := a.WS
	opts := []ws.Option{
		ws.WithIdentityHeader(s.IdentityHeader),
		ws.WithMaxConnections(s.MaxConnections),
		ws.WithMessageQueueSize(s.QueueSize),
		ws.WithMessageSizeLimit(s.MaxMessageSize),
		ws.WithWriteWait(s.WriteWait),
		ws.WithHeartbeat(s.HeartbeatInterval, s.HeartbeatTimeout),
		ws.WithEnableCompression(s.EnableCompression),
		func(c *ws.Config) {
			c.HandshakeTimeout = s.HandshakeTimeout
		},
	}
	if len(s.AllowedOrigins) > 0 {
		opts = append(opts, ws.WithCheckOriginWhitelist(s.AllowedOrigins))
	}
	return opts
}

// EngineOptions 转换为 Engine 选项
func (a *AppConfig) EngineOptions() []Option {
	opts := []Option{
		WithAddr(a.Server.Addr),
		WithMode(a.Server.Mode),
		WithReadTimeout(a.Server.ReadTimeout),
		WithWriteTimeout(a.Server.WriteTimeout),
		WithIdleTimeout(a.Server.IdleTimeout),
		WithShutdownTimeout(a.Server.ShutdownTimeout),
		WithChatPath(a.WS.Path),
		WithIdentityHeader(a.WS.IdentityHeader),
		WithBanner(a.Server.Banner),
	}
	if len(a.Server.TrustedProxies) > 0 {
		opts = append(opts, WithTrustedProxies(a.Server.TrustedProxies...))
	}
	if a.WS.RateLimit > 0 {
		opts = append(opts, WithRateLimit(&middleware.RateLimiterConfig{
			RequestsPerSecond: a.WS.RateLimit,
			Burst:             a.WS.RateBurst,
		}))
	}
	return opts
}

// LevelReloader 配置文件变更时热更新日志级别
// 加载配置时日志还未创建，先注册 OnChange 再 Bind
type LevelReloader struct {
	log atomic.Pointer[logger.Logger]
}

// Bind 绑定需要热更新的日志
func (r *LevelReloader) Bind(l logger.Logger) {
	r.log.Store(&l)
}

// OnChange 作为 config.WithOnChange 回调使用
func (r *LevelReloader) OnChange(c *config.Config) {
	p := r.log.Load()
	if p == nil {
		return
	}
	log := *p

	raw := c.GetString("log.level")
	level, err := logger.ParseLevel(raw)
	if err != nil {
		log.Warn("ignore invalid log level", zap.String("level", raw), zap.Error(err))
		return
	}
	if level == log.Level() {
		return
	}
	log.SetLevel(level)
	log.Info("log level changed", zap.String("level", level.String()))
}
