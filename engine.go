package qichat

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/middleware"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/tracing"
	"github.com/tokmz/qichat/pkg/ws"
)

// Engine 聊天服务的 HTTP 入口
// 承载 WebSocket 升级路由、hello 探针、健康检查与指标暴露
type Engine struct {
	config  *Config
	engine  *gin.Engine
	server  *http.Server
	manager *ws.Manager
	limiter *middleware.RateLimiter
	logger  logger.Logger
}

// New 创建一个新的 Engine 实例，使用 Options 模式配置
func New(manager *ws.Manager, opts ...Option) *Engine {
	// 应用默认配置
	config := defaultConfig()

	// 应用用户提供的选项
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	// gin.SetMode 是全局操作，建议进程内只创建一个 Engine
	if gin.Mode() == gin.DebugMode || config.Mode != gin.DebugMode {
		gin.SetMode(config.Mode)
	}

	// 静默 Gin 默认输出，由 Engine 自行打印
	silenceGin()

	ginEngine := gin.New()
	ginEngine.Use(middleware.Recovery(config.Logger))

	// 设置信任的代理
	if config.TrustedProxies != nil {
		if err := ginEngine.SetTrustedProxies(config.TrustedProxies); err != nil {
			config.Logger.Warn("set trusted proxies failed", zap.Error(err))
		}
	}

	e := &Engine{
		config:  config,
		engine:  ginEngine,
		manager: manager,
		logger:  config.Logger.Named("http"),
	}
	if config.RateLimit != nil {
		if config.RateLimit.Logger == nil {
			config.RateLimit.Logger = e.logger
		}
		e.limiter = middleware.NewRateLimiter(config.RateLimit)
	}

	ginEngine.Use(
		tracing.Middleware(tracing.WithFilter(func(c *gin.Context) bool {
			return c.Request.URL.Path != "/healthz" && c.Request.URL.Path != "/metrics"
		})),
		middleware.Logger(e.logger, &middleware.LoggerConfig{
			Logger:         e.logger,
			ExcludePaths:   []string{"/healthz", "/metrics"},
			IdentityHeader: config.IdentityHeader,
		}),
	)
	e.registerRoutes()

	return e
}

// Handler 返回 HTTP 处理器（测试与自定义 Server 使用）
func (e *Engine) Handler() http.Handler {
	return e.engine
}

// Manager 返回 WebSocket 管理器
func (e *Engine) Manager() *ws.Manager {
	return e.manager
}

// Run 监听配置地址并阻塞，ctx 取消后优雅关机
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		return err
	}
	return e.Serve(ctx, ln)
}

// Serve 在给定 listener 上提供服务，ctx 取消后优雅关机
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	e.server = &http.Server{
		Handler:        e.engine,
		ReadTimeout:    e.config.Server.ReadTimeout,
		WriteTimeout:   e.config.Server.WriteTimeout,
		IdleTimeout:    e.config.Server.IdleTimeout,
		MaxHeaderBytes: e.config.Server.MaxHeaderBytes,
	}

	// 打印 banner 和路由表
	if e.config.Banner {
		e.printBanner(ln.Addr().String())
	}

	errChan := make(chan error, 1)
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	e.logger.Info("server started", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		e.logger.Info("shutting down server")
	}

	return e.gracefulShutdown()
}

// gracefulShutdown 执行优雅关机流程
func (e *Engine) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.Shutdown.Timeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		e.logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	e.logger.Info("server exited")
	return nil
}

// Shutdown 手动关闭服务器
// 先以 1001 关闭所有 WebSocket 连接，再关闭 HTTP Server
func (e *Engine) Shutdown(ctx context.Context) error {
	// 执行关机前回调
	if e.config.Shutdown.BeforeShutdown != nil {
		e.config.Shutdown.BeforeShutdown()
	}

	var errs []error
	if e.manager != nil {
		if err := e.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.limiter != nil {
		e.limiter.Stop()
	}

	// 执行关机后回调
	if e.config.Shutdown.AfterShutdown != nil {
		e.config.Shutdown.AfterShutdown()
	}

	return errors.Join(errs...)
}
