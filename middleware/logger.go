package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/identity"
	"github.com/tokmz/qichat/pkg/logger"
)

// LoggerConfig 日志中间件配置
type LoggerConfig struct {
	// Logger 日志实例（必填）
	Logger logger.Logger

	// SkipFunc 跳过日志的函数
	SkipFunc func(c *gin.Context) bool

	// ExcludePaths 排除的路径（不记录日志），如 /healthz、/metrics
	ExcludePaths []string

	// IdentityHeader 记录到日志中的用户标识请求头（默认 X-User-Id）
	IdentityHeader string
}

// DefaultLoggerConfig 返回默认配置
func DefaultLoggerConfig(log logger.Logger) *LoggerConfig {
	return &LoggerConfig{
		Logger:         log,
		IdentityHeader: identity.DefaultHeader,
	}
}

// Logger 创建访问日志中间件
// 记录请求方法、路径、客户端 IP、用户标识、状态码与耗时；WebSocket 升级请求在握手完成时记录
func Logger(log logger.Logger, cfgs ...*LoggerConfig) gin.HandlerFunc {
	cfg := DefaultLoggerConfig(log)
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = identity.DefaultHeader
	}

	// 构建跳过路径 map
	skipMap := make(map[string]bool)
	for _, path := range cfg.ExcludePaths {
		skipMap[path] = true
	}

	return func(c *gin.Context) {
		// 检查是否跳过
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}
		if skipMap[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		clientIP := c.ClientIP()
		ctx := c.Request.Context()
		if uid := c.GetHeader(cfg.IdentityHeader); uid != "" {
			ctx = logger.WithUserID(ctx, uid)
		}

		c.Next()

		// 计算耗时
		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", clientIP),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		// 根据状态码选择日志级别
		switch {
		case status >= 500:
			cfg.Logger.ErrorContext(ctx, "request", fields...)
		case status >= 400:
			cfg.Logger.WarnContext(ctx, "request", fields...)
		default:
			cfg.Logger.InfoContext(ctx, "request", fields...)
		}
	}
}
