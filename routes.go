package qichat

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/ws"
)

// registerRoutes 注册路由
func (e *Engine) registerRoutes() {
	e.engine.GET("/", e.hello)
	e.engine.GET("/healthz", e.healthz)

	if e.config.Gatherer != nil {
		e.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(e.config.Gatherer, promhttp.HandlerOpts{})))
	}

	if e.manager == nil {
		return
	}
	chat := []gin.HandlerFunc{}
	if e.limiter != nil {
		chat = append(chat, e.limiter.Handler())
	}
	chat = append(chat, e.upgrade)
	e.engine.GET(e.config.ChatPath, chat...)
}

// hello 探针，回显上游代理注入的用户标识
func (e *Engine) hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "hello",
		"userId":  c.GetHeader(e.config.IdentityHeader),
	})
}

// healthStatus 健康检查数据
type healthStatus struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

// healthResponse 健康检查响应，与错误响应共用 code/message 字段
type healthResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    healthStatus `json:"data"`
}

// healthz 健康检查
func (e *Engine) healthz(c *gin.Context) {
	var status healthStatus
	if e.manager != nil {
		status.Connections = e.manager.ClientCount()
		status.Sessions = e.manager.Registry().Count()
	}
	c.JSON(http.StatusOK, healthResponse{Code: http.StatusOK, Message: "ok", Data: status})
}

// upgrade 把请求交给 Manager 升级为 WebSocket
// 升级失败时响应已写出，这里只记录错误
func (e *Engine) upgrade(c *gin.Context) {
	if err := e.manager.HandleUpgrade(c.Writer, c.Request); err != nil {
		_ = c.Error(err)
		if errors.Is(err, ws.ErrTooManyConnections) || errors.Is(err, ws.ErrManagerClosed) {
			return
		}
		e.logger.DebugContext(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
	}
}
