package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client WebSocket 客户端，实现 Session
//
// 发送队列只由一个写协程消费，同一连接的消息按入队顺序写出；
// 生命周期回调只在读协程中调用。
type Client struct {
	id      string
	conn    *websocket.Conn
	header  http.Header
	manager *Manager

	send  chan []byte
	attrs sync.Map

	// 生命周期
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	writeDone chan struct{}
}

// newClient 创建客户端
func newClient(conn *websocket.Conn, r *http.Request, manager *Manager) *Client {
	ctx, cancel := context.WithCancel(manager.ctx)

	c := &Client{
		id:        generateConnID(),
		conn:      conn,
		header:    r.Header.Clone(),
		manager:   manager,
		send:      make(chan []byte, manager.config.MessageQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		writeDone: make(chan struct{}),
	}
	return c
}

// ID 连接 ID
func (c *Client) ID() string {
	return c.id
}

// Header 握手请求头
func (c *Client) Header() http.Header {
	return c.header
}

// Set 设置会话属性
func (c *Client) Set(key string, v any) {
	c.attrs.Store(key, v)
}

// Get 读取会话属性
func (c *Client) Get(key string) (any, bool) {
	return c.attrs.Load(key)
}

// IsOpen 连接是否仍可发送
func (c *Client) IsOpen() bool {
	return !c.closed.Load()
}

// SendAsync 入队（非阻塞），队列满返回 ErrChannelFull
func (c *Client) SendAsync(msg []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close 发送关闭帧后关闭底层连接，可重复调用
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		deadline := time.Now().Add(c.manager.config.WriteWait)
		// 对端已断开时写关闭帧会失败，忽略
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// RemoteAddr 远程地址
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// run 启动写协程并在当前协程读取，直到连接结束
func (c *Client) run() {
	go c.writePump()
	c.readPump()
	<-c.writeDone
}

// readPump 读取消息并驱动生命周期回调
func (c *Client) readPump() {
	coordinator := c.manager.coordinator
	log := c.manager.logger

	defer func() {
		coordinator.OnClose(context.WithoutCancel(c.ctx), c)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	if err := coordinator.OnOpen(c.ctx, c); err != nil {
		return
	}

	cfg := c.manager.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout)); err != nil {
		c.manager.metrics.IncrementReadErrors()
		coordinator.OnError(c.ctx, c, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isUnexpected(err) {
				c.manager.metrics.IncrementReadErrors()
				coordinator.OnError(context.WithoutCancel(c.ctx), c, err)
			}
			return
		}

		// 只处理文本帧
		if messageType != websocket.TextMessage {
			log.Debug("non-text frame ignored", zap.String("conn_id", c.id), zap.Int("type", messageType))
			continue
		}
		coordinator.OnMessage(c.ctx, c, string(data))
	}
}

// isUnexpected 区分传输错误与正常断开
func (c *Client) isUnexpected(err error) bool {
	// 本端主动关闭（被顶替、拒绝、停机）
	if c.closed.Load() {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return websocket.IsUnexpectedCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
		)
	}
	return !errors.Is(err, net.ErrClosed)
}

// writePump 按顺序写出发送队列并定时发送 ping
func (c *Client) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.ctx.Done():
			// 管理器停机时 ctx 被取消，连接可能尚未关闭
			c.Close(websocket.CloseGoingAway, "Server shutting down")
			return

		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.writeFailed(err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				c.writeFailed(err)
				return
			}
		}
	}
}

// write 写入一帧
func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// writeFailed 写失败：丢弃当前消息并关闭连接，读协程随后完成会话清理
func (c *Client) writeFailed(err error) {
	if c.closed.Load() {
		return
	}
	uid, _ := UserIDOf(c)

	c.manager.metrics.IncrementWriteErrors()
	c.manager.metrics.IncrementDroppedMessages()
	c.manager.logger.Warn("write failed, closing connection",
		zap.String("conn_id", c.id),
		zap.String("user_id", uid),
		zap.Error(err),
	)
	c.manager.events.Publish(Event{Type: EventDeliveryFailed, ClientID: c.id, UserID: uid, Data: err})

	c.Close(websocket.CloseInternalServerErr, "write failed")
}
