// Package ws 实现聊天连接的会话与分发核心。
//
// # 组成
//
//   - Registry：用户标识到连接的注册表，每个用户只保留一个连接，
//     新连接会以 1000 关闭旧连接；Remove 只删除仍是当前连接的条目。
//   - Coordinator：连接生命周期状态机（Pending -> Active -> Closed），
//     负责识别用户、发送确认、广播消息（排除发送者）以及关闭清理。
//   - Client / Manager：基于 gorilla/websocket 的传输层，每个连接一个读协程
//     驱动状态机，一个写协程顺序写出发送队列。
//
// # 协议
//
//	服务端 -> 客户端，连接成功：{"type":"ack","userId":"alice","sessionId":"<uuid>"}
//	服务端 -> 客户端，聊天消息：{"type":"message","from":"alice","text":"hi"}
//	客户端 -> 服务端：任意文本帧，作为消息正文
//
// 缺少用户标识请求头的连接以 1008 关闭，关闭前不发送任何消息。
//
// # 使用
//
//	m, err := ws.NewManager(
//	    ws.WithMaxConnections(10000),
//	    ws.WithIdentityHeader("X-User-Id"),
//	    ws.WithLogger(log),
//	)
//	if err != nil {
//	    return err
//	}
//
//	r.GET("/chat", func(c *gin.Context) {
//	    _ = m.HandleUpgrade(c.Writer, c.Request)
//	})
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = m.Shutdown(ctx)
package ws
