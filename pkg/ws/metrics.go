package ws

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)
	SetSessionCount(count int)

	// 会话指标
	IncrementRejectedSessions()
	IncrementReplacedSessions()

	// 消息指标
	IncrementMessageCount(msgType string)
	AddDeliveredMessages(n int)
	RecordBroadcastLatency(d time.Duration)
	IncrementDroppedMessages()

	// 错误指标
	IncrementReadErrors()
	IncrementWriteErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections()                {}
func (NoopMetrics) DecrementConnections()                {}
func (NoopMetrics) SetConnectionCount(int)               {}
func (NoopMetrics) SetSessionCount(int)                  {}
func (NoopMetrics) IncrementRejectedSessions()           {}
func (NoopMetrics) IncrementReplacedSessions()           {}
func (NoopMetrics) IncrementMessageCount(string)         {}
func (NoopMetrics) AddDeliveredMessages(int)             {}
func (NoopMetrics) RecordBroadcastLatency(time.Duration) {}
func (NoopMetrics) IncrementDroppedMessages()            {}
func (NoopMetrics) IncrementReadErrors()                 {}
func (NoopMetrics) IncrementWriteErrors()                {}
