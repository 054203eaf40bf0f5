package ws

import (
	"sync"
	"sync/atomic"
)

// ConnectionPool 连接池：限制总连接数并跟踪所有存活的客户端
// 与 Registry 不同，这里按连接 ID 记录，包括尚未识别用户的连接
type ConnectionPool struct {
	clients  sync.Map     // connID -> *Client
	slots    atomic.Int64 // 已占用名额（含升级中的连接）
	maxConns int64
}

// NewConnectionPool 创建连接池
func NewConnectionPool(maxConns int) *ConnectionPool {
	return &ConnectionPool{maxConns: int64(maxConns)}
}

// Reserve 在升级前占用一个名额，超出上限返回 false
func (p *ConnectionPool) Reserve() bool {
	if p.slots.Add(1) > p.maxConns {
		p.slots.Add(-1)
		return false
	}
	return true
}

// Release 归还未使用的名额（升级失败时）
func (p *ConnectionPool) Release() {
	p.slots.Add(-1)
}

// Add 登记已占用名额的客户端
func (p *ConnectionPool) Add(client *Client) error {
	if _, loaded := p.clients.LoadOrStore(client.ID(), client); loaded {
		return ErrClientIDExists
	}
	return nil
}

// Remove 移除客户端并归还名额
func (p *ConnectionPool) Remove(client *Client) bool {
	if !p.clients.CompareAndDelete(client.ID(), client) {
		return false
	}
	p.slots.Add(-1)
	return true
}

// Get 获取客户端
func (p *ConnectionPool) Get(connID string) (*Client, bool) {
	v, ok := p.clients.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// Count 已占用的名额数
func (p *ConnectionPool) Count() int {
	return int(p.slots.Load())
}

// Range 遍历所有客户端
func (p *ConnectionPool) Range(f func(*Client) bool) {
	p.clients.Range(func(_, value any) bool {
		return f(value.(*Client))
	})
}
