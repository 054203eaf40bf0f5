package fanout

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBus 进程内总线，信封经过编解码后投递给所有订阅者
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan []byte
	nextID int
	buffer int
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// NewMemoryBus 创建进程内总线，buffer 为每个订阅者的缓冲大小
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{
		subs:   make(map[int]chan []byte),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

// Publish 发布信封，订阅者缓冲满时丢弃该订阅者的这条消息
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackendClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- data:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe 阻塞接收信封，直到 ctx 取消或总线关闭
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBackendClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case data := <-ch:
			env, err := Decode(data)
			if err != nil {
				continue
			}
			h(ctx, env)
		}
	}
}

// Subscribers 当前订阅者数量
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 因缓冲满丢弃的消息数
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭总线
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
