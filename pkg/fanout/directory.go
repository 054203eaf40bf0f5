package fanout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Directory 频道成员目录，Relay 用它把频道解析为投递目标
type Directory interface {
	Join(ctx context.Context, channel, userID string) error
	Leave(ctx context.Context, channel, userID string) error
	Members(ctx context.Context, channel string) ([]string, error)
}

// DirectoryConfig 内存目录配置
type DirectoryConfig struct {
	MaxChannelSize  int           // 单个频道最大人数，0 表示不限制
	CleanupInterval time.Duration // 清理间隔
	EmptyChannelTTL time.Duration // 空频道存活时间
}

// DefaultDirectoryConfig 默认配置，频道人数不限
// 节点频道容纳本节点全部在线用户，人数上限应不小于 ws.Config.MaxConnections
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		CleanupInterval: 5 * time.Minute,
		EmptyChannelTTL: 10 * time.Minute,
	}
}

// channelEntry 频道
// removed 置位后该条目已不在目录中，Join 需要重新获取
type channelEntry struct {
	mu      sync.Mutex
	members map[string]struct{}
	touched time.Time // 最近一次成员变化
	removed bool
}

// MemoryDirectory 进程内频道目录
type MemoryDirectory struct {
	channels sync.Map // channel -> *channelEntry
	config   DirectoryConfig
}

// NewMemoryDirectory 创建内存目录
func NewMemoryDirectory(config DirectoryConfig) *MemoryDirectory {
	return &MemoryDirectory{config: config}
}

// Join 加入频道，频道不存在时创建
func (d *MemoryDirectory) Join(_ context.Context, channel, userID string) error {
	for {
		value, _ := d.channels.LoadOrStore(channel, &channelEntry{
			members: make(map[string]struct{}),
			touched: time.Now(),
		})
		ch := value.(*channelEntry)

		ch.mu.Lock()
		if ch.removed {
			// 与清理并发，条目已被删除
			ch.mu.Unlock()
			continue
		}
		err := d.add(ch, userID)
		ch.mu.Unlock()
		return err
	}
}

// add 在持有 ch.mu 时调用
func (d *MemoryDirectory) add(ch *channelEntry, userID string) error {
	if _, ok := ch.members[userID]; ok {
		return ErrAlreadyInChannel
	}
	if d.config.MaxChannelSize > 0 && len(ch.members) >= d.config.MaxChannelSize {
		return ErrChannelFull
	}
	ch.members[userID] = struct{}{}
	ch.touched = time.Now()
	return nil
}

// Leave 离开频道
func (d *MemoryDirectory) Leave(_ context.Context, channel, userID string) error {
	value, ok := d.channels.Load(channel)
	if !ok {
		return nil
	}
	ch := value.(*channelEntry)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.members[userID]; ok {
		delete(ch.members, userID)
		ch.touched = time.Now()
	}
	return nil
}

// Members 频道成员快照（按字典序），频道不存在时返回空
func (d *MemoryDirectory) Members(_ context.Context, channel string) ([]string, error) {
	value, ok := d.channels.Load(channel)
	if !ok {
		return nil, nil
	}
	ch := value.(*channelEntry)

	ch.mu.Lock()
	members := make([]string, 0, len(ch.members))
	for id := range ch.members {
		members = append(members, id)
	}
	ch.mu.Unlock()

	sort.Strings(members)
	return members, nil
}

// ChannelCount 频道数量
func (d *MemoryDirectory) ChannelCount() int {
	count := 0
	d.channels.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// RunCleanup 定期清理空频道，直到 ctx 取消
func (d *MemoryDirectory) RunCleanup(ctx context.Context) {
	if d.config.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cleanupEmptyChannels(time.Now())
		}
	}
}

// cleanupEmptyChannels 清理空闲超过 TTL 的空频道
// 判断与删除在条目锁内完成，并发的 Join 要么先加入成员使频道非空，要么看到 removed 后重试
func (d *MemoryDirectory) cleanupEmptyChannels(now time.Time) {
	d.channels.Range(func(key, value any) bool {
		ch := value.(*channelEntry)

		ch.mu.Lock()
		if len(ch.members) == 0 && now.Sub(ch.touched) > d.config.EmptyChannelTTL {
			ch.removed = true
			d.channels.CompareAndDelete(key, ch)
		}
		ch.mu.Unlock()
		return true
	})
}

// RedisDirectory 基于 Redis Set 的频道目录，多个节点共享
type RedisDirectory struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDirectory 创建 Redis 目录，键为 <prefix>channel:<id>
func NewRedisDirectory(client redis.UniversalClient, prefix string) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: prefix}
}

func (d *RedisDirectory) key(channel string) string {
	return d.prefix + "channel:" + channel
}

// Join 加入频道
func (d *RedisDirectory) Join(ctx context.Context, channel, userID string) error {
	added, err := d.client.SAdd(ctx, d.key(channel), userID).Result()
	if err != nil {
		return ErrDirectoryFailed.WithError(err)
	}
	if added == 0 {
		return ErrAlreadyInChannel
	}
	return nil
}

// Leave 离开频道
func (d *RedisDirectory) Leave(ctx context.Context, channel, userID string) error {
	if err := d.client.SRem(ctx, d.key(channel), userID).Err(); err != nil {
		return ErrDirectoryFailed.WithError(err)
	}
	return nil
}

// Members 频道成员（按字典序）
func (d *RedisDirectory) Members(ctx context.Context, channel string) ([]string, error) {
	members, err := d.client.SMembers(ctx, d.key(channel)).Result()
	if err != nil {
		return nil, ErrDirectoryFailed.WithError(err)
	}
	sort.Strings(members)
	return members, nil
}
