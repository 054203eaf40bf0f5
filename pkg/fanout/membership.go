package fanout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/ws"
)

// directoryTimeout 单次目录操作超时
const directoryTimeout = 3 * time.Second

var _ ws.Membership = (*ChannelMembership)(nil)

// ChannelMembership 把本节点的在线用户同步到频道目录，由 Coordinator 在状态转换中同步调用
// 用户在 OnOpen 返回前已在目录中，Relay 随后解析频道时一定能看到
type ChannelMembership struct {
	dir     Directory
	channel string
	logger  logger.Logger
}

// NewChannelMembership 创建频道成员维护
func NewChannelMembership(dir Directory, channel string, log logger.Logger) *ChannelMembership {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChannelMembership{dir: dir, channel: channel, logger: log}
}

// Joined 加入频道，顶替连接重复加入时忽略
func (m *ChannelMembership) Joined(ctx context.Context, userID string) {
	// 连接关闭会取消 ctx，目录操作不随之中断
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directoryTimeout)
	defer cancel()

	err := m.dir.Join(ctx, m.channel, userID)
	if err != nil && !errors.Is(err, ErrAlreadyInChannel) {
		m.logger.WarnContext(ctx, "join channel failed",
			zap.String("channel", m.channel),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// Left 离开频道
func (m *ChannelMembership) Left(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directoryTimeout)
	defer cancel()

	if err := m.dir.Leave(ctx, m.channel, userID); err != nil {
		m.logger.WarnContext(ctx, "leave channel failed",
			zap.String("channel", m.channel),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
