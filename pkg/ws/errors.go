package ws

import "github.com/tokmz/qichat/pkg/errors"

// 错误定义（2xxx）
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New(2001, 503, "连接数已达上限", nil)
	ErrClientIDExists     = errors.New(2002, 500, "连接 ID 重复", nil)
	ErrConnectionClosed   = errors.New(2003, 500, "连接已关闭", nil)
	ErrChannelFull        = errors.New(2004, 500, "发送队列已满", nil)
	ErrManagerClosed      = errors.New(2005, 503, "连接管理器已关闭", nil)

	// 会话相关错误
	ErrIdentityAbsent = errors.New(2101, 401, "缺少有效的用户标识", nil)
	ErrAckFailed      = errors.New(2102, 500, "确认消息发送失败", nil)

	// 配置相关错误
	ErrInvalidConfig = errors.New(2201, 500, "连接配置错误", nil)
)
