package fanout

import "github.com/tokmz/qichat/pkg/errors"

// 错误定义（4xxx）
var (
	ErrUnknownDriver    = errors.New(4001, 500, "未知的分发驱动", nil)
	ErrInvalidConfig    = errors.New(4002, 500, "分发配置错误", nil)
	ErrInvalidEnvelope  = errors.New(4003, 400, "消息信封无效", nil)
	ErrBackendClosed    = errors.New(4004, 503, "分发后端已关闭", nil)
	ErrPublishFailed    = errors.New(4005, 500, "消息发布失败", nil)
	ErrBackendConnect   = errors.New(4006, 503, "分发后端连接失败", nil)
	ErrChannelFull      = errors.New(4101, 400, "频道人数已达上限", nil)
	ErrAlreadyInChannel = errors.New(4102, 400, "已在频道中", nil)
	ErrDirectoryFailed  = errors.New(4103, 500, "频道成员查询失败", nil)
)
