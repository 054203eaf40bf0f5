package errors

/*
	错误码分段
	1xxx 通用
	2xxx 连接与会话（pkg/ws）
	3xxx 配置（pkg/config）
	4xxx 跨节点分发（pkg/fanout）
	5xxx 链路追踪（pkg/tracing）
*/

var (
	// ErrServer 服务器错误
	ErrServer = New(1000, 500, "服务器异常", nil)
	// ErrBadRequest 客户端请求错误
	ErrBadRequest = New(1001, 400, "请求异常", nil)
	// ErrUnauthorized 未授权
	ErrUnauthorized = New(1002, 401, "授权异常", nil)
	// ErrUnavailable 服务不可用
	ErrUnavailable = New(1005, 503, "服务不可用", nil)
)
