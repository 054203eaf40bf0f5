package logger

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID 在 context 中记录用户标识，*Context 日志方法会自动带出
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom 读取 context 中的用户标识
func UserIDFrom(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(userIDKey).(string)
	return uid, ok && uid != ""
}
