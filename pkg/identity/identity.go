// Package identity 从握手请求头中解析可信的用户标识
//
// 标识头由上游可信代理写入（默认 X-User-Id），这里只负责读取与规整，
// 不做鉴权，也不会在缺失时生成默认值。
package identity

import (
	"net/http"
	"strings"
)

// DefaultHeader 默认的用户标识请求头
const DefaultHeader = "X-User-Id"

// HeaderGetter 请求头读取能力（http.Header 满足此接口，名称大小写不敏感）
type HeaderGetter interface {
	Get(name string) string
}

// Resolver 用户标识解析器
type Resolver interface {
	// Resolve 返回去除首尾空白后的非空标识；缺失或为空时返回 false
	Resolve(h HeaderGetter) (string, bool)
}

// HeaderResolver 读取单个指定请求头的解析器
type HeaderResolver struct {
	Header string
}

// NewHeaderResolver 创建解析器，name 为空时使用 DefaultHeader
func NewHeaderResolver(name string) *HeaderResolver {
	if strings.TrimSpace(name) == "" {
		name = DefaultHeader
	}
	return &HeaderResolver{Header: http.CanonicalHeaderKey(strings.TrimSpace(name))}
}

// Resolve 实现 Resolver
func (r *HeaderResolver) Resolve(h HeaderGetter) (string, bool) {
	if h == nil {
		return "", false
	}
	id := strings.TrimSpace(h.Get(r.Header))
	if id == "" {
		return "", false
	}
	return id, true
}

// ResolverFunc 函数适配器
type ResolverFunc func(h HeaderGetter) (string, bool)

// Resolve 实现 Resolver
func (f ResolverFunc) Resolve(h HeaderGetter) (string, bool) {
	return f(h)
}
