// Package auth 提供请求主体信息（token 持有者）与随机 Token 工具。
package auth

import (
	"context"
)

type ActorType string

const (
	ActorTypeToken ActorType = "token"
	// ActorTypeAdmin 表示来自管理命令行的操作，不经过 HTTP 鉴权。
	ActorTypeAdmin ActorType = "admin"
)

type Principal struct {
	ActorType   ActorType
	UserID      int64
	TokenID     *int64
	Username    string
	CountryCode *string
}

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
