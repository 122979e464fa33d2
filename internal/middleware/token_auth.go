// Package middleware 提供提交接口的 Token 鉴权：Authorization: Bearer <token> 或 x-api-key。
package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"tokenboard/internal/auth"
	"tokenboard/internal/store"
)

// TokenResolver 是凭据解析的协作方接口，*store.Store 即为默认实现。
type TokenResolver interface {
	GetTokenAuthByRawToken(ctx context.Context, rawToken string) (store.TokenAuth, error)
}

func TokenAuth(resolver TokenResolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				raw = strings.TrimSpace(r.Header.Get("x-api-key"))
			}
			if raw == "" {
				writeAuthError(w, http.StatusUnauthorized, "未提供 Token")
				return
			}
			ta, err := resolver.GetTokenAuthByRawToken(r.Context(), raw)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeAuthError(w, http.StatusUnauthorized, "Token 无效")
					return
				}
				slog.Error("token 鉴权失败", "request_id", GetRequestID(r.Context()), "err", err)
				writeAuthError(w, http.StatusInternalServerError, "鉴权失败")
				return
			}
			tokenID := ta.TokenID
			p := auth.Principal{
				ActorType:   auth.ActorTypeToken,
				UserID:      ta.UserID,
				TokenID:     &tokenID,
				Username:    ta.Username,
				CountryCode: ta.CountryCode,
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	code := "unauthorized"
	if status >= 500 {
		code = "storage_failure"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"code":    code,
		"message": msg,
	})
}

func extractBearer(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
