package router

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tokenboard/internal/middleware"
	"tokenboard/internal/pipeline"
)

func wrapHTTP(h http.Handler) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func wrapHTTPFunc(f http.HandlerFunc) gin.HandlerFunc {
	if f == nil {
		return wrapHTTP(nil)
	}
	return wrapHTTP(f)
}

// httpMiddleware 把 net/http 中间件链挂到 gin 上：链的末端替换 c.Request（携带 principal、超时等）
// 后继续执行后续 gin handler；中间件自行写出响应（如 401）时中止。
func httpMiddleware(mws ...middleware.Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		reached := false
		h := middleware.Chain(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			reached = true
			c.Request = r
			c.Next()
		}), mws...)
		h.ServeHTTP(c.Writer, c.Request)
		if !reached {
			c.Abort()
		}
	}
}

func errorStatus(reason string) int {
	switch reason {
	case "invalid_input":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusUnauthorized
	case "duplicate_ownership":
		return http.StatusConflict
	case "rate_limited":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError 按拒绝原因输出统一的错误体；存储类错误不向客户端暴露细节。
func writeError(c *gin.Context, err error) {
	reason := pipeline.Reason(err)
	status := errorStatus(reason)
	body := gin.H{"success": false, "code": reason, "message": err.Error()}

	var rl *pipeline.RateLimitError
	if errors.As(err, &rl) {
		secs := rl.RetryAfterSeconds()
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
		body["retry_after_seconds"] = secs
	}
	var conflict *pipeline.OwnershipConflictError
	if errors.As(err, &conflict) {
		body["conflicts"] = len(conflict.Conflicts)
	}
	if status >= http.StatusInternalServerError {
		body["message"] = "存储暂不可用，请稍后重试"
	}
	c.JSON(status, body)
}

func writeInvalid(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "invalid_input", "message": msg})
}
