package router

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"tokenboard/internal/auth"
	"tokenboard/internal/middleware"
	"tokenboard/internal/pipeline"
)

func setUsageAPIRoutes(r gin.IRoutes, opts Options) {
	authn := httpMiddleware(
		middleware.RequestID,
		middleware.AccessLog,
		middleware.TokenAuth(opts.Store),
		middleware.RequestTimeout(opts.RequestTimeout),
		middleware.MaxBytes(opts.MaxBodyBytes),
	)
	r.POST("/usage/submit", authn, submitUsageHandler(opts))
}

func submitUsageHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Pipeline == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "code": "storage_failure", "message": "提交服务未初始化"})
			return
		}
		ctx := c.Request.Context()
		p, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			writeError(c, pipeline.ErrUnauthorized)
			return
		}

		if opts.Inflight != nil {
			if !opts.Inflight.Acquire(p.UserID) {
				c.Header("Retry-After", "1")
				c.JSON(http.StatusTooManyRequests, gin.H{
					"success":             false,
					"code":                "rate_limited",
					"message":             "已有提交正在处理，请稍后重试",
					"retry_after_seconds": 1,
				})
				return
			}
			defer opts.Inflight.Release(p.UserID)
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "code": "invalid_input", "message": "请求体过大"})
				return
			}
			writeInvalid(c, "读取请求体失败")
			return
		}

		res, err := opts.Pipeline.Submit(ctx, pipeline.Request{
			Principal: p,
			Body:      body,
			RequestID: middleware.GetRequestID(ctx),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
	}
}
