// Package middleware 提供结构化访问日志，不记录请求体与任何明文凭据。
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"tokenboard/internal/auth"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// statusSizer 由 gin.ResponseWriter 实现；挂在 gin 上时下游直接写 gin 的 writer，需要从这里取状态码。
type statusSizer interface {
	Status() int
	Size() int
}

func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		lat := time.Since(start)

		status, size := sw.status, sw.bytes
		if status == 0 {
			if ss, ok := w.(statusSizer); ok {
				status = ss.Status()
				if n := ss.Size(); n > 0 {
					size = int64(n)
				}
			}
		}

		var userID any
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			userID = p.UserID
		}
		slog.Info("access",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", size,
			"latency_ms", lat.Milliseconds(),
			"user_id", userID,
		)
	})
}
