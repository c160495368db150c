package middleware

import (
	"log/slog"
	"time"

	"mpesa_checkout/pkg/ctxmanage"
	"mpesa_checkout/pkg/logkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-ID"

const ctxTraceID = "trace_id"

// Trace 为每个请求分配 trace id（优先沿用上游的 X-Request-ID），
// 写入 gin.Context 与 request context，并在结束时记录访问日志。
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(ctxTraceID, id)
		c.Request = c.Request.WithContext(ctxmanage.WithTraceID(c.Request.Context(), id))
		c.Header(HeaderRequestID, id)

		start := time.Now()
		c.Next()

		slog.Info("http request",
			slog.String(logkey.TraceID, id),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()))
	}
}

// TraceID returns the id assigned by Trace, or "".
func TraceID(c *gin.Context) string {
	return c.GetString(ctxTraceID)
}
