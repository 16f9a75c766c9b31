package middleware

import (
	"github.com/gin-gonic/gin"

	"basegraph.co/backfill/common/logger"
)

// TraceHeader continues a trace id sent by the caller in header when no span
// is active yet, and echoes the request's trace id back in the same header.
func TraceHeader(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		if incoming := c.GetHeader(header); incoming != "" && logger.TraceID(ctx) == "" {
			sc := logger.StartSpanFromTraceID(ctx, incoming, c.Request.Method+" "+c.FullPath())
			defer sc.End()
			ctx = sc.Context()
			c.Request = c.Request.WithContext(ctx)
		}

		if traceID := logger.TraceID(ctx); traceID != "" {
			c.Header(header, traceID)
		}
		c.Next()
	}
}
