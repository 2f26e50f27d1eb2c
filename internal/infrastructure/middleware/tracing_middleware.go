package middleware

import (
	"net/http"

	"lanscreen/pkg/logger"
	"lanscreen/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DeviceIDHeader names the device that sent a request, set by peers when
// they post offers.
const DeviceIDHeader = "X-Lanscreen-Device"

// TracingMiddleware starts a server span per request, continuing a trace
// propagated by the calling device.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := tracing.ExtractHTTPHeaders(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(ctx, c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("net.peer.ip", clientIP(c.Request)))
		if device := c.GetHeader(DeviceIDHeader); device != "" {
			span.SetAttributes(tracing.DeviceIDKey.String(device))
			ctx = logger.WithDeviceID(ctx, device)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		switch {
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, c.Errors.String())
		case len(c.Errors) > 0:
			span.AddEvent("request rejected", trace.WithAttributes(attribute.String("error", c.Errors.Last().Error())))
		}
	}
}
