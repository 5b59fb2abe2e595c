package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// quietRoutes are polled by probes and scrapers; they log at debug.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestObserver logs each admin request and records it in the HTTP metrics
// under the route template rather than the raw path.
func RequestObserver(node string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("flow", id)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("admin.request")
	}
}
