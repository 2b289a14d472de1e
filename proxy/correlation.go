package proxy

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const correlationHeader = "X-Correlation-ID"

// newCorrelationID returns a short request token: "req_" plus the first 8
// hex chars of a UUIDv4.
func newCorrelationID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CorrelationMiddleware assigns every request a correlation id, echoes it
// in the X-Correlation-ID response header and binds a request-scoped logger
// to the context. Inbound X-Correlation-ID or X-Request-ID values are
// reused so ids stay stable across proxy hops.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = c.GetHeader("X-Request-ID")
		}
		if id == "" {
			id = newCorrelationID()
		}

		c.Header(correlationHeader, id)

		logger := log.With().Str("correlation_id", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()
	}
}
