package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Context keys the handlers use to report token usage back to the
// metrics middleware.
const (
	ctxKeyInputTokens  = "metrics.input_tokens"
	ctxKeyOutputTokens = "metrics.output_tokens"
)

// recordTokenUsage stashes token counts on the request context so the
// metrics middleware can pick them up after the handler returns.
func recordTokenUsage(c *gin.Context, inputTokens, outputTokens int) {
	c.Set(ctxKeyInputTokens, inputTokens)
	c.Set(ctxKeyOutputTokens, outputTokens)
}

// MetricsMiddleware times every request, emits an access log line and
// records a RequestMetrics entry on the monitor. Request bodies are
// sniffed only for the model name, never logged.
func MetricsMiddleware(mm *MetricsMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var requestedModel string
		if c.Request.Method == http.MethodPost && c.Request.Body != nil {
			bodyBytes, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, OllamaErrorResponse{Error: "could not read request body"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			requestedModel = gjson.GetBytes(bodyBytes, "model").String()
		}

		writer := &timingResponseWriter{ResponseWriter: c.Writer, start: start}
		c.Writer = writer
		c.Next()

		duration := time.Since(start)
		status := writer.Status()

		zerolog.Ctx(c.Request.Context()).Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("model", requestedModel).
			Int("status", status).
			Dur("duration", duration).
			Msg("request handled")

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		mm.addMetrics(RequestMetrics{
			Timestamp:    time.Now(),
			Endpoint:     endpoint,
			Model:        requestedModel,
			StatusCode:   status,
			InputTokens:  c.GetInt(ctxKeyInputTokens),
			OutputTokens: c.GetInt(ctxKeyOutputTokens),
			DurationMs:   int(duration.Milliseconds()),
		})
	}
}

// timingResponseWriter adds an X-Response-Time header just before the
// response headers flush.
type timingResponseWriter struct {
	gin.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (w *timingResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		elapsed := time.Since(w.start)
		w.Header().Set("X-Response-Time", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *timingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
