package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// RelayVersion is reported by /api/version and the probe endpoints. main
// overrides it with the build-time version.
var RelayVersion = "0.1.0"

func (pm *ProxyManager) sendOllamaError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, OllamaErrorResponse{Error: message})
}

func (pm *ProxyManager) ollamaHeartbeatHandler(c *gin.Context) {
	c.String(http.StatusOK, "Ollama is running") // Ollama server returns this string
}

func (pm *ProxyManager) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (pm *ProxyManager) readyHandler(c *gin.Context) {
	if pm.upstream == nil || pm.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "service components not initialized",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ready",
		"version":        RelayVersion,
		"uptime_seconds": int(time.Since(pm.started).Seconds()),
	})
}

func (pm *ProxyManager) liveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "alive",
		"uptime_seconds": int(time.Since(pm.started).Seconds()),
	})
}

func (pm *ProxyManager) metricsHandler(c *gin.Context) {
	summary := pm.metricsMonitor.Summary()

	successRate := 0.0
	if summary.TotalRequests > 0 {
		successRate = float64(summary.Success) / float64(summary.TotalRequests) * 100
	}
	payload := gin.H{
		"app_info": gin.H{
			"name":    "ollama-relay",
			"version": RelayVersion,
		},
		"uptime_seconds": int(time.Since(pm.started).Seconds()),
		"requests": gin.H{
			"total":                summary.TotalRequests,
			"success":              summary.Success,
			"failed":               summary.Failed,
			"success_rate_percent": math.Round(successRate*100) / 100,
		},
		"tokens_by_model": summary.TokensByModel,
	}
	if provider, ok := pm.upstream.(UpstreamStatsProvider); ok {
		stats := provider.Stats()
		payload["upstream"] = gin.H{
			"requests": stats.Requests,
			"errors":   stats.Errors,
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (pm *ProxyManager) ollamaVersionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, OllamaVersionResponse{Version: RelayVersion})
	}
}

// ollamaStaticSuccessHandler acknowledges model-management endpoints the
// backend has no equivalent for (pull, push, delete, copy, create).
func (pm *ProxyManager) ollamaStaticSuccessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (pm *ProxyManager) ollamaPSHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// The backend loads models on demand; nothing is ever resident here.
		c.JSON(http.StatusOK, OllamaProcessResponse{Models: []OllamaProcessModelResponse{}})
	}
}

func (pm *ProxyManager) ollamaListTagsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pm.config.RequestTimeout)
		defer cancel()

		models, err := pm.upstream.ListModels(ctx)
		if err != nil {
			status, message := MapUpstreamError(err, "")
			pm.sendOllamaError(c, status, message)
			return
		}

		resp := TranslateTags(models, pm.registry)
		c.Header("Cache-Control", "public, max-age=300")
		c.Header("X-Model-Count", strconv.Itoa(len(resp.Models)))
		c.JSON(http.StatusOK, resp)
	}
}

func (pm *ProxyManager) ollamaShowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OllamaShowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			pm.sendOllamaError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}

		modelName := req.ModelName()
		if modelName == "" {
			pm.sendOllamaError(c, http.StatusBadRequest, "model is required")
			return
		}

		id := pm.registry.ResolveAlias(modelName)
		c.JSON(http.StatusOK, OllamaShowResponse{
			Modelfile:  fmt.Sprintf("FROM %s", id),
			Details:    modelDetails(id, pm.registry),
			ModifiedAt: formatModifiedAt(time.Now().Unix()),
		})
	}
}

func (pm *ProxyManager) ollamaGenerateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OllamaGenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			pm.sendOllamaError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		if req.Model == "" {
			pm.sendOllamaError(c, http.StatusBadRequest, "model is required")
			return
		}

		stream := req.Stream == nil || *req.Stream
		upstreamReq := BuildGenerateRequest(req, pm.registry, stream)

		if stream {
			pm.relayStream(c, req.Model, upstreamReq, false)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), pm.config.RequestTimeout)
		defer cancel()

		started := time.Now()
		resp, err := pm.upstream.CreateChatCompletion(ctx, upstreamReq)
		if err != nil {
			status, message := MapUpstreamError(err, req.Model)
			pm.sendOllamaError(c, status, message)
			return
		}

		ollamaResp, err := TranslateGenerateResponse(resp, req.Model, unaryTimings(time.Since(started)))
		if err != nil {
			pm.sendOllamaError(c, http.StatusBadGateway, "upstream error")
			return
		}
		recordTokenUsage(c, ollamaResp.PromptEvalCount, ollamaResp.EvalCount)
		c.JSON(http.StatusOK, ollamaResp)
	}
}

func (pm *ProxyManager) ollamaChatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OllamaChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			pm.sendOllamaError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		if req.Model == "" {
			pm.sendOllamaError(c, http.StatusBadRequest, "model is required")
			return
		}
		if len(req.Messages) == 0 {
			pm.sendOllamaError(c, http.StatusBadRequest, "messages is required")
			return
		}

		stream := req.Stream == nil || *req.Stream
		upstreamReq := BuildChatRequest(req, pm.registry, stream)

		if stream {
			pm.relayStream(c, req.Model, upstreamReq, true)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), pm.config.RequestTimeout)
		defer cancel()

		started := time.Now()
		resp, err := pm.upstream.CreateChatCompletion(ctx, upstreamReq)
		if err != nil {
			status, message := MapUpstreamError(err, req.Model)
			pm.sendOllamaError(c, status, message)
			return
		}

		ollamaResp, err := TranslateChatResponse(resp, req.Model, unaryTimings(time.Since(started)))
		if err != nil {
			pm.sendOllamaError(c, http.StatusBadGateway, "upstream error")
			return
		}
		recordTokenUsage(c, ollamaResp.PromptEvalCount, ollamaResp.EvalCount)
		c.JSON(http.StatusOK, ollamaResp)
	}
}

func (pm *ProxyManager) ollamaEmbeddingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OllamaEmbeddingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			pm.sendOllamaError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
		if req.Model == "" {
			pm.sendOllamaError(c, http.StatusBadRequest, "model is required")
			return
		}
		if req.Text() == "" {
			pm.sendOllamaError(c, http.StatusBadRequest, "prompt is required")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), pm.config.RequestTimeout)
		defer cancel()

		resp, err := pm.upstream.CreateEmbeddings(ctx, BuildEmbeddingsRequest(req, pm.registry))
		if err != nil {
			status, message := MapUpstreamError(err, req.Model)
			pm.sendOllamaError(c, status, message)
			return
		}

		ollamaResp, err := TranslateEmbeddingsResponse(resp)
		if err != nil {
			pm.sendOllamaError(c, http.StatusBadGateway, "upstream error")
			return
		}
		c.JSON(http.StatusOK, ollamaResp)
	}
}

// relayStream opens the upstream stream and relays it to the client as
// NDJSON. Errors before the first frame map to a plain JSON error status;
// errors after that surface inside a terminal frame.
func (pm *ProxyManager) relayStream(c *gin.Context, model string, upstreamReq openai.ChatCompletionRequest, isChat bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pm.config.StreamTimeout)
	defer cancel()

	stream, err := pm.upstream.CreateChatCompletionStream(ctx, upstreamReq)
	if err != nil {
		status, message := MapUpstreamError(err, model)
		pm.sendOllamaError(c, status, message)
		return
	}

	adapter := NewStreamAdapter(model, isChat)
	frames, err := adapter.Relay(stream, &ginFrameSink{c: c})
	if err != nil {
		if frames == 0 && !c.Writer.Written() {
			status, message := MapUpstreamError(err, model)
			pm.sendOllamaError(c, status, message)
			return
		}
		zerolog.Ctx(c.Request.Context()).Warn().
			Str("model", model).
			Int("frames", frames).
			Err(err).
			Msg("stream ended early")
	}
	recordTokenUsage(c, adapter.PromptEvalCount(), adapter.EvalCount())
}

// ginFrameSink writes NDJSON frames to the client, flushing after each
// one. Headers are held back until the first frame so an error before any
// output can still produce a plain JSON status.
type ginFrameSink struct {
	c           *gin.Context
	wroteHeader bool
}

func (s *ginFrameSink) WriteFrame(v interface{}) error {
	if !s.wroteHeader {
		s.wroteHeader = true
		s.c.Header("Content-Type", "application/x-ndjson")
		s.c.Header("Cache-Control", "no-cache")
		s.c.Writer.WriteHeader(http.StatusOK)
	}

	jsonData, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "%s\n", jsonData); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}
