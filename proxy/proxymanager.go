package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
)

type ProxyManager struct {
	config         Config
	upstream       UpstreamClient
	registry       *ModelRegistry
	metricsMonitor *MetricsMonitor
	ginEngine      *gin.Engine
	httpServer     *http.Server
	started        time.Time
}

// New wires the embedded model registry and the OpenAI-backed upstream.
func New(config Config) (*ProxyManager, error) {
	registry, err := NewModelRegistry()
	if err != nil {
		return nil, err
	}
	return NewWithUpstream(config, NewOpenAIUpstream(config), registry), nil
}

// NewWithUpstream lets tests substitute the upstream client.
func NewWithUpstream(config Config, upstream UpstreamClient, registry *ModelRegistry) *ProxyManager {
	pm := &ProxyManager{
		config:         config,
		upstream:       upstream,
		registry:       registry,
		metricsMonitor: NewMetricsMonitor(DefaultMetricsMaxInMemory),
		ginEngine:      gin.New(),
		started:        time.Now(),
	}
	pm.setupRoutes()

	// Disable console color for testing
	gin.DisableConsoleColor()

	return pm
}

func (pm *ProxyManager) setupRoutes() {
	pm.ginEngine.Use(CorrelationMiddleware())
	pm.ginEngine.Use(MetricsMiddleware(pm.metricsMonitor))

	pm.ginEngine.GET("/", pm.ollamaHeartbeatHandler)
	pm.ginEngine.HEAD("/", pm.ollamaHeartbeatHandler)
	pm.ginEngine.GET("/health", pm.healthHandler)
	pm.ginEngine.GET("/ready", pm.readyHandler)
	pm.ginEngine.GET("/live", pm.liveHandler)
	pm.ginEngine.GET("/metrics", pm.metricsHandler)

	apiGroup := pm.ginEngine.Group("/api")
	apiGroup.GET("/tags", pm.ollamaListTagsHandler())
	apiGroup.POST("/generate", pm.ollamaGenerateHandler())
	apiGroup.POST("/chat", pm.ollamaChatHandler())
	apiGroup.POST("/embeddings", pm.ollamaEmbeddingsHandler())
	apiGroup.POST("/embed", pm.ollamaEmbeddingsHandler())
	apiGroup.GET("/version", pm.ollamaVersionHandler())
	apiGroup.GET("/ps", pm.ollamaPSHandler())
	apiGroup.POST("/show", pm.ollamaShowHandler())
	apiGroup.POST("/pull", pm.ollamaStaticSuccessHandler)
	apiGroup.POST("/push", pm.ollamaStaticSuccessHandler)
	apiGroup.POST("/create", pm.ollamaStaticSuccessHandler)
	apiGroup.POST("/copy", pm.ollamaStaticSuccessHandler)
	apiGroup.POST("/delete", pm.ollamaStaticSuccessHandler)
	apiGroup.DELETE("/delete", pm.ollamaStaticSuccessHandler)

	pm.ginEngine.NoRoute(func(c *gin.Context) {
		pm.sendOllamaError(c, http.StatusNotFound, "not found")
	})
}

// Run serves HTTP on addr until Shutdown. JSON responses are gzipped for
// clients that accept it; NDJSON streams are never buffered.
func (pm *ProxyManager) Run(addr string) error {
	gzipWrapper, err := gzhttp.NewWrapper(
		gzhttp.MinSize(256),
		gzhttp.ContentTypes([]string{"application/json"}),
	)
	if err != nil {
		return err
	}

	pm.httpServer = &http.Server{
		Addr:              addr,
		Handler:           gzipWrapper(pm.ginEngine),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return pm.httpServer.ListenAndServe()
}

// ServeHTTP lets tests drive the router without a listener.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pm.ginEngine.ServeHTTP(w, r)
}

// Shutdown drains in-flight requests and releases the metrics bus.
func (pm *ProxyManager) Shutdown(ctx context.Context) error {
	defer pm.metricsMonitor.Close()
	if pm.httpServer == nil {
		return nil
	}
	return pm.httpServer.Shutdown(ctx)
}
