package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mostlygeek/ollama-relay/event"
)

// DefaultMetricsMaxInMemory bounds the per-request metrics ring.
const DefaultMetricsMaxInMemory = 1000

// RequestMetrics is one handled request as seen by the metrics middleware.
type RequestMetrics struct {
	ID           int       `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Endpoint     string    `json:"endpoint"`
	Model        string    `json:"model"`
	StatusCode   int       `json:"status_code"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMs   int       `json:"duration_ms"`
}

// ModelTokenCounts aggregates token movement for one model.
type ModelTokenCounts struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MetricsSummary is the lifetime aggregate served by GET /metrics.
type MetricsSummary struct {
	TotalRequests int                         `json:"total_requests"`
	Success       int                         `json:"success"`
	Failed        int                         `json:"failed"`
	TokensByModel map[string]ModelTokenCounts `json:"tokens_by_model"`
}

// MetricsMonitor keeps a bounded ring of recent request metrics plus
// lifetime aggregates, and publishes each metric on an event bus for
// subscribers.
type MetricsMonitor struct {
	mu         sync.RWMutex
	metrics    []RequestMetrics
	maxMetrics int
	nextID     int

	totalRequests int
	success       int
	failed        int
	tokensByModel map[string]ModelTokenCounts

	eventbus *event.Dispatcher
}

func NewMetricsMonitor(maxInMemory int) *MetricsMonitor {
	if maxInMemory <= 0 {
		maxInMemory = DefaultMetricsMaxInMemory
	}
	return &MetricsMonitor{
		maxMetrics:    maxInMemory,
		tokensByModel: make(map[string]ModelTokenCounts),
		eventbus:      event.NewDispatcherConfig(maxInMemory),
	}
}

// addMetrics records a new metric, folds it into the aggregates and
// publishes an event.
func (mm *MetricsMonitor) addMetrics(metric RequestMetrics) {
	mm.mu.Lock()

	metric.ID = mm.nextID
	mm.nextID++
	mm.metrics = append(mm.metrics, metric)
	if len(mm.metrics) > mm.maxMetrics {
		mm.metrics = mm.metrics[len(mm.metrics)-mm.maxMetrics:]
	}

	mm.totalRequests++
	if metric.StatusCode < 400 {
		mm.success++
	} else {
		mm.failed++
	}
	if metric.Model != "" {
		counts := mm.tokensByModel[metric.Model]
		counts.Requests++
		counts.InputTokens += metric.InputTokens
		counts.OutputTokens += metric.OutputTokens
		mm.tokensByModel[metric.Model] = counts
	}
	mm.mu.Unlock()

	event.Publish(mm.eventbus, RequestMetricsEvent{Metrics: metric})
}

// Summary returns a copy of the lifetime aggregates.
func (mm *MetricsMonitor) Summary() MetricsSummary {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	tokensByModel := make(map[string]ModelTokenCounts, len(mm.tokensByModel))
	for model, counts := range mm.tokensByModel {
		tokensByModel[model] = counts
	}
	return MetricsSummary{
		TotalRequests: mm.totalRequests,
		Success:       mm.success,
		Failed:        mm.failed,
		TokensByModel: tokensByModel,
	}
}

// GetMetrics returns a copy of the recent metrics ring, oldest first.
func (mm *MetricsMonitor) GetMetrics() []RequestMetrics {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	result := make([]RequestMetrics, len(mm.metrics))
	copy(result, mm.metrics)
	return result
}

// GetMetricsJSON returns the recent metrics ring as JSON.
func (mm *MetricsMonitor) GetMetricsJSON() ([]byte, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return json.Marshal(mm.metrics)
}

// SubscribeToMetrics subscribes to new metrics events.
func (mm *MetricsMonitor) SubscribeToMetrics(callback func(RequestMetricsEvent)) context.CancelFunc {
	return event.Subscribe(mm.eventbus, callback)
}

// Close closes the event dispatcher.
func (mm *MetricsMonitor) Close() error {
	return mm.eventbus.Close()
}
