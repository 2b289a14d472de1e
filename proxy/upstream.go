package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxUpstreamRetries = 3
	baseRetryDelay     = 1 * time.Second
	maxRetryDelay      = 30 * time.Second

	upstreamDialTimeout      = 10 * time.Second
	upstreamMaxIdleConns     = 100
	upstreamMaxIdlePerHost   = 20
	upstreamIdleConnTimeout  = 90 * time.Second
	upstreamTLSSetupTimeout  = 10 * time.Second
	upstreamKeepAliveTimeout = 30 * time.Second
)

// UpstreamClient is the surface of the OpenAI backend the handlers depend
// on. The production implementation is OpenAIUpstream; tests substitute
// their own.
type UpstreamClient interface {
	ListModels(ctx context.Context) ([]openai.Model, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, error)
}

// UpstreamStats is a snapshot of the call counters since process start.
type UpstreamStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

// UpstreamStatsProvider is implemented by upstream clients that keep call
// counters. The metrics endpoint picks it up when available.
type UpstreamStatsProvider interface {
	Stats() UpstreamStats
}

// OpenAIUpstream talks to an OpenAI-compatible backend through go-openai,
// with connection pooling and transparent retries on transient failures.
// It is safe for concurrent use.
type OpenAIUpstream struct {
	client *openai.Client
	tracer trace.Tracer

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

var _ UpstreamClient = (*OpenAIUpstream)(nil)

func NewOpenAIUpstream(config Config) *OpenAIUpstream {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   upstreamDialTimeout,
			KeepAlive: upstreamKeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:        upstreamMaxIdleConns,
		MaxIdleConnsPerHost: upstreamMaxIdlePerHost,
		IdleConnTimeout:     upstreamIdleConnTimeout,
		TLSHandshakeTimeout: upstreamTLSSetupTimeout,
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = config.BaseURL
	clientConfig.HTTPClient = &http.Client{
		Transport: &retryTransport{base: transport, maxRetries: maxUpstreamRetries},
	}

	return &OpenAIUpstream{
		client: openai.NewClientWithConfig(clientConfig),
		tracer: otel.Tracer("ollama-relay/upstream"),
	}
}

func (u *OpenAIUpstream) ListModels(ctx context.Context) ([]openai.Model, error) {
	ctx, span := u.startSpan(ctx, "upstream.list_models", "")
	defer span.End()

	start := time.Now()
	list, err := u.client.ListModels(ctx)
	u.observe(ctx, span, "list_models", "", start, err)
	if err != nil {
		return nil, err
	}
	return list.Models, nil
}

func (u *OpenAIUpstream) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, span := u.startSpan(ctx, "upstream.chat_completion", req.Model)
	defer span.End()

	start := time.Now()
	resp, err := u.client.CreateChatCompletion(ctx, req)
	u.observe(ctx, span, "chat_completion", req.Model, start, err)
	return resp, err
}

// CreateChatCompletionStream opens the upstream stream. The span stays open
// until the returned stream is closed, covering the whole delivery.
func (u *OpenAIUpstream) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	ctx, span := u.startSpan(ctx, "upstream.chat_completion_stream", req.Model)

	start := time.Now()
	stream, err := u.client.CreateChatCompletionStream(ctx, req)
	u.observe(ctx, span, "chat_completion_stream", req.Model, start, err)
	if err != nil {
		span.End()
		return nil, err
	}
	return &tracedStream{stream: stream, span: span}, nil
}

func (u *OpenAIUpstream) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, error) {
	ctx, span := u.startSpan(ctx, "upstream.embeddings", string(req.Model))
	defer span.End()

	start := time.Now()
	resp, err := u.client.CreateEmbeddings(ctx, req)
	u.observe(ctx, span, "embeddings", string(req.Model), start, err)
	return resp, err
}

func (u *OpenAIUpstream) Stats() UpstreamStats {
	return UpstreamStats{
		Requests: u.requestCount.Load(),
		Errors:   u.errorCount.Load(),
	}
}

func (u *OpenAIUpstream) startSpan(ctx context.Context, name, model string) (context.Context, trace.Span) {
	return u.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("upstream.model", model)),
	)
}

// observe updates the counters, the span and the request log. Only call
// metadata is recorded: operation, model, duration, outcome. Request and
// response bodies never reach the log stream.
func (u *OpenAIUpstream) observe(ctx context.Context, span trace.Span, op, model string, start time.Time, err error) {
	u.requestCount.Add(1)
	elapsed := time.Since(start)

	logger := zerolog.Ctx(ctx)
	if err != nil {
		u.errorCount.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).
			Str("operation", op).
			Str("model", model).
			Dur("duration", elapsed).
			Msg("upstream call failed")
		return
	}
	logger.Debug().
		Str("operation", op).
		Str("model", model).
		Dur("duration", elapsed).
		Msg("upstream call")
}

// tracedStream keeps the streaming span alive until the stream closes.
type tracedStream struct {
	stream *openai.ChatCompletionStream
	span   trace.Span
}

func (s *tracedStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	return s.stream.Recv()
}

func (s *tracedStream) Close() error {
	err := s.stream.Close()
	s.span.End()
	return err
}

// retryTransport retries transient upstream failures: connect errors, net
// timeouts, 429 and 5xx responses. One initial attempt plus up to
// maxRetries, with exponential backoff. Because RoundTrip returns before
// the caller reads any body bytes, streamed responses are retried only
// before the first byte is handed over, never resumed mid-flight.
type retryTransport struct {
	base       http.RoundTripper
	maxRetries int

	// backoff is replaceable for tests; nil means retryDelay.
	backoff func(retry int) time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	delayFor := t.backoff
	if delayFor == nil {
		delayFor = retryDelay
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = t.base.RoundTrip(req)

		var retryable bool
		statusCode := 0
		if err != nil {
			retryable = retryableError(err)
		} else {
			statusCode = resp.StatusCode
			retryable = retryableStatus(statusCode)
		}

		if !retryable || attempt >= t.maxRetries {
			return resp, err
		}
		// a non-replayable body ends the retry loop early
		if req.Body != nil && req.GetBody == nil {
			return resp, err
		}

		if resp != nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
		}
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			req.Body = body
		}

		delay := delayFor(attempt)
		zerolog.Ctx(req.Context()).Warn().
			Int("attempt", attempt+1).
			Int("status", statusCode).
			Dur("backoff", delay).
			Str("path", req.URL.Path).
			Msg("retrying upstream request")

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

// retryDelay is the exponential backoff for retry n (zero based):
// 1s, 2s, 4s, ... capped at 30s.
func retryDelay(retry int) time.Duration {
	delay := baseRetryDelay << retry
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// retryableError reports whether a transport failure is safe to retry:
// connection setup errors and net timeouts qualify, cancellation and
// expired deadlines never do.
func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
