package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func performOllamaRequest(pm *ProxyManager, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	pm.ServeHTTP(w, req)
	return w
}

func performStreamRequest(pm *ProxyManager, path, body string) *TestResponseRecorder {
	w := CreateTestResponseRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	pm.ServeHTTP(w, req)
	return w
}

// ndjsonLines splits an NDJSON body into its frames and checks each one is
// valid JSON.
func ndjsonLines(t *testing.T, body string) []string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.NotEmpty(t, lines)
	for i, line := range lines {
		require.True(t, json.Valid([]byte(line)), "frame %d is not valid JSON: %q", i, line)
	}
	return lines
}

func unaryChatFixture() openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-123",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "gpt-4",
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "Hello there!",
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{PromptTokens: 25, CompletionTokens: 10, TotalTokens: 35},
	}
}

func TestOllamaHeartbeat(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ollama is running", w.Body.String())

	w = performOllamaRequest(pm, http.MethodHead, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "ready", gjson.Get(body, "status").String())
	assert.Equal(t, RelayVersion, gjson.Get(body, "version").String())
	assert.True(t, gjson.Get(body, "uptime_seconds").Exists())
}

func TestLiveEndpoint(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/live", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", gjson.Get(w.Body.String(), "status").String())
}

func TestMetricsEndpoint(t *testing.T) {
	fake := &fakeUpstream{chatResponse: unaryChatFixture()}
	pm := newTestProxyManager(t, fake)

	// one success, one failure
	w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"model":"gpt-4","prompt":"hi","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	fake.chatErr = &openai.APIError{HTTPStatusCode: http.StatusNotFound}
	w = performOllamaRequest(pm, http.MethodPost, "/api/chat", `{"model":"nope","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = performOllamaRequest(pm, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "ollama-relay", gjson.Get(body, "app_info.name").String())
	assert.Equal(t, RelayVersion, gjson.Get(body, "app_info.version").String())
	assert.Equal(t, int64(2), gjson.Get(body, "requests.total").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "requests.success").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "requests.failed").Int())
	assert.Equal(t, float64(50), gjson.Get(body, "requests.success_rate_percent").Float())
	assert.Equal(t, int64(25), gjson.Get(body, "tokens_by_model.gpt-4.input_tokens").Int())
	assert.Equal(t, int64(10), gjson.Get(body, "tokens_by_model.gpt-4.output_tokens").Int())
	// fakeUpstream exposes no transport stats
	assert.False(t, gjson.Get(body, "upstream").Exists())
}

func TestOllamaVersion(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/api/version", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":"0.1.0"}`, w.Body.String())
}

func TestOllamaPS(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/api/ps", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"models":[]}`, w.Body.String())
}

func TestOllamaStaticEndpoints(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/pull"},
		{http.MethodPost, "/api/push"},
		{http.MethodPost, "/api/create"},
		{http.MethodPost, "/api/copy"},
		{http.MethodPost, "/api/delete"},
		{http.MethodDelete, "/api/delete"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := performOllamaRequest(pm, tt.method, tt.path, `{"model":"llama2"}`)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
		})
	}
}

func TestOllamaUnknownRoute(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	w := performOllamaRequest(pm, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"not found"}`, w.Body.String())

	// wrong method on a known path also falls through to NoRoute
	w = performOllamaRequest(pm, http.MethodPost, "/api/tags", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOllamaListTags(t *testing.T) {
	fake := &fakeUpstream{
		models: []openai.Model{
			{ID: "gpt-4", CreatedAt: 1700000000},
			{ID: "text-embedding-3-small", CreatedAt: 1699000000},
			{ID: "gpt-3.5-turbo", CreatedAt: 1700000000},
			{ID: "davinci-002", CreatedAt: 1700000000},
			{ID: "gpt-4-0125-preview", CreatedAt: 1700000000},
			{ID: "whisper-1", CreatedAt: 1700000000},
		},
	}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodGet, "/api/tags", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))
	assert.Equal(t, "3", w.Header().Get("X-Model-Count"))

	var resp OllamaListTagsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 3)

	assert.Equal(t, "gpt-3.5-turbo", resp.Models[0].Name)
	assert.Equal(t, "gpt-4", resp.Models[1].Name)
	assert.Equal(t, "text-embedding-3-small", resp.Models[2].Name)

	for _, m := range resp.Models {
		assert.Equal(t, m.Name, m.Model)
		assert.True(t, strings.HasPrefix(m.Digest, "sha256:"))
		assert.Regexp(t, modifiedAtPattern, m.ModifiedAt)
	}
	assert.Equal(t, "sha256:d2f48b2c5812", resp.Models[0].Digest)
	assert.Equal(t, int64(1_500_000_000), resp.Models[0].Size)
}

func TestOllamaListTags_UpstreamError(t *testing.T) {
	fake := &fakeUpstream{listErr: &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodGet, "/api/tags", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"upstream error"}`, w.Body.String())
}

func TestOllamaShow(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	t.Run("resolves aliases", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/show", `{"model":"llama2"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp OllamaShowResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "FROM gpt-3.5-turbo", resp.Modelfile)
		assert.Equal(t, "gguf", resp.Details.Format)
		assert.Equal(t, "gpt", resp.Details.Family)
		assert.Equal(t, "3.5B", resp.Details.ParameterSize)
		assert.Regexp(t, modifiedAtPattern, resp.ModifiedAt)
	})

	t.Run("accepts name field", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/show", `{"name":"gpt-4"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "FROM gpt-4", gjson.Get(w.Body.String(), "modelfile").String())
	})

	t.Run("requires a model", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/show", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"model is required"}`, w.Body.String())
	})
}

func TestOllamaGenerate_Unary(t *testing.T) {
	fake := &fakeUpstream{chatResponse: unaryChatFixture()}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"model":"gpt-4","prompt":"say hello","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var resp OllamaGenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, "Hello there!", resp.Response)
	assert.True(t, resp.Done)
	assert.Equal(t, "stop", resp.DoneReason)
	assert.Equal(t, []int{128006, 882, 128007, 128006, 78191, 128007}, resp.Context)
	assert.Equal(t, 25, resp.PromptEvalCount)
	assert.Equal(t, 10, resp.EvalCount)
	assert.Greater(t, resp.TotalDuration, int64(0))

	created, err := time.Parse(time.RFC3339Nano, resp.CreatedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), created, time.Minute)

	// prompt travels as a single user message
	require.Len(t, fake.lastChatRequest.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, fake.lastChatRequest.Messages[0].Role)
	assert.Equal(t, "say hello", fake.lastChatRequest.Messages[0].Content)
	assert.False(t, fake.lastChatRequest.Stream)
}

func TestOllamaGenerate_AliasResolution(t *testing.T) {
	fake := &fakeUpstream{chatResponse: unaryChatFixture()}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"model":"llama2","prompt":"hi","stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	// upstream sees the alias target, the client sees the requested name
	assert.Equal(t, "gpt-3.5-turbo", fake.lastChatRequest.Model)
	assert.Equal(t, "llama2", gjson.Get(w.Body.String(), "model").String())
}

func TestOllamaGenerate_Validation(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	t.Run("missing model", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"prompt":"hi"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"model is required"}`, w.Body.String())
	})

	t.Run("malformed JSON", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"model":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, gjson.Get(w.Body.String(), "error").String(), "invalid request:")
	})

	t.Run("empty prompt is allowed", func(t *testing.T) {
		fake := &fakeUpstream{chatResponse: unaryChatFixture()}
		pm := newTestProxyManager(t, fake)
		w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"model":"gpt-4","stream":false}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestOllamaGenerate_UnknownFieldsIgnored(t *testing.T) {
	fake := &fakeUpstream{chatResponse: unaryChatFixture()}
	pm := newTestProxyManager(t, fake)

	body := `{"model":"gpt-4","prompt":"hi","stream":false,"raw":true,"template":"{{ .Prompt }}","context":[1,2,3],"keep_alive":"5m","unknown_field":{"a":[1,2]}}`
	w := performOllamaRequest(pm, http.MethodPost, "/api/generate", body)
	require.Equal(t, http.StatusOK, w.Code)

	// template/context/keep_alive have no upstream equivalent and are dropped
	require.Len(t, fake.lastChatRequest.Messages, 1)
	assert.Equal(t, "hi", fake.lastChatRequest.Messages[0].Content)
}

func TestOllamaGenerate_Streaming(t *testing.T) {
	fake := &fakeUpstream{
		chunks: []openai.ChatCompletionStreamResponse{
			contentChunk("Once"),
			contentChunk(" upon"),
			finishChunk(openai.FinishReasonStop, &openai.Usage{PromptTokens: 25, CompletionTokens: 10, TotalTokens: 35}),
		},
	}
	pm := newTestProxyManager(t, fake)

	w := performStreamRequest(pm, "/api/generate", `{"model":"gpt-4","prompt":"tell a story"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	lines := ndjsonLines(t, w.Body.String())
	require.Len(t, lines, 3)

	doneCount := 0
	var text strings.Builder
	for _, line := range lines {
		assert.Equal(t, "gpt-4", gjson.Get(line, "model").String())
		assert.False(t, gjson.Get(line, "message").Exists(), "generate frames carry response, not message")
		if gjson.Get(line, "done").Bool() {
			doneCount++
		} else {
			text.WriteString(gjson.Get(line, "response").String())
		}
	}
	assert.Equal(t, 1, doneCount, "exactly one done frame")
	assert.Equal(t, "Once upon", text.String())

	terminal := lines[len(lines)-1]
	assert.True(t, gjson.Get(terminal, "done").Bool())
	assert.Equal(t, "stop", gjson.Get(terminal, "done_reason").String())
	assert.Equal(t, "", gjson.Get(terminal, "response").String())
	assert.Equal(t, int64(25), gjson.Get(terminal, "prompt_eval_count").Int())
	assert.Equal(t, int64(10), gjson.Get(terminal, "eval_count").Int())
	assert.True(t, gjson.Get(terminal, "total_duration").Exists())
}

func TestOllamaGenerate_StreamIsDefault(t *testing.T) {
	fake := &fakeUpstream{
		chunks: []openai.ChatCompletionStreamResponse{
			contentChunk("hello"),
			finishChunk(openai.FinishReasonStop, nil),
		},
	}
	pm := newTestProxyManager(t, fake)

	// no stream field in the request
	w := performStreamRequest(pm, "/api/generate", `{"model":"gpt-4","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.True(t, fake.lastChatRequest.Stream)

	lines := ndjsonLines(t, w.Body.String())
	assert.Len(t, lines, 2)
}

func TestOllamaChat_Unary(t *testing.T) {
	fake := &fakeUpstream{chatResponse: unaryChatFixture()}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/chat", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp OllamaChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "Hello there!", resp.Message.Content)
	assert.True(t, resp.Done)
	assert.Equal(t, "stop", resp.DoneReason)
	assert.Equal(t, 25, resp.PromptEvalCount)
	assert.Equal(t, 10, resp.EvalCount)
}

func TestOllamaChat_Streaming(t *testing.T) {
	fake := &fakeUpstream{
		chunks: []openai.ChatCompletionStreamResponse{
			{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant"}}}},
			contentChunk("Hel"),
			contentChunk("lo"),
			finishChunk(openai.FinishReasonStop, &openai.Usage{PromptTokens: 25, CompletionTokens: 10, TotalTokens: 35}),
		},
	}
	pm := newTestProxyManager(t, fake)

	w := performStreamRequest(pm, "/api/chat", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	// the role-only chunk produces no frame
	lines := ndjsonLines(t, w.Body.String())
	require.Len(t, lines, 3)

	doneCount := 0
	var text strings.Builder
	for _, line := range lines {
		if gjson.Get(line, "done").Bool() {
			doneCount++
		} else {
			assert.Equal(t, "assistant", gjson.Get(line, "message.role").String())
			text.WriteString(gjson.Get(line, "message.content").String())
		}
	}
	assert.Equal(t, 1, doneCount, "exactly one done frame")
	assert.Equal(t, "Hello", text.String())

	terminal := lines[len(lines)-1]
	assert.True(t, gjson.Get(terminal, "done").Bool())
	assert.Equal(t, "stop", gjson.Get(terminal, "done_reason").String())
	assert.Equal(t, "", gjson.Get(terminal, "message.content").String())
	assert.Equal(t, int64(25), gjson.Get(terminal, "prompt_eval_count").Int())
	assert.Equal(t, int64(10), gjson.Get(terminal, "eval_count").Int())
}

func TestOllamaChat_Validation(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	t.Run("missing model", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"model is required"}`, w.Body.String())
	})

	t.Run("missing messages", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/chat", `{"model":"gpt-4"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"messages is required"}`, w.Body.String())
	})

	t.Run("empty messages array", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/chat", `{"model":"gpt-4","messages":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"messages is required"}`, w.Body.String())
	})
}

func TestOllamaChat_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"model not found", &openai.APIError{HTTPStatusCode: http.StatusNotFound}, http.StatusNotFound, "model 'nonexistent-model' not found"},
		{"unauthorized", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, http.StatusUnauthorized, "unauthorized"},
		{"forbidden maps to unauthorized", &openai.APIError{HTTPStatusCode: http.StatusForbidden}, http.StatusUnauthorized, "unauthorized"},
		{"rate limit", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, http.StatusTooManyRequests, "rate limit exceeded"},
		{"upstream 500", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}, http.StatusBadGateway, "upstream error"},
		{"upstream timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "upstream timeout"},
		{"client closed request", context.Canceled, StatusClientClosedRequest, "client closed request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeUpstream{chatErr: tt.err}
			pm := newTestProxyManager(t, fake)

			w := performOllamaRequest(pm, http.MethodPost, "/api/chat",
				`{"model":"nonexistent-model","messages":[{"role":"user","content":"hi"}],"stream":false}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantMessage, gjson.Get(w.Body.String(), "error").String())
		})
	}
}

func TestOllamaChat_StreamOpenError(t *testing.T) {
	fake := &fakeUpstream{openErr: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}}
	pm := newTestProxyManager(t, fake)

	w := performStreamRequest(pm, "/api/chat", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
	assert.NotEqual(t, "application/x-ndjson", w.Header().Get("Content-Type"))
}

func TestOllamaChat_MidStreamError(t *testing.T) {
	fake := &fakeUpstream{
		chunks:    []openai.ChatCompletionStreamResponse{contentChunk("partial")},
		streamErr: errors.New("connection reset"),
	}
	pm := newTestProxyManager(t, fake)

	w := performStreamRequest(pm, "/api/chat", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	// headers were already flushed with the first frame
	require.Equal(t, http.StatusOK, w.Code)

	lines := ndjsonLines(t, w.Body.String())
	require.Len(t, lines, 2)

	assert.Equal(t, "partial", gjson.Get(lines[0], "message.content").String())
	assert.False(t, gjson.Get(lines[0], "done").Bool())

	terminal := lines[1]
	assert.True(t, gjson.Get(terminal, "done").Bool())
	assert.Equal(t, "error", gjson.Get(terminal, "done_reason").String())
	assert.Equal(t, "internal error", gjson.Get(terminal, "error").String())
	assert.Equal(t, "", gjson.Get(terminal, "message.content").String())
}

func TestOllamaEmbeddings(t *testing.T) {
	vector := make([]float32, 1536)
	for i := range vector {
		vector[i] = float32(i) * 0.001
	}
	fake := &fakeUpstream{
		embedding: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: vector}},
		},
	}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/embeddings", `{"model":"text-embedding-3-small","prompt":"hello world"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp OllamaEmbeddingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Embedding, 1536, "vector length must be preserved")
	assert.InDelta(t, 0.001, resp.Embedding[1], 1e-6)
	assert.InDelta(t, 1.535, resp.Embedding[1535], 1e-6)

	assert.Equal(t, openai.EmbeddingModel("text-embedding-3-small"), fake.lastEmbedRequest.Model)
	assert.Equal(t, "hello world", fake.lastEmbedRequest.Input)
}

func TestOllamaEmbeddings_InputSynonym(t *testing.T) {
	fake := &fakeUpstream{
		embedding: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: []float32{0.1, 0.2}}},
		},
	}
	pm := newTestProxyManager(t, fake)

	// /api/embed with "input" behaves like /api/embeddings with "prompt"
	w := performOllamaRequest(pm, http.MethodPost, "/api/embed", `{"model":"text-embedding-3-small","input":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", fake.lastEmbedRequest.Input)

	var resp OllamaEmbeddingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Embedding, 2)
}

func TestOllamaEmbeddings_Validation(t *testing.T) {
	pm := newTestProxyManager(t, &fakeUpstream{})

	t.Run("missing model", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/embeddings", `{"prompt":"hi"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"model is required"}`, w.Body.String())
	})

	t.Run("missing prompt", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/embeddings", `{"model":"text-embedding-3-small"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"prompt is required"}`, w.Body.String())
	})

	t.Run("empty prompt", func(t *testing.T) {
		w := performOllamaRequest(pm, http.MethodPost, "/api/embeddings", `{"model":"text-embedding-3-small","prompt":""}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"prompt is required"}`, w.Body.String())
	})
}

func TestOllamaEmbeddings_UpstreamError(t *testing.T) {
	fake := &fakeUpstream{embedErr: &openai.APIError{HTTPStatusCode: http.StatusNotFound}}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/embeddings", `{"model":"bogus-embed","prompt":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"model 'bogus-embed' not found"}`, w.Body.String())
}

func TestOllamaEmbeddings_EmptyUpstreamData(t *testing.T) {
	fake := &fakeUpstream{embedding: openai.EmbeddingResponse{}}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/embeddings", `{"model":"text-embedding-3-small","prompt":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"upstream error"}`, w.Body.String())
}

func TestOllamaGenerate_NoChoicesUpstream(t *testing.T) {
	fake := &fakeUpstream{chatResponse: openai.ChatCompletionResponse{Created: 1700000000}}
	pm := newTestProxyManager(t, fake)

	w := performOllamaRequest(pm, http.MethodPost, "/api/generate", `{"model":"gpt-4","prompt":"hi","stream":false}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"upstream error"}`, w.Body.String())
}
