package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// tagsTimeLayout renders RFC 3339 with an explicit numeric offset. Several
// Ollama clients parse modified_at with a parser that rejects the bare "Z"
// suffix, so UTC renders as +00:00.
const tagsTimeLayout = "2006-01-02T15:04:05.999999999-07:00"

// generateCompatContext is the fixed context array on unary /api/generate
// responses. Real Ollama returns its rolling token window here; the OpenAI
// backend has no equivalent, so clients that replay the context get a
// well-formed inert value.
var generateCompatContext = []int{128006, 882, 128007, 128006, 78191, 128007}

// Model ids containing any of these are hidden from /api/tags unless the
// registry knows them. Matches are case-insensitive.
var excludedModelKeywords = []string{
	"davinci", "curie", "babbage", "ada", "instruct", "deprecated", "preview",
}

// Unknown models must carry one of these prefixes to be listed at all.
var includedModelPrefixes = []string{
	"gpt-", "chatgpt-", "text-embedding-", "o1-", "o3-",
}

// Timings carries wall-clock measurements in nanoseconds, split at the
// moment the first token arrived.
type Timings struct {
	TotalDuration      int64
	LoadDuration       int64
	PromptEvalDuration int64
	EvalDuration       int64
}

// unaryTimings attributes the whole upstream round trip to evaluation;
// a unary response has no per-token signal to split it further.
func unaryTimings(elapsed time.Duration) Timings {
	return Timings{
		TotalDuration: elapsed.Nanoseconds(),
		EvalDuration:  elapsed.Nanoseconds(),
	}
}

// TranslateTags converts an upstream model listing into the /api/tags
// response. The result is sorted by name so repeated calls are identical
// apart from timestamps.
func TranslateTags(models []openai.Model, registry *ModelRegistry) OllamaListTagsResponse {
	out := make([]OllamaModelResponse, 0, len(models))
	for _, m := range models {
		if !shouldIncludeModel(m.ID, registry) {
			continue
		}
		createdAt := m.CreatedAt
		if createdAt <= 0 {
			createdAt = time.Now().Unix()
		}
		out = append(out, OllamaModelResponse{
			Name:       m.ID,
			Model:      m.ID,
			ModifiedAt: formatModifiedAt(createdAt),
			Size:       estimateModelSize(m.ID, registry),
			Digest:     modelDigest(m.ID),
			Details:    modelDetails(m.ID, registry),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return OllamaListTagsResponse{Models: out}
}

// shouldIncludeModel filters the upstream listing down to ids an Ollama
// client can actually use. Registry-known models always pass; everything
// else is dropped on an exclusion keyword and must carry a recognized
// prefix.
func shouldIncludeModel(id string, registry *ModelRegistry) bool {
	if registry.Included(id) {
		return true
	}
	lower := strings.ToLower(id)
	for _, keyword := range excludedModelKeywords {
		if strings.Contains(lower, keyword) {
			return false
		}
	}
	for _, prefix := range includedModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// formatModifiedAt renders an epoch timestamp in the server's zone with a
// numeric offset, never "Z".
func formatModifiedAt(epochSeconds int64) string {
	return time.Unix(epochSeconds, 0).Format(tagsTimeLayout)
}

// formatCreatedAt renders the created_at field of generate and chat
// responses. Falls back to now when the upstream omits its timestamp.
func formatCreatedAt(epochSeconds int64) string {
	if epochSeconds > 0 {
		return time.Unix(epochSeconds, 0).UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// modelDigest derives a stable pseudo-digest for a model id. Clients
// display and compare digests, so the value must be deterministic across
// gateway instances.
func modelDigest(id string) string {
	sum := sha256.Sum256([]byte("openai:" + id))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}

// estimateModelSize returns the registry size when known, otherwise a
// family heuristic. Ollama clients show this in listings; it has no
// behavioral effect.
func estimateModelSize(id string, registry *ModelRegistry) int64 {
	if size, ok := registry.Size(id); ok {
		return size
	}
	switch {
	case strings.Contains(id, "embedding"):
		return 500_000_000
	case strings.Contains(id, "gpt-4"):
		return 20_000_000_000
	case strings.Contains(id, "gpt-3.5"):
		return 1_500_000_000
	default:
		return 1_000_000_000
	}
}

func modelDetails(id string, registry *ModelRegistry) OllamaModelDetails {
	family := "unknown"
	var families []string
	if strings.Contains(strings.ToLower(id), "gpt") {
		family = "gpt"
		families = []string{"gpt"}
	}
	return OllamaModelDetails{
		Format:            "gguf",
		Family:            family,
		Families:          families,
		ParameterSize:     registry.ParameterSize(id),
		QuantizationLevel: "Q4_K_M",
	}
}

// BuildGenerateRequest converts an /api/generate request into an upstream
// chat request. The prompt becomes a user message, preceded by the system
// prompt when present. template, context and raw have no upstream
// equivalent and are accepted without effect.
func BuildGenerateRequest(ollamaReq OllamaGenerateRequest, registry *ModelRegistry, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if ollamaReq.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: ollamaReq.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: ollamaReq.Prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    registry.ResolveAlias(ollamaReq.Model),
		Messages: messages,
		Stream:   stream,
	}
	applyOptions(&req, ollamaReq.Options)
	applyFormat(&req, ollamaReq.Format)
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

// BuildChatRequest converts an /api/chat request into its upstream form.
// The model name is resolved through the alias table; the response side
// echoes the name the client sent.
func BuildChatRequest(ollamaReq OllamaChatRequest, registry *ModelRegistry, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(ollamaReq.Messages))
	for _, msg := range ollamaReq.Messages {
		messages = append(messages, toOpenAIMessage(msg))
	}

	req := openai.ChatCompletionRequest{
		Model:    registry.ResolveAlias(ollamaReq.Model),
		Messages: messages,
		Stream:   stream,
	}
	if len(ollamaReq.Tools) > 0 {
		req.Tools = ollamaReq.Tools
	}
	applyOptions(&req, ollamaReq.Options)
	applyFormat(&req, ollamaReq.Format)
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

// BuildEmbeddingsRequest converts an /api/embeddings request. The input
// text is passed through verbatim, the gateway never tokenizes.
func BuildEmbeddingsRequest(ollamaReq OllamaEmbeddingsRequest, registry *ModelRegistry) openai.EmbeddingRequest {
	return openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(registry.ResolveAlias(ollamaReq.Model)),
		Input: ollamaReq.Text(),
	}
}

// toOpenAIMessage converts one chat message. Messages with images become
// multi-part content with base64 data URIs, which is how the vision models
// accept inline images.
func toOpenAIMessage(msg OllamaMessage) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:    msg.Role,
		Content: msg.Content,
	}
	if len(msg.Images) > 0 {
		parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: msg.Content,
			})
		}
		for _, img := range msg.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/jpeg;base64," + img,
				},
			})
		}
		out.Content = ""
		out.MultiContent = parts
	}
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = msg.ToolCalls
	}
	return out
}

// applyOptions maps Ollama generation options onto the OpenAI request.
// Unknown keys and keys with no OpenAI equivalent (top_k, num_ctx) are
// dropped silently.
func applyOptions(req *openai.ChatCompletionRequest, options map[string]interface{}) {
	for key, value := range options {
		switch key {
		case "temperature":
			if v, ok := toFloat32(value); ok {
				req.Temperature = v
			}
		case "top_p":
			if v, ok := toFloat32(value); ok {
				req.TopP = v
			}
		case "num_predict":
			if v, ok := toInt(value); ok {
				req.MaxTokens = v
			}
		case "seed":
			if v, ok := toInt(value); ok {
				seed := v
				req.Seed = &seed
			}
		case "stop":
			if stop := toStringSlice(value); len(stop) > 0 {
				req.Stop = stop
			}
		case "frequency_penalty":
			if v, ok := toFloat32(value); ok {
				req.FrequencyPenalty = v
			}
		case "presence_penalty":
			if v, ok := toFloat32(value); ok {
				req.PresencePenalty = v
			}
		}
	}
}

// applyFormat maps the Ollama format field onto response_format. The value
// is either the literal string "json" or an inline JSON schema.
func applyFormat(req *openai.ChatCompletionRequest, format json.RawMessage) {
	if len(format) == 0 {
		return
	}
	var name string
	if err := json.Unmarshal(format, &name); err == nil {
		if name == "json" {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
		return
	}
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "response",
			Schema: format,
		},
	}
}

// TranslateGenerateResponse builds the unary /api/generate response. The
// model field echoes the requested name, not the resolved upstream id.
func TranslateGenerateResponse(resp openai.ChatCompletionResponse, model string, timings Timings) (OllamaGenerateResponse, error) {
	if len(resp.Choices) == 0 {
		return OllamaGenerateResponse{}, fmt.Errorf("upstream response contained no choices")
	}
	choice := resp.Choices[0]
	return OllamaGenerateResponse{
		Model:              model,
		CreatedAt:          formatCreatedAt(resp.Created),
		Response:           choice.Message.Content,
		Done:               true,
		DoneReason:         mapFinishReason(choice.FinishReason),
		Context:            append([]int(nil), generateCompatContext...),
		TotalDuration:      timings.TotalDuration,
		LoadDuration:       timings.LoadDuration,
		PromptEvalCount:    resp.Usage.PromptTokens,
		PromptEvalDuration: timings.PromptEvalDuration,
		EvalCount:          resp.Usage.CompletionTokens,
		EvalDuration:       timings.EvalDuration,
	}, nil
}

// TranslateChatResponse builds the unary /api/chat response. Tool calls
// from the upstream choice are attached to the message verbatim.
func TranslateChatResponse(resp openai.ChatCompletionResponse, model string, timings Timings) (OllamaChatResponse, error) {
	if len(resp.Choices) == 0 {
		return OllamaChatResponse{}, fmt.Errorf("upstream response contained no choices")
	}
	choice := resp.Choices[0]
	role := choice.Message.Role
	if role == "" {
		role = openai.ChatMessageRoleAssistant
	}
	message := OllamaMessage{
		Role:    role,
		Content: choice.Message.Content,
	}
	if len(choice.Message.ToolCalls) > 0 {
		message.ToolCalls = choice.Message.ToolCalls
	}
	return OllamaChatResponse{
		Model:              model,
		CreatedAt:          formatCreatedAt(resp.Created),
		Message:            message,
		Done:               true,
		DoneReason:         mapFinishReason(choice.FinishReason),
		TotalDuration:      timings.TotalDuration,
		LoadDuration:       timings.LoadDuration,
		PromptEvalCount:    resp.Usage.PromptTokens,
		PromptEvalDuration: timings.PromptEvalDuration,
		EvalCount:          resp.Usage.CompletionTokens,
		EvalDuration:       timings.EvalDuration,
	}, nil
}

// TranslateEmbeddingsResponse flattens the upstream embedding list to the
// single-vector Ollama shape. The vector is passed through untouched so its
// length always matches what the model produced.
func TranslateEmbeddingsResponse(resp openai.EmbeddingResponse) (OllamaEmbeddingsResponse, error) {
	if len(resp.Data) == 0 {
		return OllamaEmbeddingsResponse{}, fmt.Errorf("upstream response contained no embedding data")
	}
	return OllamaEmbeddingsResponse{Embedding: resp.Data[0].Embedding}, nil
}

// mapFinishReason converts an upstream finish reason to an Ollama
// done_reason. Ollama only distinguishes a token-budget stop; everything
// else, tool calls included, reads as a normal stop.
func mapFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "length"
	default:
		return "stop"
	}
}

func toFloat32(v interface{}) (float32, bool) {
	switch n := v.(type) {
	case float64:
		return float32(n), true
	case float32:
		return n, true
	case int:
		return float32(n), true
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// toStringSlice accepts both the single-string and list forms of the stop
// option.
func toStringSlice(v interface{}) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
