package proxy

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// OllamaErrorResponse is the standard error format for Ollama API.
type OllamaErrorResponse struct {
	Error string `json:"error"`
}

// OllamaVersionResponse defines the structure for the /api/version endpoint.
type OllamaVersionResponse struct {
	Version string `json:"version"`
}

// OllamaGenerateRequest describes a request to /api/generate.
type OllamaGenerateRequest struct {
	Model    string                 `json:"model"`
	Prompt   string                 `json:"prompt"`
	System   string                 `json:"system,omitempty"`
	Template string                 `json:"template,omitempty"`
	Context  []int                  `json:"context,omitempty"`
	Stream   *bool                  `json:"stream,omitempty"`
	Raw      bool                   `json:"raw,omitempty"`
	Format   json.RawMessage        `json:"format,omitempty"` // "json" or a JSON schema
	Options  map[string]interface{} `json:"options,omitempty"`

	// Duration hint for the upstream model's memory lifetime. The OpenAI
	// backend has no equivalent so it is accepted and ignored. Typed loosely
	// because clients send both "5m" and bare seconds.
	KeepAlive interface{} `json:"keep_alive,omitempty"`
}

// OllamaGenerateFrame is a single non-terminal streaming frame from
// /api/generate. Terminal frames use OllamaGenerateResponse.
type OllamaGenerateFrame struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// OllamaGenerateResponse is the unary response from /api/generate, also used
// as the terminal frame of a generate stream. Timing fields are emitted even
// when zero; clients read them unconditionally.
type OllamaGenerateResponse struct {
	Model              string `json:"model"`
	CreatedAt          string `json:"created_at"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	Context            []int  `json:"context,omitempty"`
	TotalDuration      int64  `json:"total_duration"` // nanoseconds
	LoadDuration       int64  `json:"load_duration"`  // nanoseconds
	PromptEvalCount    int    `json:"prompt_eval_count"`
	PromptEvalDuration int64  `json:"prompt_eval_duration"` // nanoseconds
	EvalCount          int    `json:"eval_count"`
	EvalDuration       int64  `json:"eval_duration"` // nanoseconds
	Error              string `json:"error,omitempty"`
}

// OllamaMessage represents a single message in a chat.
type OllamaMessage struct {
	Role      string            `json:"role"` // "system", "user", "assistant" or "tool"
	Content   string            `json:"content"`
	Images    []string          `json:"images,omitempty"` // base64 encoded images
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
}

// OllamaChatRequest describes a request to /api/chat.
type OllamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []OllamaMessage        `json:"messages"`
	Stream    *bool                  `json:"stream,omitempty"`
	Format    json.RawMessage        `json:"format,omitempty"`
	Tools     []openai.Tool          `json:"tools,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive interface{}            `json:"keep_alive,omitempty"`
}

// OllamaChatFrame is a single non-terminal streaming frame from /api/chat.
type OllamaChatFrame struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   OllamaMessage `json:"message"`
	Done      bool          `json:"done"`
}

// OllamaChatResponse is the unary response from /api/chat, also used as the
// terminal frame of a chat stream.
type OllamaChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          string        `json:"created_at"`
	Message            OllamaMessage `json:"message"`
	Done               bool          `json:"done"`
	DoneReason         string        `json:"done_reason,omitempty"`
	TotalDuration      int64         `json:"total_duration"` // nanoseconds
	LoadDuration       int64         `json:"load_duration"`  // nanoseconds
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration int64         `json:"prompt_eval_duration"` // nanoseconds
	EvalCount          int           `json:"eval_count"`
	EvalDuration       int64         `json:"eval_duration"` // nanoseconds
	Error              string        `json:"error,omitempty"`
}

// OllamaEmbeddingsRequest describes a request to /api/embeddings or
// /api/embed. The canonical field is "prompt"; "input" is accepted as a
// synonym for compatibility with clients built against the newer endpoint.
type OllamaEmbeddingsRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt,omitempty"`
	Input     string                 `json:"input,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive interface{}            `json:"keep_alive,omitempty"`
}

// Text returns the prompt, falling back to the input synonym.
func (r OllamaEmbeddingsRequest) Text() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	return r.Input
}

// OllamaEmbeddingsResponse is the response from /api/embeddings and
// /api/embed. The field is singular; the vector length always matches the
// upstream response exactly.
type OllamaEmbeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// OllamaListTagsResponse is the response from /api/tags.
type OllamaListTagsResponse struct {
	Models []OllamaModelResponse `json:"models"`
}

// OllamaModelResponse describes a single model in the tags list. Name and
// Model always carry the same value; real Ollama emits both keys.
type OllamaModelResponse struct {
	Name       string             `json:"name"`
	Model      string             `json:"model"`
	ModifiedAt string             `json:"modified_at"` // RFC 3339 with numeric offset
	Size       int64              `json:"size"`
	Digest     string             `json:"digest"`
	Details    OllamaModelDetails `json:"details"`
}

// OllamaModelDetails provides more details about a model.
type OllamaModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`             // e.g. "gguf"
	Family            string   `json:"family"`             // e.g. "gpt"
	Families          []string `json:"families,omitempty"` // e.g. ["gpt"]
	ParameterSize     string   `json:"parameter_size"`     // e.g. "175B"
	QuantizationLevel string   `json:"quantization_level"` // e.g. "Q4_K_M"
}

// OllamaShowRequest is the request for /api/show.
type OllamaShowRequest struct {
	Model string `json:"model,omitempty"` // newer clients send 'model'
	Name  string `json:"name,omitempty"`  // older clients send 'name'
}

// ModelName returns whichever identifier the client sent.
func (r OllamaShowRequest) ModelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

// OllamaShowResponse is the response from /api/show.
type OllamaShowResponse struct {
	License    string             `json:"license,omitempty"`
	Modelfile  string             `json:"modelfile,omitempty"`
	Parameters string             `json:"parameters,omitempty"`
	Template   string             `json:"template,omitempty"`
	System     string             `json:"system,omitempty"`
	Details    OllamaModelDetails `json:"details"`
	ModifiedAt string             `json:"modified_at,omitempty"`
}

// OllamaProcessResponse is the response from /api/ps. This gateway hosts no
// models, so the list is always empty.
type OllamaProcessResponse struct {
	Models []OllamaProcessModelResponse `json:"models"`
}

// OllamaProcessModelResponse describes a running model process.
type OllamaProcessModelResponse struct {
	Name      string             `json:"name"`
	Model     string             `json:"model"`
	Size      int64              `json:"size"`
	Digest    string             `json:"digest"`
	Details   OllamaModelDetails `json:"details"`
	ExpiresAt string             `json:"expires_at"`
	SizeVRAM  int64              `json:"size_vram"`
}
