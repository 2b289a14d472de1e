package proxy

import (
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatStream is the portion of the upstream streaming handle the adapter
// consumes. Recv returns io.EOF once the upstream stream is finished.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// FrameSink receives NDJSON frames one at a time. Implementations marshal,
// append the newline and flush, so every frame is visible to the client as
// soon as it is produced.
type FrameSink interface {
	WriteFrame(v interface{}) error
}

// StreamAdapter converts one upstream chat-completion stream into Ollama
// NDJSON frames: one frame per content-bearing chunk, then a single
// terminal frame with done=true. An adapter serves exactly one request.
type StreamAdapter struct {
	model  string
	isChat bool

	started      time.Time
	firstToken   time.Time
	finishReason openai.FinishReason
	usage        *openai.Usage
}

func NewStreamAdapter(model string, isChat bool) *StreamAdapter {
	return &StreamAdapter{model: model, isChat: isChat}
}

// Relay pulls chunks one-for-one until the upstream stream ends and writes
// the corresponding frames. It returns the number of frames written and
// the upstream error, if any. Once at least one frame has reached the
// client a failure is reported in-band as a terminal frame with
// done_reason "error"; the caller must not write anything further either
// way. Cancellation propagates through the stream's context: Recv returns
// the context error and Relay winds down within one poll cycle.
func (a *StreamAdapter) Relay(stream ChatStream, sink FrameSink) (int, error) {
	defer stream.Close()
	a.started = time.Now()

	frames := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if frames == 0 {
				return 0, err
			}
			if writeErr := sink.WriteFrame(a.errorFrame(err)); writeErr == nil {
				frames++
			}
			return frames, err
		}

		if chunk.Usage != nil {
			usage := *chunk.Usage
			a.usage = &usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
		content := choice.Delta.Content
		if content == "" {
			continue
		}
		if a.firstToken.IsZero() {
			a.firstToken = time.Now()
		}
		if err := sink.WriteFrame(a.contentFrame(content)); err != nil {
			return frames, err
		}
		frames++
	}

	if err := sink.WriteFrame(a.terminalFrame()); err != nil {
		return frames, err
	}
	return frames + 1, nil
}

// PromptEvalCount returns the prompt token total the upstream reported, or
// zero when it sent no usage.
func (a *StreamAdapter) PromptEvalCount() int {
	if a.usage == nil {
		return 0
	}
	return a.usage.PromptTokens
}

// EvalCount returns the completion token total the upstream reported, or
// zero when it sent no usage.
func (a *StreamAdapter) EvalCount() int {
	if a.usage == nil {
		return 0
	}
	return a.usage.CompletionTokens
}

func (a *StreamAdapter) contentFrame(content string) interface{} {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if a.isChat {
		return OllamaChatFrame{
			Model:     a.model,
			CreatedAt: now,
			Message: OllamaMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
		}
	}
	return OllamaGenerateFrame{
		Model:     a.model,
		CreatedAt: now,
		Response:  content,
	}
}

// terminalFrame carries empty content, the mapped done_reason and the
// nanosecond timings. Token counts come from the upstream usage totals
// when it sent them, zero otherwise.
func (a *StreamAdapter) terminalFrame() interface{} {
	timings := a.timings()
	doneReason := mapFinishReason(a.finishReason)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if a.isChat {
		return OllamaChatResponse{
			Model:     a.model,
			CreatedAt: now,
			Message: OllamaMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "",
			},
			Done:               true,
			DoneReason:         doneReason,
			TotalDuration:      timings.TotalDuration,
			LoadDuration:       timings.LoadDuration,
			PromptEvalCount:    a.PromptEvalCount(),
			PromptEvalDuration: timings.PromptEvalDuration,
			EvalCount:          a.EvalCount(),
			EvalDuration:       timings.EvalDuration,
		}
	}
	return OllamaGenerateResponse{
		Model:              a.model,
		CreatedAt:          now,
		Response:           "",
		Done:               true,
		DoneReason:         doneReason,
		TotalDuration:      timings.TotalDuration,
		LoadDuration:       timings.LoadDuration,
		PromptEvalCount:    a.PromptEvalCount(),
		PromptEvalDuration: timings.PromptEvalDuration,
		EvalCount:          a.EvalCount(),
		EvalDuration:       timings.EvalDuration,
	}
}

// errorFrame is the mid-stream failure shape. The response already went out
// as 200 with partial frames, so the error travels in-band on a terminal
// frame and the stream still ends with exactly one done=true.
func (a *StreamAdapter) errorFrame(err error) interface{} {
	_, message := MapUpstreamError(err, a.model)
	timings := a.timings()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if a.isChat {
		return OllamaChatResponse{
			Model:     a.model,
			CreatedAt: now,
			Message: OllamaMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "",
			},
			Done:               true,
			DoneReason:         "error",
			Error:              message,
			TotalDuration:      timings.TotalDuration,
			PromptEvalDuration: timings.PromptEvalDuration,
			EvalDuration:       timings.EvalDuration,
		}
	}
	return OllamaGenerateResponse{
		Model:              a.model,
		CreatedAt:          now,
		Done:               true,
		DoneReason:         "error",
		Error:              message,
		TotalDuration:      timings.TotalDuration,
		PromptEvalDuration: timings.PromptEvalDuration,
		EvalDuration:       timings.EvalDuration,
	}
}

// timings splits the elapsed time at the first content chunk: everything
// before it counts as prompt evaluation, everything after as generation.
func (a *StreamAdapter) timings() Timings {
	now := time.Now()
	total := now.Sub(a.started)
	var promptEval, eval time.Duration
	if !a.firstToken.IsZero() {
		promptEval = a.firstToken.Sub(a.started)
		eval = now.Sub(a.firstToken)
	}
	return Timings{
		TotalDuration:      total.Nanoseconds(),
		PromptEvalDuration: promptEval.Nanoseconds(),
		EvalDuration:       eval.Nanoseconds(),
	}
}
