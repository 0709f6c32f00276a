// Package model provides the provider-agnostic abstraction over chat
// completion APIs used by the loop orchestrator. Implementations wrap
// provider SDKs (OpenAI, Anthropic, Bedrock) and translate Request and
// Response to provider-specific formats. Adapters live under
// features/model; the orchestrator only depends on the interfaces here.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
)

type (
	// Client is the contract the orchestrator uses to invoke LLM calls.
	// Implementations must be safe for concurrent use and reusable across
	// runs.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Rate-limit rejections wrap ErrRateLimited.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental parts. Providers without streaming support
		// return ErrStreamingUnsupported. The returned Streamer must be
		// closed by the caller.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return StreamPart values until io.EOF. Implementations must release
	// underlying resources when Close is invoked.
	Streamer interface {
		// Recv returns the next part of the stream.
		Recv() (StreamPart, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider response metadata (request IDs,
		// rate-limit headers). Contents are provider-defined and optional.
		Metadata() map[string]string
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects
		// the adapter default.
		Model string
		// Messages is the ordered conversation sent to the model.
		Messages []messages.Message
		// Temperature controls sampling; zero means provider default.
		Temperature float32
		// MaxTokens caps completion tokens; zero means provider default.
		MaxTokens int
		// Tools lists the tool schemas exposed for function calling.
		Tools []ToolDefinition
		// ToolChoice constrains tool selection when non-nil.
		ToolChoice *ToolChoice
	}

	// Response is the complete result of a non-streaming invocation or the
	// aggregation of a drained stream.
	Response struct {
		// Text is the concatenated assistant text.
		Text string
		// Reasoning is the concatenated provider reasoning text, when any.
		Reasoning string
		// ToolCalls lists tool invocations requested by the model.
		ToolCalls []ToolCall
		// Usage reports token usage when available.
		Usage chunk.Usage
		// StopReason is the provider stop reason, normalized via
		// FinishReason.
		StopReason string
		// Metadata carries provider response metadata.
		Metadata map[string]string
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema for the tool arguments.
		InputSchema json.RawMessage
	}

	// ToolChoice constrains which tool the model may call.
	ToolChoice struct {
		// Mode is one of "auto", "none", "any", or "tool".
		Mode ToolChoiceMode
		// Name is the required tool when Mode is "tool".
		Name string
	}

	// ToolChoiceMode enumerates tool choice constraints.
	ToolChoiceMode string

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned tool call identifier.
		ID string
		// Name identifies the tool to invoke.
		Name string
		// Args is the JSON argument document.
		Args json.RawMessage
	}

	// StreamPart is one incremental event from a provider stream. Type
	// selects which fields are populated.
	StreamPart struct {
		// Type is the part kind.
		Type PartType
		// Text carries the incremental fragment for text and reasoning
		// parts, and the argument JSON fragment for tool-call-delta parts.
		Text string
		// ToolCall is populated for tool-call and tool-call-start parts.
		// Start parts carry ID and Name only; the complete call carries
		// the full argument document.
		ToolCall *ToolCall
		// Usage is populated for usage parts.
		Usage *chunk.Usage
		// StopReason is populated for stop parts.
		StopReason string
		// Signature is populated for reasoning-signature parts.
		Signature string
		// Redacted is populated for redacted-reasoning parts.
		Redacted []byte
	}

	// PartType enumerates provider stream part kinds.
	PartType string
)

// ToolChoiceMode values.
const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// StreamPart type values.
const (
	PartText               PartType = "text"
	PartReasoning          PartType = "reasoning"
	PartReasoningSignature PartType = "reasoning-signature"
	PartRedactedReasoning  PartType = "redacted-reasoning"
	PartToolCallStart      PartType = "tool-call-start"
	PartToolCallDelta      PartType = "tool-call-delta"
	PartToolCall           PartType = "tool-call"
	PartUsage              PartType = "usage"
	PartStop               PartType = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited wraps provider rate-limit rejections so the orchestrator
// can apply cooperative backoff.
var ErrRateLimited = errors.New("model: rate limited")

// FinishReason normalizes a provider stop reason into the chunk enum.
// Unknown values map to "stop".
func FinishReason(stop string) chunk.FinishReason {
	switch stop {
	case "tool_calls", "tool_use", "tool-calls":
		return chunk.FinishReasonToolCalls
	case "length", "max_tokens":
		return chunk.FinishReasonLength
	case "content_filter", "content-filter":
		return chunk.FinishReasonContentFilter
	case "error":
		return chunk.FinishReasonError
	default:
		return chunk.FinishReasonStop
	}
}
