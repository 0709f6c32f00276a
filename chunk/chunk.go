// Package chunk defines the typed event stream that represents an LLM
// agent's incremental output. A Chunk is one discriminated-union event:
// text deltas, reasoning, tool calls and results, structured-output
// snapshots, step and run boundaries, errors, and tripwire aborts.
//
// Chunks are immutable once emitted. Consumers may hold references to the
// same Chunk value, so code that wants to alter one must construct a new
// Chunk rather than mutate in place. The payload variants form a closed
// set that is extensible by addition only: fields are never repurposed
// across versions.
package chunk

import (
	"encoding/json"
	"strings"
	"time"
)

type (
	// Chunk is a single event in an agent output stream. Every chunk carries
	// the run it belongs to, the subsystem that emitted it, and a payload
	// whose concrete type is selected by Type.
	Chunk struct {
		// Type discriminates the payload shape. It is always equal to
		// Payload.Kind() for chunks built with New; data chunks use the
		// "data-<id>" form.
		Type Type
		// RunID identifies the end-to-end agent invocation that produced
		// this chunk. All chunks of one run share the same RunID.
		RunID string
		// From identifies the subsystem that emitted the chunk.
		From From
		// Payload holds the variant-specific data. It is nil only for
		// variants that carry no data.
		Payload Payload
	}

	// Payload is implemented by every chunk payload variant. Kind reports
	// the chunk type the payload belongs to, which keeps the Type tag and
	// the payload shape consistent by construction.
	Payload interface {
		Kind() Type
	}

	// Type discriminates chunk payload shapes. The set of values is closed;
	// additions are appended, never repurposed.
	Type string

	// From identifies the subsystem that emitted a chunk.
	From string

	// FinishReason explains why a step or run stopped generating.
	FinishReason string

	// Usage aggregates token counts across one step or one full run.
	// Counts are additive: step usages sum to the run usage reported on
	// the finish chunk.
	Usage struct {
		// InputTokens counts prompt tokens, including system prompts and
		// prior conversation turns.
		InputTokens int `json:"inputTokens"`
		// OutputTokens counts generated completion tokens, including tool
		// call arguments.
		OutputTokens int `json:"outputTokens"`
		// ReasoningTokens counts tokens spent on provider reasoning/thinking
		// output when reported.
		ReasoningTokens int `json:"reasoningTokens,omitempty"`
		// CachedInputTokens counts prompt tokens served from a provider
		// prompt cache when reported.
		CachedInputTokens int `json:"cachedInputTokens,omitempty"`
		// TotalTokens is the aggregate when reported by the provider;
		// otherwise the sum of input and output tokens.
		TotalTokens int `json:"totalTokens"`
	}

	// RequestInfo describes the model request that produced a step. It is
	// attached to step-start, step-finish, and finish payloads and contains
	// the fields the transport redaction policy treats as sensitive.
	RequestInfo struct {
		// Model is the provider model identifier used for the step.
		Model string `json:"model,omitempty"`
		// SystemPrompt is the system prompt text sent to the model.
		// Stripped by the transport redaction policy.
		SystemPrompt string `json:"systemPrompt,omitempty"`
		// RawBody is the raw provider request body when captured.
		// Stripped by the transport redaction policy.
		RawBody json.RawMessage `json:"rawBody,omitempty"`
		// Tools lists the tool definitions exposed to the model for the
		// step. Schemas are stripped by the transport redaction policy.
		Tools []ToolInfo `json:"tools,omitempty"`
	}

	// ToolInfo describes one tool definition included in a model request.
	ToolInfo struct {
		// Name is the tool identifier presented to the model.
		Name string `json:"name"`
		// Description documents the tool for prompting purposes.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON Schema for the tool arguments. Stripped
		// by the transport redaction policy.
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// TripwireInfo records a processor-initiated abort or retry request.
	// It is a control-flow value, not a system error.
	TripwireInfo struct {
		// Reason is the human-readable explanation supplied by the processor.
		Reason string `json:"reason"`
		// Retry requests that the orchestrator re-run the step instead of
		// terminating the run.
		Retry bool `json:"retry,omitempty"`
		// ProcessorID identifies the processor that tripped.
		ProcessorID string `json:"processorId,omitempty"`
		// Metadata carries processor-defined context for the abort.
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
)

// From values identify the subsystem that emitted a chunk.
const (
	FromAgent    From = "AGENT"
	FromUser     From = "USER"
	FromSystem   From = "SYSTEM"
	FromWorkflow From = "WORKFLOW"
	FromNetwork  From = "NETWORK"
)

// Text lifecycle chunk types.
const (
	TypeTextStart Type = "text-start"
	TypeTextDelta Type = "text-delta"
	TypeTextEnd   Type = "text-end"
)

// Reasoning lifecycle chunk types.
const (
	TypeReasoningStart     Type = "reasoning-start"
	TypeReasoningDelta     Type = "reasoning-delta"
	TypeReasoningEnd       Type = "reasoning-end"
	TypeReasoningSignature Type = "reasoning-signature"
	TypeRedactedReasoning  Type = "redacted-reasoning"
)

// Tool lifecycle chunk types.
const (
	TypeToolCallInputStreamingStart Type = "tool-call-input-streaming-start"
	TypeToolCallDelta               Type = "tool-call-delta"
	TypeToolCallInputStreamingEnd   Type = "tool-call-input-streaming-end"
	TypeToolCall                    Type = "tool-call"
	TypeToolCallApproval            Type = "tool-call-approval"
	TypeToolCallSuspended           Type = "tool-call-suspended"
	TypeToolResult                  Type = "tool-result"
	TypeToolError                   Type = "tool-error"
	TypeToolOutput                  Type = "tool-output"
)

// Structured output chunk types.
const (
	TypeObject       Type = "object"
	TypeObjectResult Type = "object-result"
)

// Step and run lifecycle chunk types.
const (
	TypeStart          Type = "start"
	TypeStepStart      Type = "step-start"
	TypeStepFinish     Type = "step-finish"
	TypeFinish         Type = "finish"
	TypeAbort          Type = "abort"
	TypeError          Type = "error"
	TypeTripwire       Type = "tripwire"
	TypeIsTaskComplete Type = "is-task-complete"
)

// Ancillary chunk types.
const (
	TypeSource           Type = "source"
	TypeFile             Type = "file"
	TypeResponseMetadata Type = "response-metadata"
	TypeRaw              Type = "raw"
	TypeWatch            Type = "watch"
	TypeStepOutput       Type = "step-output"
)

// dataTypePrefix marks free-form processor-defined chunk types.
const dataTypePrefix = "data-"

// FinishReason values. The first five mirror provider stop reasons; the
// last two are emitted when a processor tripwire terminates or retries.
const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonToolCalls     FinishReason = "tool-calls"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content-filter"
	FinishReasonError         FinishReason = "error"
	FinishReasonTripwire      FinishReason = "tripwire"
	FinishReasonRetry         FinishReason = "retry"
)

// New constructs a chunk for the given run, origin, and payload. The Type
// tag is derived from the payload so the two can never disagree.
func New(runID string, from From, p Payload) Chunk {
	return Chunk{Type: p.Kind(), RunID: runID, From: from, Payload: p}
}

// IsData reports whether t is a free-form "data-*" chunk type.
func (t Type) IsData() bool {
	return strings.HasPrefix(string(t), dataTypePrefix) && len(t) > len(dataTypePrefix)
}

// DataType builds the chunk type for a processor-defined data chunk with
// the given identifier, e.g. DataType("moderation") == "data-moderation".
func DataType(id string) Type { return Type(dataTypePrefix + id) }

// IsDelta reports whether chunks of this type may legitimately repeat an
// ID with incremental payloads (text, reasoning, and tool-call deltas).
func (t Type) IsDelta() bool {
	switch t {
	case TypeTextDelta, TypeReasoningDelta, TypeToolCallDelta:
		return true
	}
	return false
}

// IsTerminal reports whether the chunk type ends a run's primary
// generation: finish, abort, and error chunks are terminal.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeFinish, TypeAbort, TypeError:
		return true
	}
	return false
}

// Add returns the element-wise sum of two usages. TotalTokens is summed
// directly when both sides report it; otherwise it is recomputed.
func (u Usage) Add(delta Usage) Usage {
	sum := Usage{
		InputTokens:       u.InputTokens + delta.InputTokens,
		OutputTokens:      u.OutputTokens + delta.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens + delta.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens + delta.CachedInputTokens,
		TotalTokens:       u.TotalTokens + delta.TotalTokens,
	}
	if sum.TotalTokens == 0 {
		sum.TotalTokens = sum.InputTokens + sum.OutputTokens
	}
	return sum
}

type (
	// TextStart opens a text segment. Subsequent TextDelta payloads with
	// the same ID extend the segment until TextEnd closes it.
	TextStart struct {
		// ID correlates the start, deltas, and end of one text segment.
		ID string `json:"id"`
	}

	// TextDelta carries an incremental piece of assistant text.
	TextDelta struct {
		ID string `json:"id"`
		// Text is the incremental fragment. Consumers concatenate fragments
		// in arrival order to reconstruct the segment.
		Text string `json:"text"`
	}

	// TextEnd closes a text segment.
	TextEnd struct {
		ID string `json:"id"`
	}

	// ReasoningStart opens a provider reasoning segment.
	ReasoningStart struct {
		ID string `json:"id"`
	}

	// ReasoningDelta carries an incremental piece of reasoning text.
	ReasoningDelta struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}

	// ReasoningEnd closes a reasoning segment.
	ReasoningEnd struct {
		ID string `json:"id"`
	}

	// ReasoningSignature carries the provider signature that authenticates
	// a reasoning segment.
	ReasoningSignature struct {
		ID        string `json:"id"`
		Signature string `json:"signature"`
	}

	// RedactedReasoning carries provider-redacted reasoning bytes that must
	// be echoed back verbatim on subsequent requests.
	RedactedReasoning struct {
		ID   string `json:"id"`
		Data []byte `json:"data"`
	}

	// ToolCallInputStreamingStart announces that the provider began
	// streaming argument JSON for a tool call.
	ToolCallInputStreamingStart struct {
		// ToolCallID correlates all chunks of one tool invocation.
		ToolCallID string `json:"toolCallId"`
		// ToolName is the tool identifier the model is invoking.
		ToolName string `json:"toolName"`
	}

	// ToolCallDelta carries an incremental fragment of tool argument JSON.
	// Fragments are not guaranteed to be valid JSON on their own.
	ToolCallDelta struct {
		ToolCallID string `json:"toolCallId"`
		// ArgsTextDelta is the raw argument JSON fragment.
		ArgsTextDelta string `json:"argsTextDelta"`
	}

	// ToolCallInputStreamingEnd closes the argument stream for a tool call.
	ToolCallInputStreamingEnd struct {
		ToolCallID string `json:"toolCallId"`
	}

	// ToolCall is the canonical, complete tool invocation requested by the
	// model. It is emitted once per tool call, after any argument deltas.
	ToolCall struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		// Args is the complete argument document. Stripped by the transport
		// redaction policy on lifecycle chunks that embed request info;
		// tool-call chunks themselves carry it so consumers can execute.
		Args json.RawMessage `json:"args,omitempty"`
	}

	// ToolCallApproval requests an out-of-band approval decision before the
	// tool executes.
	ToolCallApproval struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args,omitempty"`
	}

	// ToolCallSuspended signals that a tool call was suspended pending
	// external input and will not complete within this run.
	ToolCallSuspended struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Reason     string `json:"reason,omitempty"`
	}

	// ToolResult carries the output of a completed tool execution. It is
	// always emitted after the ToolCall chunk with the same ToolCallID.
	ToolResult struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Result     json.RawMessage `json:"result,omitempty"`
		// IsError marks results that represent a tool-level failure the
		// model should see (as opposed to ToolError, which is terminal for
		// the call).
		IsError bool `json:"isError,omitempty"`
		// Duration is the wall-clock execution time for the call.
		Duration time.Duration `json:"duration,omitempty"`
	}

	// ToolError reports that a tool execution failed.
	ToolError struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Message    string `json:"message"`
	}

	// ToolOutput carries an incremental output fragment emitted by a tool
	// while it is still running. Best-effort UX signal; the canonical
	// output is still the ToolResult chunk.
	ToolOutput struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		// Stream names the logical channel ("stdout", "log", "progress").
		Stream string `json:"stream,omitempty"`
		Delta  string `json:"delta"`
	}

	// Object is a cumulative partial snapshot of the run's structured
	// output. Each Object chunk replaces the previous partial view.
	Object struct {
		// Data is the current partial object document.
		Data json.RawMessage `json:"data"`
	}

	// ObjectResult is the final structured output of the run. It is emitted
	// at most once per run and fulfills the caller's object promise.
	ObjectResult struct {
		Data json.RawMessage `json:"data"`
	}

	// Start announces the beginning of a run, before the first step.
	Start struct {
		// Request describes the initial model request when known.
		Request *RequestInfo `json:"request,omitempty"`
	}

	// StepStart announces the beginning of one model-call step.
	StepStart struct {
		// StepNumber is zero-based and increments per step, not per retry.
		StepNumber int          `json:"stepNumber"`
		Request    *RequestInfo `json:"request,omitempty"`
	}

	// StepFinish closes one step and reports its usage and stop reason.
	StepFinish struct {
		StepNumber   int          `json:"stepNumber"`
		FinishReason FinishReason `json:"finishReason"`
		// Usage is the token usage for this step only.
		Usage   Usage        `json:"usage"`
		Request *RequestInfo `json:"request,omitempty"`
		// Tripwire records the processor abort attached to this step, if any.
		Tripwire *TripwireInfo `json:"tripwire,omitempty"`
		// Metadata carries provider response metadata for the step, such as
		// rate-limit headers the orchestrator uses for cooperative backoff.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Finish is the unique signal that a run's primary generation is
	// complete. Usage aggregates all steps of the run.
	Finish struct {
		FinishReason FinishReason `json:"finishReason"`
		Usage        Usage        `json:"usage"`
		Request      *RequestInfo `json:"request,omitempty"`
	}

	// Abort terminates a run following a non-retryable tripwire or an
	// external cancellation.
	Abort struct {
		Reason string `json:"reason,omitempty"`
	}

	// Error reports an unrecoverable failure (provider rejection,
	// non-tripwire exception). The stream still closes cleanly after an
	// Error chunk.
	Error struct {
		Message string `json:"message"`
		// Code classifies the failure when known (provider code, HTTP status).
		Code string `json:"code,omitempty"`
	}

	// Tripwire surfaces a processor abort decision on the stream.
	Tripwire struct {
		TripwireInfo
	}

	// IsTaskComplete reports a workflow-level task completion assessment.
	IsTaskComplete struct {
		Complete bool   `json:"complete"`
		Reason   string `json:"reason,omitempty"`
	}

	// Source cites an external document the model drew from.
	Source struct {
		ID    string `json:"id"`
		URL   string `json:"url,omitempty"`
		Title string `json:"title,omitempty"`
	}

	// File carries a file artifact produced during the run.
	File struct {
		Name     string `json:"name,omitempty"`
		MIMEType string `json:"mimeType"`
		Data     []byte `json:"data,omitempty"`
		URL      string `json:"url,omitempty"`
	}

	// ResponseMetadata carries provider response identifiers and headers.
	ResponseMetadata struct {
		Model string `json:"model,omitempty"`
		// Headers holds selected provider response headers (request IDs,
		// rate-limit counters).
		Headers map[string]string `json:"headers,omitempty"`
	}

	// Raw passes a provider wire event through unmodified for debugging.
	Raw struct {
		Data json.RawMessage `json:"data"`
	}

	// Watch carries orchestrator-internal observation data for callers that
	// subscribe to run internals.
	Watch struct {
		Data json.RawMessage `json:"data"`
	}

	// StepOutput wraps a chunk produced by a nested workflow step. Nesting
	// is bounded to one level: the inner chunk is never itself a StepOutput.
	StepOutput struct {
		Output *Chunk `json:"output"`
	}

	// Data is a free-form processor-defined signal. The chunk type is
	// "data-<id>".
	Data struct {
		// ID names the processor-defined signal; it also appears in the
		// chunk type tag.
		ID string `json:"id"`
		// Payload is opaque to the runtime.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

func (TextStart) Kind() Type                   { return TypeTextStart }
func (TextDelta) Kind() Type                   { return TypeTextDelta }
func (TextEnd) Kind() Type                     { return TypeTextEnd }
func (ReasoningStart) Kind() Type              { return TypeReasoningStart }
func (ReasoningDelta) Kind() Type              { return TypeReasoningDelta }
func (ReasoningEnd) Kind() Type                { return TypeReasoningEnd }
func (ReasoningSignature) Kind() Type          { return TypeReasoningSignature }
func (RedactedReasoning) Kind() Type           { return TypeRedactedReasoning }
func (ToolCallInputStreamingStart) Kind() Type { return TypeToolCallInputStreamingStart }
func (ToolCallDelta) Kind() Type               { return TypeToolCallDelta }
func (ToolCallInputStreamingEnd) Kind() Type   { return TypeToolCallInputStreamingEnd }
func (ToolCall) Kind() Type                    { return TypeToolCall }
func (ToolCallApproval) Kind() Type            { return TypeToolCallApproval }
func (ToolCallSuspended) Kind() Type           { return TypeToolCallSuspended }
func (ToolResult) Kind() Type                  { return TypeToolResult }
func (ToolError) Kind() Type                   { return TypeToolError }
func (ToolOutput) Kind() Type                  { return TypeToolOutput }
func (Object) Kind() Type                      { return TypeObject }
func (ObjectResult) Kind() Type                { return TypeObjectResult }
func (Start) Kind() Type                       { return TypeStart }
func (StepStart) Kind() Type                   { return TypeStepStart }
func (StepFinish) Kind() Type                  { return TypeStepFinish }
func (Finish) Kind() Type                      { return TypeFinish }
func (Abort) Kind() Type                       { return TypeAbort }
func (Error) Kind() Type                       { return TypeError }
func (Tripwire) Kind() Type                    { return TypeTripwire }
func (IsTaskComplete) Kind() Type              { return TypeIsTaskComplete }
func (Source) Kind() Type                      { return TypeSource }
func (File) Kind() Type                        { return TypeFile }
func (ResponseMetadata) Kind() Type            { return TypeResponseMetadata }
func (Raw) Kind() Type                         { return TypeRaw }
func (Watch) Kind() Type                       { return TypeWatch }
func (StepOutput) Kind() Type                  { return TypeStepOutput }

// Kind returns the "data-<id>" type for this payload.
func (d Data) Kind() Type { return DataType(d.ID) }
