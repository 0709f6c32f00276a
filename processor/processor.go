// Package processor defines the ordered, mutable, short-circuitable
// pipeline of transforms that an agent run's input messages and output
// chunk stream flow through. A processor is any value with a unique ID
// that implements at least one of the optional hook interfaces below;
// the pipeline discovers capabilities by interface assertion, so
// third-party processors compose without a base type.
//
// Hooks never panic to abort: they return a *Tripwire control value (or
// embed one in a StreamResult) which the orchestrator catches at exactly
// one point, the step boundary. A tripwire is not a system error; hook
// errors are reserved for genuine failures.
package processor

import (
	"context"
	"encoding/json"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
)

type (
	// Processor is the minimal contract for a pipeline member. A useful
	// processor additionally implements one or more of InputProcessor,
	// InputStepProcessor, StreamProcessor, OutputStepProcessor, and
	// OutputResultProcessor.
	Processor interface {
		// ID returns the unique processor identifier. It keys the
		// processor's private state and attributes tripwires.
		ID() string
	}

	// InputProcessor runs once per run, before the first model call. It
	// may rewrite the message list in place.
	InputProcessor interface {
		Processor
		ProcessInput(ctx context.Context, in *Input) (*Tripwire, error)
	}

	// InputStepProcessor runs before every step of a multi-step loop. It
	// may override the model, tool set, tool choice, or temperature for
	// that step only.
	InputStepProcessor interface {
		Processor
		ProcessInputStep(ctx context.Context, in *InputStep) (*StepOverrides, *Tripwire, error)
	}

	// StreamProcessor runs per emitted chunk, in pipeline order: each
	// processor receives the output of the previous one for the current
	// chunk. It may pass the chunk through, replace it, drop it, or abort
	// the run.
	StreamProcessor interface {
		Processor
		ProcessStream(ctx context.Context, in *Stream) (StreamResult, error)
	}

	// OutputStepProcessor runs after each step's model response, before
	// tool execution. It is the natural hook for guardrails that can
	// request a retry of the step.
	OutputStepProcessor interface {
		Processor
		ProcessOutputStep(ctx context.Context, in *OutputStep) (*Tripwire, error)
	}

	// OutputResultProcessor runs once over the final assembled message set.
	OutputResultProcessor interface {
		Processor
		ProcessOutputResult(ctx context.Context, in *OutputResult) (*Tripwire, error)
	}

	// State is the per-processor mutable bag. It is created empty at run
	// start, owned exclusively by its processor for the lifetime of one
	// run, and discarded at run end. Stateful behavior (chunk windows,
	// counters) lives here, never in the processor value itself.
	State map[string]any

	// Input is the argument to ProcessInput.
	Input struct {
		// Messages is the run's canonical message list. Mutations are
		// visible to subsequent processors and to the model call.
		Messages *messages.List
		// State is the processor's private bag for this run.
		State State
		// RetryCount is the current step retry ordinal (zero on the first
		// attempt). Reset per step.
		RetryCount int
		// TripwireReason carries the reason of the tripwire that triggered
		// a retry, as feedback to the processors. Empty on first attempts.
		TripwireReason string
	}

	// InputStep is the argument to ProcessInputStep.
	InputStep struct {
		Messages   *messages.List
		State      State
		RetryCount int
		// TripwireReason carries the reason of the tripwire that triggered
		// a retry of this step. Empty on first attempts.
		TripwireReason string
		// StepNumber is the zero-based step ordinal.
		StepNumber int
		// Model is the model identifier selected for the step.
		Model string
		// Tools is the tool set exposed for the step.
		Tools []model.ToolDefinition
		// ToolChoice is the current tool choice constraint, if any.
		ToolChoice *model.ToolChoice
	}

	// StepOverrides replaces step parameters for the current step only.
	// Nil/empty fields leave the corresponding parameter untouched.
	StepOverrides struct {
		Model       string
		Tools       []model.ToolDefinition
		ToolChoice  *model.ToolChoice
		Temperature *float32
	}

	// Stream is the argument to ProcessStream.
	Stream struct {
		// Chunk is the current chunk as transformed by earlier processors
		// in the chain.
		Chunk chunk.Chunk
		// Parts is the cumulative ordered history of all chunks emitted so
		// far in this run, with the current chunk always the last element.
		// The slice is read-only to processors.
		Parts []chunk.Chunk
		State State
		// RetryCount is the current step retry ordinal.
		RetryCount int
	}

	// OutputStep is the argument to ProcessOutputStep.
	OutputStep struct {
		Messages   *messages.List
		State      State
		RetryCount int
		StepNumber int
		// FinishReason is the step's normalized stop reason.
		FinishReason chunk.FinishReason
		// ToolCalls lists the tool invocations the step requested.
		ToolCalls []model.ToolCall
		// Text is the assistant text generated by the step.
		Text string
		// StepTexts holds the text of every completed step so far,
		// including this one.
		StepTexts []string
	}

	// OutputResult is the argument to ProcessOutputResult.
	OutputResult struct {
		Messages   *messages.List
		State      State
		RetryCount int
	}

	// Tripwire is the processor-initiated abort/retry control value. It is
	// never propagated as an error past the orchestrator boundary; it
	// surfaces on the stream as a tripwire chunk and in the run result as
	// finish reason "tripwire" or "retry".
	Tripwire struct {
		// Reason is the human-readable abort explanation.
		Reason string
		// Retry requests that the orchestrator re-run the step (bounded by
		// the configured retry ceiling) instead of terminating the run.
		Retry bool
		// Metadata carries processor-defined context.
		Metadata any
		// ProcessorID identifies the tripping processor. The pipeline fills
		// it in when the processor leaves it empty.
		ProcessorID string
	}

	// StreamResult is the tagged outcome of a ProcessStream call: exactly
	// one of pass-through, replace, drop, or abort.
	StreamResult struct {
		replacement *chunk.Chunk
		drop        bool
		trip        *Tripwire
	}
)

// Keep passes the current chunk through unchanged.
func Keep() StreamResult { return StreamResult{} }

// Drop removes the current chunk from the outgoing stream.
func Drop() StreamResult { return StreamResult{drop: true} }

// Replace substitutes c for the current chunk. Later processors in the
// chain observe c.
func Replace(c chunk.Chunk) StreamResult { return StreamResult{replacement: &c} }

// Abort halts the run with the given tripwire.
func Abort(t *Tripwire) StreamResult { return StreamResult{trip: t} }

// Tripwire returns the abort decision, or nil.
func (r StreamResult) Tripwire() *Tripwire { return r.trip }

// Dropped reports whether the chunk was removed from the stream.
func (r StreamResult) Dropped() bool { return r.drop }

// Apply resolves the result against the incoming chunk: the replacement
// when one was set, otherwise the original.
func (r StreamResult) Apply(in chunk.Chunk) chunk.Chunk {
	if r.replacement != nil {
		return *r.replacement
	}
	return in
}

// Info converts the tripwire to its wire representation.
func (t *Tripwire) Info() chunk.TripwireInfo {
	info := chunk.TripwireInfo{
		Reason:      t.Reason,
		Retry:       t.Retry,
		ProcessorID: t.ProcessorID,
	}
	if t.Metadata != nil {
		if data, err := json.Marshal(t.Metadata); err == nil {
			info.Metadata = data
		}
	}
	return info
}
