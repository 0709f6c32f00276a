package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
	"goa.design/agentwire/processor"
)

// Tool is one callable exposed to the model. Execute receives the argument
// document produced by the model and returns the result document. Execute
// must honor ctx cancellation; a returned error terminates the run.
type Tool struct {
	// Name is the identifier presented to the model. Unique per Loop.
	Name string
	// Description documents the tool for prompting purposes.
	Description string
	// InputSchema is the JSON Schema for the tool arguments.
	InputSchema json.RawMessage
	// Execute runs the tool.
	Execute func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// toolResult pairs one tool call with its execution outcome.
type toolResult struct {
	call     model.ToolCall
	result   json.RawMessage
	err      error
	duration time.Duration
}

func (l *Loop) toolDefinitions() []model.ToolDefinition {
	if len(l.tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, len(l.tools))
	for i, t := range l.tools {
		defs[i] = model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return defs
}

func (l *Loop) tool(name string) (Tool, bool) {
	for _, t := range l.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// executeTools runs the step's tool calls with bounded concurrency, then
// emits tool-result chunks and appends tool messages in call order so the
// stream stays causally ordered regardless of completion order. Any tool
// failure terminates the run.
func (l *Loop) executeTools(ctx context.Context, r *Run, pipe *processor.Pipeline, list *messages.List, calls []model.ToolCall) error {
	r.setPhase(PhaseToolExecuting)

	results := make([]toolResult, len(calls))
	sem := make(chan struct{}, l.toolWorkers)
	done := make(chan int, len(calls))
	for i, call := range calls {
		go func(i int, call model.ToolCall) {
			defer func() { done <- i }()
			results[i].call = call
			tool, ok := l.tool(call.Name)
			if !ok {
				results[i].err = fmt.Errorf("unknown tool %q", call.Name)
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			defer func() { <-sem }()
			tctx, span := l.tracer.Start(ctx, "tool.execute",
				trace.WithAttributes(
					attribute.String("tool", call.Name),
					attribute.String("tool_call_id", call.ID)))
			defer span.End()
			start := time.Now()
			out, err := tool.Execute(tctx, call.Args)
			results[i].duration = time.Since(start)
			results[i].result = out
			results[i].err = err
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "tool execution failed")
				return
			}
			span.SetStatus(codes.Ok, "ok")
		}(i, call)
	}
	for range calls {
		<-done
	}

	for _, res := range results {
		l.metrics.RecordTimer("tool_duration", res.duration, "tool", res.call.Name)
		if res.err != nil {
			l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.ToolError{
				ToolCallID: res.call.ID,
				ToolName:   res.call.Name,
				Message:    res.err.Error(),
			}))
			return fmt.Errorf("tool %q: %w", res.call.Name, res.err)
		}
		trip, err := l.emit(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, chunk.ToolResult{
			ToolCallID: res.call.ID,
			ToolName:   res.call.Name,
			Result:     res.result,
			Duration:   res.duration,
		}))
		if err != nil {
			return err
		}
		if trip != nil {
			// Stream tripwires on tool results abort like any other.
			return &tripwireError{trip: trip}
		}
		msg := messages.New(messages.RoleTool, string(res.result))
		msg.ToolCallID = res.call.ID
		list.Append(msg)
	}
	return nil
}

// tripwireError carries a stream tripwire raised during tool result
// emission up to the run loop.
type tripwireError struct {
	trip *processor.Tripwire
}

func (e *tripwireError) Error() string {
	return "tripwire: " + e.trip.Reason
}
