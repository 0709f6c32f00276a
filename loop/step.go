package loop

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
	"goa.design/agentwire/processor"
)

// stepOutcome is the result of one model-call step (one attempt).
type stepOutcome struct {
	text        string
	finish      chunk.FinishReason
	toolCalls   []model.ToolCall
	usage       chunk.Usage
	metadata    map[string]string
	trip        *processor.Tripwire
	assistantID string
}

// runStep executes one step: input-step overrides, the model call with
// per-part chunk emission, message append, and the output-step phase.
// Tripwires are returned on the outcome, never as errors.
func (l *Loop) runStep(ctx context.Context, r *Run, pipe *processor.Pipeline, list *messages.List, stepNum, retryCount int, tripReason string) (*stepOutcome, error) {
	in := &processor.InputStep{
		Messages:       list,
		RetryCount:     retryCount,
		TripwireReason: tripReason,
		StepNumber:     stepNum,
		Model:          l.model,
		Tools:          l.toolDefinitions(),
		ToolChoice:     l.toolChoice,
	}
	overrides, trip, err := pipe.RunInputStep(ctx, in)
	if err != nil {
		return nil, err
	}
	if trip != nil {
		return &stepOutcome{trip: trip}, nil
	}

	req := model.Request{
		Model:       in.Model,
		Messages:    list.All(),
		Temperature: l.temperature,
		MaxTokens:   l.maxTokens,
		Tools:       in.Tools,
		ToolChoice:  in.ToolChoice,
	}
	if overrides != nil && overrides.Temperature != nil {
		req.Temperature = *overrides.Temperature
	}

	info := l.requestInfo(req.Model)
	info.SystemPrompt = systemPrompt(list)
	if trip, err := l.emitRetry(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, chunk.StepStart{
		StepNumber: stepNum,
		Request:    info,
	}), retryCount); err != nil {
		return nil, err
	} else if trip != nil {
		return &stepOutcome{trip: trip}, nil
	}

	out, err := l.invokeModel(ctx, r, pipe, req, retryCount)
	if err != nil {
		return nil, err
	}
	if out.trip != nil {
		return out, nil
	}

	// The conversation records the untransformed model output; stream
	// processors shape the wire, not the history.
	msg := messages.New(messages.RoleAssistant, out.text)
	for _, tc := range out.toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, messages.ToolCallRef{
			ID:   tc.ID,
			Name: tc.Name,
			Args: string(tc.Args),
		})
	}
	list.Append(msg)
	out.assistantID = msg.ID

	stepTexts := textsSoFar(pipe, out.text)
	trip, err = pipe.RunOutputStep(ctx, &processor.OutputStep{
		Messages:     list,
		RetryCount:   retryCount,
		StepNumber:   stepNum,
		FinishReason: out.finish,
		ToolCalls:    out.toolCalls,
		Text:         out.text,
		StepTexts:    stepTexts,
	})
	if err != nil {
		return nil, err
	}
	if trip != nil {
		out.trip = trip
		return out, nil
	}

	if trip, err := l.emitRetry(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, chunk.StepFinish{
		StepNumber:   stepNum,
		FinishReason: out.finish,
		Usage:        out.usage,
		Request:      info,
		Metadata:     out.metadata,
	}), retryCount); err != nil {
		return nil, err
	} else if trip != nil {
		out.trip = trip
		return out, nil
	}
	return out, nil
}

// invokeModel streams the model response, emitting chunks as parts arrive.
// Providers without streaming fall back to Complete with synthesized parts.
func (l *Loop) invokeModel(ctx context.Context, r *Run, pipe *processor.Pipeline, req model.Request, retryCount int) (*stepOutcome, error) {
	ctx, span := l.tracer.Start(ctx, "model.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	streamer, err := l.client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		span.SetStatus(codes.Ok, "streaming unsupported")
		return l.invokeComplete(ctx, r, pipe, req, retryCount)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream failed")
		return nil, fmt.Errorf("model call: %w", err)
	}
	defer streamer.Close()

	out := &stepOutcome{}
	var (
		textID      string
		reasoningID string
		stop        string
	)
	emit := func(p chunk.Payload) (bool, error) {
		trip, err := l.emitRetry(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, p), retryCount)
		if err != nil {
			return false, err
		}
		if trip != nil {
			out.trip = trip
			return false, nil
		}
		return true, nil
	}
	closeSegments := func() (bool, error) {
		if textID != "" {
			if ok, err := emit(chunk.TextEnd{ID: textID}); !ok {
				return ok, err
			}
			textID = ""
		}
		if reasoningID != "" {
			if ok, err := emit(chunk.ReasoningEnd{ID: reasoningID}); !ok {
				return ok, err
			}
			reasoningID = ""
		}
		return true, nil
	}

	for {
		part, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model stream failed")
			return nil, fmt.Errorf("model stream: %w", err)
		}
		ok := true
		switch part.Type {
		case model.PartText:
			if textID == "" {
				textID = uuid.NewString()
				if ok, err = emit(chunk.TextStart{ID: textID}); !ok {
					break
				}
			}
			out.text += part.Text
			ok, err = emit(chunk.TextDelta{ID: textID, Text: part.Text})
		case model.PartReasoning:
			if reasoningID == "" {
				reasoningID = uuid.NewString()
				if ok, err = emit(chunk.ReasoningStart{ID: reasoningID}); !ok {
					break
				}
			}
			ok, err = emit(chunk.ReasoningDelta{ID: reasoningID, Text: part.Text})
		case model.PartReasoningSignature:
			// A signature can arrive before any reasoning delta; open the
			// segment so the signature is never emitted unkeyed.
			if reasoningID == "" {
				reasoningID = uuid.NewString()
				if ok, err = emit(chunk.ReasoningStart{ID: reasoningID}); !ok {
					break
				}
			}
			ok, err = emit(chunk.ReasoningSignature{ID: reasoningID, Signature: part.Signature})
		case model.PartRedactedReasoning:
			ok, err = emit(chunk.RedactedReasoning{ID: uuid.NewString(), Data: part.Redacted})
		case model.PartToolCallStart:
			ok, err = emit(chunk.ToolCallInputStreamingStart{
				ToolCallID: part.ToolCall.ID,
				ToolName:   part.ToolCall.Name,
			})
		case model.PartToolCallDelta:
			ok, err = emit(chunk.ToolCallDelta{
				ToolCallID:    part.ToolCall.ID,
				ArgsTextDelta: part.Text,
			})
		case model.PartToolCall:
			out.toolCalls = append(out.toolCalls, *part.ToolCall)
			if ok, err = emit(chunk.ToolCallInputStreamingEnd{ToolCallID: part.ToolCall.ID}); !ok {
				break
			}
			ok, err = emit(chunk.ToolCall{
				ToolCallID: part.ToolCall.ID,
				ToolName:   part.ToolCall.Name,
				Args:       part.ToolCall.Args,
			})
		case model.PartUsage:
			out.usage = out.usage.Add(*part.Usage)
		case model.PartStop:
			stop = part.StopReason
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
	}
	if ok, err := closeSegments(); err != nil || !ok {
		return out, err
	}
	out.metadata = streamer.Metadata()
	out.finish = finishReason(stop, out.toolCalls)
	span.AddEvent("model.usage",
		"input_tokens", out.usage.InputTokens,
		"output_tokens", out.usage.OutputTokens)
	span.AddEvent("model.stop", "reason", string(out.finish))
	span.SetStatus(codes.Ok, "ok")
	return out, nil
}

// invokeComplete is the non-streaming fallback: one Complete call whose
// response is synthesized into the same chunk sequence a stream produces.
func (l *Loop) invokeComplete(ctx context.Context, r *Run, pipe *processor.Pipeline, req model.Request, retryCount int) (*stepOutcome, error) {
	ctx, span := l.tracer.Start(ctx, "model.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	resp, err := l.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model complete failed")
		return nil, fmt.Errorf("model call: %w", err)
	}
	out := &stepOutcome{
		text:      resp.Text,
		toolCalls: resp.ToolCalls,
		usage:     resp.Usage,
		metadata:  resp.Metadata,
		finish:    finishReason(resp.StopReason, resp.ToolCalls),
	}
	span.AddEvent("model.usage",
		"input_tokens", out.usage.InputTokens,
		"output_tokens", out.usage.OutputTokens)
	span.AddEvent("model.stop", "reason", string(out.finish))
	span.SetStatus(codes.Ok, "ok")
	emit := func(p chunk.Payload) (bool, error) {
		trip, err := l.emitRetry(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, p), retryCount)
		if err != nil {
			return false, err
		}
		if trip != nil {
			out.trip = trip
			return false, nil
		}
		return true, nil
	}
	if resp.Reasoning != "" {
		id := uuid.NewString()
		for _, p := range []chunk.Payload{
			chunk.ReasoningStart{ID: id},
			chunk.ReasoningDelta{ID: id, Text: resp.Reasoning},
			chunk.ReasoningEnd{ID: id},
		} {
			if ok, err := emit(p); err != nil || !ok {
				return out, err
			}
		}
	}
	if resp.Text != "" {
		id := uuid.NewString()
		for _, p := range []chunk.Payload{
			chunk.TextStart{ID: id},
			chunk.TextDelta{ID: id, Text: resp.Text},
			chunk.TextEnd{ID: id},
		} {
			if ok, err := emit(p); err != nil || !ok {
				return out, err
			}
		}
	}
	for _, tc := range resp.ToolCalls {
		if ok, err := emit(chunk.ToolCall{ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args}); err != nil || !ok {
			return out, err
		}
	}
	return out, nil
}

func finishReason(stop string, toolCalls []model.ToolCall) chunk.FinishReason {
	if len(toolCalls) > 0 {
		return chunk.FinishReasonToolCalls
	}
	return model.FinishReason(stop)
}

// systemPrompt concatenates the system messages for request info.
func systemPrompt(list *messages.List) string {
	var sb []byte
	for _, m := range list.ByRole(messages.RoleSystem) {
		if len(sb) > 0 {
			sb = append(sb, '\n')
		}
		sb = append(sb, m.Content...)
	}
	return string(sb)
}

// textsSoFar reconstructs the per-step texts from the chunk history plus
// the current step's text, for the output-step hook.
func textsSoFar(pipe *processor.Pipeline, current string) []string {
	var texts []string
	var buf string
	for _, c := range pipe.Parts() {
		switch p := c.Payload.(type) {
		case chunk.TextDelta:
			buf += p.Text
		case chunk.StepFinish:
			if buf != "" {
				texts = append(texts, buf)
				buf = ""
			}
		}
	}
	// buf now holds the current step's streamed (possibly transformed)
	// text; prefer the authoritative model text.
	texts = append(texts, current)
	return texts
}
