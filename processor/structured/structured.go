// Package structured provides the structured-output extraction processor.
// It accumulates the run's streamed text, repairs and parses partial JSON
// snapshots as they arrive, and validates the final document against a
// JSON Schema. The validated document becomes the run's object result.
package structured

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/processor"
	"goa.design/agentwire/telemetry"
)

type (
	// ErrorStrategy governs what happens when the final text fails schema
	// validation or does not parse.
	ErrorStrategy string

	// Options configures a structured-output processor.
	Options struct {
		// Schema is the JSON Schema the final document must satisfy.
		// Required.
		Schema json.RawMessage
		// Strategy selects the validation-failure behavior. Defaults to
		// ErrorStrict.
		Strategy ErrorStrategy
		// Fallback is the document substituted under ErrorFallback.
		Fallback json.RawMessage
		// EmitPartials replaces streamed text deltas with cumulative
		// object snapshot chunks when the accumulated text parses after
		// repair. When false text streams through untouched and only the
		// final result is produced.
		EmitPartials bool
		// Logger receives warn-strategy validation failures.
		Logger telemetry.Logger
	}

	// Processor extracts and validates a structured document from the
	// run's streamed text. Accumulated text lives in the per-run state so
	// one Processor value serves concurrent runs.
	Processor struct {
		schema   *jsonschema.Schema
		strategy ErrorStrategy
		fallback json.RawMessage
		partials bool
		logger   telemetry.Logger
	}

	// ValidationError reports a schema mismatch or parse failure on the
	// final document. It is distinct from provider errors so callers can
	// branch on it.
	ValidationError struct {
		Err error
	}
)

const (
	// ErrorStrict aborts the run on validation failure.
	ErrorStrict ErrorStrategy = "strict"
	// ErrorWarn logs the failure and resolves the result to nil.
	ErrorWarn ErrorStrategy = "warn"
	// ErrorFallback resolves the result to the configured fallback value.
	ErrorFallback ErrorStrategy = "fallback"
)

const (
	stateText     = "text"
	stateSnapshot = "snapshot"
	stateResult   = "result"
)

func (e *ValidationError) Error() string { return "structured output: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// New compiles the schema and builds the processor.
func New(opts Options) (*Processor, error) {
	if len(opts.Schema) == 0 {
		return nil, errors.New("structured: empty schema")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(opts.Schema))
	if err != nil {
		return nil, fmt.Errorf("structured: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("structured: add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("structured: compile schema: %w", err)
	}
	p := &Processor{
		schema:   schema,
		strategy: opts.Strategy,
		fallback: opts.Fallback,
		partials: opts.EmitPartials,
		logger:   opts.Logger,
	}
	if p.strategy == "" {
		p.strategy = ErrorStrict
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.strategy == ErrorFallback && len(p.fallback) == 0 {
		return nil, errors.New("structured: fallback strategy requires a fallback value")
	}
	return p, nil
}

// ID implements processor.Processor.
func (*Processor) ID() string { return "structured-output" }

// ProcessStream accumulates text deltas. With EmitPartials each delta is
// replaced by a cumulative object snapshot chunk whenever the repaired
// accumulated text parses; deltas that do not advance the snapshot are
// dropped so the outgoing stream carries objects instead of prose.
func (p *Processor) ProcessStream(_ context.Context, in *processor.Stream) (processor.StreamResult, error) {
	delta, ok := in.Chunk.Payload.(chunk.TextDelta)
	if !ok {
		return processor.Keep(), nil
	}
	text, _ := in.State[stateText].(string)
	text += delta.Text
	in.State[stateText] = text

	if !p.partials {
		return processor.Keep(), nil
	}
	snapshot, ok := parsePartial(text)
	if !ok {
		return processor.Drop(), nil
	}
	prev, _ := in.State[stateSnapshot].(string)
	if string(snapshot) == prev {
		return processor.Drop(), nil
	}
	in.State[stateSnapshot] = string(snapshot)
	return processor.Replace(chunk.New(in.Chunk.RunID, in.Chunk.From, chunk.Object{Data: snapshot})), nil
}

// ProcessOutputStep validates the accumulated text at the end of the final
// step and stashes the outcome in the state. The outcome is retrieved with
// Result once the run completes.
func (p *Processor) ProcessOutputStep(ctx context.Context, in *processor.OutputStep) (*processor.Tripwire, error) {
	if in.FinishReason == chunk.FinishReasonToolCalls {
		// More steps coming; keep accumulating.
		return nil, nil
	}
	text, _ := in.State[stateText].(string)
	doc, err := p.validate(text)
	if err == nil {
		in.State[stateResult] = string(doc)
		return nil, nil
	}
	switch p.strategy {
	case ErrorWarn:
		p.logger.Warn(ctx, "structured output validation failed", "err", err.Error())
		return nil, nil
	case ErrorFallback:
		p.logger.Warn(ctx, "structured output validation failed, using fallback", "err", err.Error())
		in.State[stateResult] = string(p.fallback)
		return nil, nil
	default:
		return &processor.Tripwire{Reason: err.Error()}, nil
	}
}

// Result returns the validated final document stored by ProcessOutputStep,
// or nil when the run produced none. The orchestrator uses it to emit the
// object-result chunk.
func (p *Processor) Result(state processor.State) json.RawMessage {
	doc, _ := state[stateResult].(string)
	if doc == "" {
		return nil
	}
	return json.RawMessage(doc)
}

// validate extracts the JSON document from the text and checks it against
// the schema. All failures are ValidationErrors.
func (p *Processor) validate(text string) (json.RawMessage, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, &ValidationError{Err: errors.New("no JSON document in output")}
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("parse output: %w", err)}
	}
	if err := p.schema.Validate(inst); err != nil {
		return nil, &ValidationError{Err: err}
	}
	return json.RawMessage(raw), nil
}

// extractJSON returns the JSON document embedded in text: the body of a
// markdown code fence when present, otherwise the span from the first
// opening brace or bracket to the matching end of text.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "\n"); j >= 0 {
			rest = rest[j+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		text = strings.TrimSpace(rest)
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	return strings.TrimSpace(text[start:])
}

// parsePartial repairs a JSON prefix by closing open strings, braces, and
// brackets, then parses it. Returns false until the text contains at least
// one complete top-level value start.
func parsePartial(text string) (json.RawMessage, bool) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, false
	}
	repaired := repairJSON(raw)
	var v any
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, false
	}
	// Re-marshal so every snapshot is canonical JSON.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

// repairJSON closes unterminated strings and unbalanced containers in a
// JSON prefix. Trailing commas and dangling keys are trimmed first.
func repairJSON(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		if escaped {
			s = s[:len(s)-1]
		}
		s += `"`
	}
	s = strings.TrimRight(s, " \t\n\r")
	s = strings.TrimSuffix(s, ",")
	// A dangling key ("k": with no value yet) cannot be closed into valid
	// JSON; drop it back to the previous comma or container open.
	if strings.HasSuffix(strings.TrimRight(s, " \t\n\r"), ":") {
		trimmed := strings.TrimRight(s, " \t\n\r")
		trimmed = strings.TrimSuffix(trimmed, ":")
		if q := strings.LastIndexByte(trimmed, '"'); q > 0 {
			if open := strings.LastIndexByte(trimmed[:q], '"'); open >= 0 {
				s = strings.TrimSuffix(strings.TrimRight(trimmed[:open], " \t\n\r"), ",")
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
