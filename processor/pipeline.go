package processor

import (
	"context"
	"errors"
	"fmt"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/telemetry"
)

// Pipeline drives an ordered list of processors through the run phases.
// It owns the per-processor state bags and the streamParts accumulator
// for one run; construct a fresh Pipeline per run (or call Reset).
//
// Per-chunk execution is a chain of responsibility: each stream processor
// receives the chunk as transformed by its predecessors, while all
// processors observe the same cumulative history. The history is extended
// with the surviving chunk only after the full chain has run, and the
// current chunk is always the last element of the history slice handed to
// hooks.
type Pipeline struct {
	procs  []Processor
	states map[string]State
	parts  []chunk.Chunk
	logger telemetry.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for per-processor diagnostics. Defaults
// to the noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New validates the processors (non-empty unique IDs, at least one hook
// each) and builds a pipeline with empty state for a new run.
func New(procs []Processor, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		procs:  procs,
		states: make(map[string]State, len(procs)),
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	seen := make(map[string]struct{}, len(procs))
	for _, proc := range procs {
		if proc == nil {
			return nil, errors.New("processor: nil processor")
		}
		id := proc.ID()
		if id == "" {
			return nil, errors.New("processor: empty processor id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("processor: duplicate processor id %q", id)
		}
		seen[id] = struct{}{}
		if !hasHook(proc) {
			return nil, fmt.Errorf("processor: %q implements no hook", id)
		}
		p.states[id] = make(State)
	}
	return p, nil
}

func hasHook(p Processor) bool {
	switch p.(type) {
	case InputProcessor, InputStepProcessor, StreamProcessor, OutputStepProcessor, OutputResultProcessor:
		return true
	}
	return false
}

// Reset discards all processor state and the chunk history, preparing the
// pipeline for a new run.
func (p *Pipeline) Reset() {
	p.parts = nil
	for id := range p.states {
		p.states[id] = make(State)
	}
}

// Parts returns the cumulative ordered chunk history accumulated so far.
// The returned slice must not be mutated.
func (p *Pipeline) Parts() []chunk.Chunk { return p.parts }

// State returns the per-run state bag of the processor with the given ID,
// or nil when no such processor is registered. The orchestrator uses it to
// read results a processor stashed for the run (e.g. structured output).
func (p *Pipeline) State(id string) State { return p.states[id] }

// RunInput executes the processInput phase across all input processors in
// order. The message list is mutated in place. The first tripwire stops
// the phase.
func (p *Pipeline) RunInput(ctx context.Context, in *Input) (*Tripwire, error) {
	for _, proc := range p.procs {
		hook, ok := proc.(InputProcessor)
		if !ok {
			continue
		}
		call := *in
		call.State = p.states[proc.ID()]
		trip, err := hook.ProcessInput(ctx, &call)
		if err != nil {
			return nil, fmt.Errorf("processor %q: process input: %w", proc.ID(), err)
		}
		if trip != nil {
			return p.attributed(ctx, trip, proc), nil
		}
	}
	return nil, nil
}

// RunInputStep executes the processInputStep phase, merging the overrides
// returned by each processor in order (later processors see and may
// override earlier overrides through the updated InputStep fields).
func (p *Pipeline) RunInputStep(ctx context.Context, in *InputStep) (*StepOverrides, *Tripwire, error) {
	var merged *StepOverrides
	for _, proc := range p.procs {
		hook, ok := proc.(InputStepProcessor)
		if !ok {
			continue
		}
		call := *in
		call.State = p.states[proc.ID()]
		over, trip, err := hook.ProcessInputStep(ctx, &call)
		if err != nil {
			return nil, nil, fmt.Errorf("processor %q: process input step: %w", proc.ID(), err)
		}
		if trip != nil {
			return merged, p.attributed(ctx, trip, proc), nil
		}
		if over == nil {
			continue
		}
		if merged == nil {
			merged = &StepOverrides{}
		}
		if over.Model != "" {
			merged.Model = over.Model
			in.Model = over.Model
		}
		if over.Tools != nil {
			merged.Tools = over.Tools
			in.Tools = over.Tools
		}
		if over.ToolChoice != nil {
			merged.ToolChoice = over.ToolChoice
			in.ToolChoice = over.ToolChoice
		}
		if over.Temperature != nil {
			merged.Temperature = over.Temperature
		}
	}
	return merged, nil, nil
}

// RunStream executes the per-chunk chain. It returns the surviving chunk
// (nil when a processor dropped it) and the first tripwire, if any. The
// surviving chunk is appended to the history; dropped chunks never enter
// it. A tripwire leaves the history untouched.
func (p *Pipeline) RunStream(ctx context.Context, c chunk.Chunk, retryCount int) (*chunk.Chunk, *Tripwire, error) {
	current := c
	for _, proc := range p.procs {
		hook, ok := proc.(StreamProcessor)
		if !ok {
			continue
		}
		res, err := hook.ProcessStream(ctx, &Stream{
			Chunk:      current,
			Parts:      append(p.parts[:len(p.parts):len(p.parts)], current),
			State:      p.states[proc.ID()],
			RetryCount: retryCount,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("processor %q: process stream: %w", proc.ID(), err)
		}
		if trip := res.Tripwire(); trip != nil {
			return nil, p.attributed(ctx, trip, proc), nil
		}
		if res.Dropped() {
			p.logger.Debug(ctx, "chunk dropped", "processor", proc.ID(), "type", current.Type)
			return nil, nil, nil
		}
		current = res.Apply(current)
	}
	p.parts = append(p.parts, current)
	return &current, nil, nil
}

// RunOutputStep executes the processOutputStep phase in order, stopping at
// the first tripwire.
func (p *Pipeline) RunOutputStep(ctx context.Context, in *OutputStep) (*Tripwire, error) {
	for _, proc := range p.procs {
		hook, ok := proc.(OutputStepProcessor)
		if !ok {
			continue
		}
		call := *in
		call.State = p.states[proc.ID()]
		trip, err := hook.ProcessOutputStep(ctx, &call)
		if err != nil {
			return nil, fmt.Errorf("processor %q: process output step: %w", proc.ID(), err)
		}
		if trip != nil {
			return p.attributed(ctx, trip, proc), nil
		}
	}
	return nil, nil
}

// RunOutputResult executes the final message-phase hooks in order,
// stopping at the first tripwire.
func (p *Pipeline) RunOutputResult(ctx context.Context, in *OutputResult) (*Tripwire, error) {
	for _, proc := range p.procs {
		hook, ok := proc.(OutputResultProcessor)
		if !ok {
			continue
		}
		call := *in
		call.State = p.states[proc.ID()]
		trip, err := hook.ProcessOutputResult(ctx, &call)
		if err != nil {
			return nil, fmt.Errorf("processor %q: process output result: %w", proc.ID(), err)
		}
		if trip != nil {
			return p.attributed(ctx, trip, proc), nil
		}
	}
	return nil, nil
}

func (p *Pipeline) attributed(ctx context.Context, t *Tripwire, proc Processor) *Tripwire {
	if t.ProcessorID == "" {
		t.ProcessorID = proc.ID()
	}
	p.logger.Info(ctx, "tripwire", "processor", t.ProcessorID, "reason", t.Reason, "retry", t.Retry)
	return t
}
