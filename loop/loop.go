// Package loop implements the step/loop orchestrator that drives one agent
// run: it invokes the model, streams chunks through the processor pipeline,
// executes requested tools with bounded concurrency, and loops until the
// model stops requesting tools or a stop condition is met.
//
// Per-run state machine:
//
//	INIT → STEP_RUNNING → (TOOL_CALLS_PENDING → TOOL_EXECUTING → STEP_RUNNING)*
//	     → FINISHED | ABORTED | ERRORED
//
// Tripwires raised by processors are caught at the step boundary: a retry
// tripwire re-executes the step (bounded by MaxProcessorRetries, with the
// failed step's text excluded from output); any other tripwire aborts the
// run. Provider or tool failures are never swallowed: they emit an error
// chunk and reject the run result.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
	"goa.design/agentwire/processor"
	"goa.design/agentwire/run"
	"goa.design/agentwire/telemetry"
)

type (
	// Phase is the orchestrator state machine phase of a run.
	Phase string

	// Options configures a Loop.
	Options struct {
		// Client is the model client. Required.
		Client model.Client
		// Model is the default model identifier (processors may override
		// it per step).
		Model string
		// Tools lists the tools exposed to the model.
		Tools []Tool
		// Processors is the ordered processor pipeline for each run.
		Processors []processor.Processor
		// MaxSteps caps the number of model-call steps per run. Defaults
		// to 8.
		MaxSteps int
		// MaxProcessorRetries bounds retry tripwires per step: a step runs
		// at most MaxProcessorRetries+1 times. Defaults to 2; negative
		// disables retries.
		MaxProcessorRetries int
		// ToolConcurrency bounds concurrent tool executions within one
		// step. Defaults to 4.
		ToolConcurrency int
		// Temperature and MaxTokens pass through to the model request.
		Temperature float32
		MaxTokens   int
		// ToolChoice constrains tool selection when non-nil.
		ToolChoice *model.ToolChoice
		// RateLimitPause is the fixed cooperative pause inserted before
		// the next step when provider metadata reports a near-exhausted
		// rate limit. Defaults to 10s.
		RateLimitPause time.Duration
		// RateLimitThreshold is the remaining-request count at or below
		// which the pause triggers. Defaults to 1.
		RateLimitThreshold int
		// Store persists the final run record when non-nil. Persistence is
		// best effort; failures are logged, not surfaced.
		Store run.Store
		// Logger, Metrics and Tracer default to noop implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Loop orchestrates agent runs. It is safe for concurrent use; each
	// Run gets its own pipeline and state.
	Loop struct {
		client      model.Client
		model       string
		tools       []Tool
		procs       []processor.Processor
		maxSteps    int
		maxRetries  int
		toolWorkers int
		temperature float32
		maxTokens   int
		toolChoice  *model.ToolChoice
		rlPause     time.Duration
		rlThreshold int
		store       run.Store
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
	}

	// Run is the handle for one in-flight run. Consumers drain Chunks and
	// then read Result.
	Run struct {
		id   string
		ch   chan chunk.Chunk
		done chan struct{}

		mu     sync.Mutex
		phase  Phase
		result Result
		err    error
	}

	// Result is the resolved outcome of a run.
	Result struct {
		// RunID identifies the run.
		RunID string
		// Text is the concatenated assistant text of all successful steps.
		// Steps terminated by a tripwire contribute nothing.
		Text string
		// Object is the validated structured output, when a structured
		// output processor produced one.
		Object json.RawMessage
		// Messages is the final conversation state.
		Messages []messages.Message
		// Usage aggregates token usage across all steps.
		Usage chunk.Usage
		// FinishReason is the run's terminal reason.
		FinishReason chunk.FinishReason
		// Steps is the number of model-call steps executed (retries of a
		// step count once).
		Steps int
		// Tripwire records the processor abort that terminated the run,
		// if any.
		Tripwire *chunk.TripwireInfo
	}

	// ObjectSource is implemented by processors that resolve a final
	// structured document for the run (e.g. structured output
	// extraction). The orchestrator emits it as the object-result chunk.
	ObjectSource interface {
		processor.Processor
		Result(state processor.State) json.RawMessage
	}
)

// Phase values.
const (
	PhaseInit             Phase = "INIT"
	PhaseStepRunning      Phase = "STEP_RUNNING"
	PhaseToolCallsPending Phase = "TOOL_CALLS_PENDING"
	PhaseToolExecuting    Phase = "TOOL_EXECUTING"
	PhaseFinished         Phase = "FINISHED"
	PhaseAborted          Phase = "ABORTED"
	PhaseErrored          Phase = "ERRORED"
)

const (
	defaultMaxSteps        = 8
	defaultMaxRetries      = 2
	defaultToolConcurrency = 4
	defaultRateLimitPause  = 10 * time.Second

	// chunkBuffer decouples the producer from slow consumers; consumers
	// must still drain Chunks before blocking on Result.
	chunkBuffer = 64
)

// New validates the options and builds a Loop.
func New(opts Options) (*Loop, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("loop: nil model client")
	}
	seen := make(map[string]struct{}, len(opts.Tools))
	for _, t := range opts.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("loop: tool with empty name")
		}
		if t.Execute == nil {
			return nil, fmt.Errorf("loop: tool %q has no execute function", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("loop: duplicate tool %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	// Validate the processor set eagerly so misconfiguration surfaces at
	// construction, not on the first run.
	if _, err := processor.New(opts.Processors); err != nil {
		return nil, err
	}
	l := &Loop{
		client:      opts.Client,
		model:       opts.Model,
		tools:       opts.Tools,
		procs:       opts.Processors,
		maxSteps:    opts.MaxSteps,
		maxRetries:  opts.MaxProcessorRetries,
		toolWorkers: opts.ToolConcurrency,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		toolChoice:  opts.ToolChoice,
		rlPause:     opts.RateLimitPause,
		rlThreshold: opts.RateLimitThreshold,
		store:       opts.Store,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
	if l.maxSteps <= 0 {
		l.maxSteps = defaultMaxSteps
	}
	if l.maxRetries < 0 {
		l.maxRetries = 0
	} else if l.maxRetries == 0 {
		l.maxRetries = defaultMaxRetries
	}
	if l.toolWorkers <= 0 {
		l.toolWorkers = defaultToolConcurrency
	}
	if l.rlPause <= 0 {
		l.rlPause = defaultRateLimitPause
	}
	if l.rlThreshold <= 0 {
		l.rlThreshold = 1
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NewNoopMetrics()
	}
	if l.tracer == nil {
		l.tracer = telemetry.NewNoopTracer()
	}
	return l, nil
}

// Run starts a new run over the given conversation and returns its handle.
// The producer stops when ctx is cancelled; cancellation is not an error
// condition from the processors' point of view.
func (l *Loop) Run(ctx context.Context, msgs ...messages.Message) (*Run, error) {
	pipe, err := processor.New(l.procs, processor.WithLogger(l.logger))
	if err != nil {
		return nil, err
	}
	r := &Run{
		id:    uuid.NewString(),
		ch:    make(chan chunk.Chunk, chunkBuffer),
		done:  make(chan struct{}),
		phase: PhaseInit,
	}
	list := messages.NewList(msgs...)
	go l.execute(ctx, r, pipe, list)
	return r, nil
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Chunks returns the run's outgoing chunk stream. The channel closes when
// the run reaches a terminal phase.
func (r *Run) Chunks() <-chan chunk.Chunk { return r.ch }

// Phase returns the current state machine phase.
func (r *Run) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Result blocks until the run reaches a terminal phase, then returns the
// outcome. A non-nil error means the run errored (ERRORED); tripwire
// terminations resolve normally with the tripwire recorded on the Result.
func (r *Run) Result() (Result, error) {
	<-r.done
	return r.result, r.err
}

func (r *Run) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// execute drives the state machine for one run. It owns the chunk channel
// and closes it on exit.
func (l *Loop) execute(ctx context.Context, r *Run, pipe *processor.Pipeline, list *messages.List) {
	defer close(r.ch)

	result := Result{RunID: r.id}
	started := time.Now()
	defer func() {
		l.metrics.RecordTimer("run_duration", time.Since(started))
		l.persist(ctx, r, &result)
		r.mu.Lock()
		r.result = result
		r.mu.Unlock()
		close(r.done)
	}()

	fail := func(err error) {
		r.setPhase(PhaseErrored)
		result.FinishReason = chunk.FinishReasonError
		l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Error{Message: err.Error()}))
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		l.logger.Error(ctx, "run errored", "run", r.id, "err", err.Error())
	}
	abort := func(trip *processor.Tripwire, reason chunk.FinishReason) {
		r.setPhase(PhaseAborted)
		info := trip.Info()
		result.Tripwire = &info
		result.FinishReason = reason
		l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Tripwire{TripwireInfo: info}))
		l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Abort{Reason: trip.Reason}))
		l.logger.Info(ctx, "run aborted", "run", r.id, "processor", info.ProcessorID, "reason", info.Reason)
	}

	// INIT: run the once-per-run input phase.
	if trip, err := l.emit(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, chunk.Start{Request: l.requestInfo(l.model)})); err != nil {
		fail(err)
		return
	} else if trip != nil {
		abort(trip, chunk.FinishReasonTripwire)
		return
	}
	trip, err := pipe.RunInput(ctx, &processor.Input{Messages: list})
	if err != nil {
		fail(err)
		return
	}
	if trip != nil {
		abort(trip, chunk.FinishReasonTripwire)
		return
	}

	var (
		stepTexts  []string
		totalUsage chunk.Usage
		lastFinish chunk.FinishReason
		stepNum    int
		retryCount int
		tripReason string
	)

	for {
		r.setPhase(PhaseStepRunning)
		out, err := l.runStep(ctx, r, pipe, list, stepNum, retryCount, tripReason)
		if err != nil {
			fail(err)
			return
		}
		result.Steps = stepNum + 1
		totalUsage = totalUsage.Add(out.usage)
		result.Usage = totalUsage

		if out.trip != nil {
			// Exclude the failed step's text from the conversation and the
			// final output.
			if out.assistantID != "" {
				list.Remove(out.assistantID)
			}
			info := out.trip.Info()
			if out.trip.Retry && retryCount < l.maxRetries {
				retryCount++
				tripReason = out.trip.Reason
				l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Tripwire{TripwireInfo: info}))
				l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.StepFinish{
					StepNumber:   stepNum,
					FinishReason: chunk.FinishReasonRetry,
					Usage:        out.usage,
					Tripwire:     &info,
				}))
				l.metrics.IncCounter("step_retries", 1, "processor", info.ProcessorID)
				continue
			}
			// Terminal: record the tripwire on the step, then abort.
			reason := chunk.FinishReasonTripwire
			if out.trip.Retry {
				reason = chunk.FinishReasonRetry
			}
			r.setPhase(PhaseAborted)
			result.Tripwire = &info
			result.FinishReason = reason
			l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Tripwire{TripwireInfo: info}))
			l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.StepFinish{
				StepNumber:   stepNum,
				FinishReason: reason,
				Usage:        out.usage,
				Tripwire:     &info,
			}))
			l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Abort{Reason: out.trip.Reason}))
			l.logger.Info(ctx, "run aborted", "run", r.id, "processor", info.ProcessorID, "reason", info.Reason)
			return
		}

		stepTexts = append(stepTexts, out.text)
		lastFinish = out.finish
		l.metrics.IncCounter("steps", 1)
		l.metrics.RecordGauge("step_tokens", float64(out.usage.TotalTokens))

		if len(out.toolCalls) > 0 && stepNum+1 < l.maxSteps {
			r.setPhase(PhaseToolCallsPending)
			if err := l.executeTools(ctx, r, pipe, list, out.toolCalls); err != nil {
				var te *tripwireError
				if errors.As(err, &te) {
					abort(te.trip, chunk.FinishReasonTripwire)
					return
				}
				fail(err)
				return
			}
			stepNum++
			retryCount = 0
			tripReason = ""
			if err := l.rateLimitPause(ctx, out.metadata); err != nil {
				fail(err)
				return
			}
			continue
		}
		break
	}

	// FINISHED: final message phase, structured result, finish chunk.
	trip, err = pipe.RunOutputResult(ctx, &processor.OutputResult{Messages: list})
	if err != nil {
		fail(err)
		return
	}
	if trip != nil {
		abort(trip, chunk.FinishReasonTripwire)
		return
	}
	for _, proc := range l.procs {
		src, ok := proc.(ObjectSource)
		if !ok {
			continue
		}
		doc := src.Result(pipe.State(proc.ID()))
		if doc == nil {
			continue
		}
		if trip, err := l.emit(ctx, r, pipe, chunk.New(r.id, chunk.FromAgent, chunk.ObjectResult{Data: doc})); err != nil {
			fail(err)
			return
		} else if trip != nil {
			abort(trip, chunk.FinishReasonTripwire)
			return
		}
		result.Object = doc
		break
	}

	r.setPhase(PhaseFinished)
	result.Text = strings.Join(stepTexts, "")
	result.Messages = list.All()
	result.FinishReason = lastFinish
	l.send(ctx, r, chunk.New(r.id, chunk.FromAgent, chunk.Finish{
		FinishReason: lastFinish,
		Usage:        totalUsage,
	}))
}

// emit routes a chunk through the stream phase of the pipeline and sends
// the survivor, if any.
func (l *Loop) emit(ctx context.Context, r *Run, pipe *processor.Pipeline, c chunk.Chunk) (*processor.Tripwire, error) {
	return l.emitRetry(ctx, r, pipe, c, 0)
}

func (l *Loop) emitRetry(ctx context.Context, r *Run, pipe *processor.Pipeline, c chunk.Chunk, retryCount int) (*processor.Tripwire, error) {
	out, trip, err := pipe.RunStream(ctx, c, retryCount)
	if err != nil {
		return nil, err
	}
	if trip != nil {
		return trip, nil
	}
	if out == nil {
		return nil, nil
	}
	return nil, l.send(ctx, r, *out)
}

// send writes a chunk to the run channel, honoring cancellation. Terminal
// control chunks (tripwire, abort, error, finish) use it directly so no
// processor can drop them.
func (l *Loop) send(ctx context.Context, r *Run, c chunk.Chunk) error {
	select {
	case r.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimitPause inserts a fixed cooperative pause before the next step
// when provider metadata reports a near-exhausted rate limit.
func (l *Loop) rateLimitPause(ctx context.Context, meta map[string]string) error {
	if !l.nearRateLimit(meta) {
		return nil
	}
	l.logger.Info(ctx, "rate limit near exhaustion, pausing before next step", "pause", l.rlPause.String())
	l.metrics.IncCounter("rate_limit_pauses", 1)
	lim := rate.NewLimiter(rate.Every(l.rlPause), 1)
	lim.Allow() // consume the initial token so Wait blocks for one interval
	return lim.Wait(ctx)
}

// rateLimitHeaders are the provider response headers scanned for remaining
// request/token budgets.
var rateLimitHeaders = []string{
	"x-ratelimit-remaining-requests",
	"x-ratelimit-remaining-tokens",
	"anthropic-ratelimit-requests-remaining",
	"anthropic-ratelimit-tokens-remaining",
}

func (l *Loop) nearRateLimit(meta map[string]string) bool {
	for _, h := range rateLimitHeaders {
		v, ok := meta[h]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		if n <= l.rlThreshold {
			return true
		}
	}
	return false
}

// persist stores the final run record, best effort.
func (l *Loop) persist(ctx context.Context, r *Run, result *Result) {
	if l.store == nil {
		return
	}
	rec := run.Record{
		ID:           r.id,
		FinishReason: string(result.FinishReason),
		Text:         result.Text,
		Object:       result.Object,
		Usage:        result.Usage,
		Steps:        result.Steps,
		FinishedAt:   time.Now().UTC(),
	}
	if r.err != nil {
		rec.Error = r.err.Error()
	}
	if err := l.store.Put(ctx, rec); err != nil {
		l.logger.Warn(ctx, "run record not persisted", "run", r.id, "err", err.Error())
	}
}

// requestInfo builds the redactable request description for lifecycle
// chunks.
func (l *Loop) requestInfo(modelID string) *chunk.RequestInfo {
	info := &chunk.RequestInfo{Model: modelID}
	for _, t := range l.tools {
		info.Tools = append(info.Tools, chunk.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return info
}
