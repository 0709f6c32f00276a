package loop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/agentwire/messages"
	"goa.design/agentwire/telemetry"
)

// recordingTracer captures every span started by the loop. Tool spans start
// from concurrent goroutines, hence the mutex.
type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	s := &recordingSpan{name: name}
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return ctx, s
}

func (t *recordingTracer) Span(context.Context) telemetry.Span { return &recordingSpan{} }

func (t *recordingTracer) byName(name string) []*recordingSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*recordingSpan
	for _, s := range t.spans {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

type recordingSpan struct {
	mu     sync.Mutex
	name   string
	ended  bool
	status codes.Code
	events []string
	errs   []error
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *recordingSpan) AddEvent(name string, _ ...any) {
	s.mu.Lock()
	s.events = append(s.events, name)
	s.mu.Unlock()
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func TestModelAndToolSpans(t *testing.T) {
	client := &scriptedClient{streaming: true, responses: []scriptedResponse{
		toolResponse("call-1", "lookup", `{"q":"x"}`),
		textResponse("done"),
	}}
	tracer := &recordingTracer{}
	l, err := New(Options{
		Client: client,
		Model:  "test-model",
		Tracer: tracer,
		Tools: []Tool{{
			Name: "lookup",
			Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
		}},
	})
	require.NoError(t, err)

	r, err := l.Run(context.Background(), messages.New(messages.RoleUser, "go"))
	require.NoError(t, err)
	_, _, err = collect(t, r)
	require.NoError(t, err)

	streams := tracer.byName("model.stream")
	require.Len(t, streams, 2, "one span per model call")
	for _, s := range streams {
		assert.True(t, s.ended)
		assert.Equal(t, codes.Ok, s.status)
		assert.Contains(t, s.events, "model.usage")
		assert.Contains(t, s.events, "model.stop")
	}

	tools := tracer.byName("tool.execute")
	require.Len(t, tools, 1)
	assert.True(t, tools[0].ended)
	assert.Equal(t, codes.Ok, tools[0].status)
	assert.Empty(t, tools[0].errs)
}

func TestModelErrorRecordedOnSpan(t *testing.T) {
	client := &scriptedClient{streaming: true, responses: []scriptedResponse{{err: errors.New("provider exploded")}}}
	tracer := &recordingTracer{}
	l, err := New(Options{Client: client, Tracer: tracer})
	require.NoError(t, err)

	r, err := l.Run(context.Background(), messages.New(messages.RoleUser, "go"))
	require.NoError(t, err)
	_, _, err = collect(t, r)
	require.Error(t, err)

	spans := tracer.byName("model.stream")
	require.Len(t, spans, 1)
	assert.True(t, spans[0].ended)
	assert.Equal(t, codes.Error, spans[0].status)
	require.Len(t, spans[0].errs, 1)
	assert.Contains(t, spans[0].errs[0].Error(), "provider exploded")
}

func TestToolErrorRecordedOnSpan(t *testing.T) {
	client := &scriptedClient{streaming: true, responses: []scriptedResponse{
		toolResponse("call-1", "boom", `{}`),
	}}
	tracer := &recordingTracer{}
	l, err := New(Options{Client: client, Tracer: tracer, Tools: []Tool{{
		Name: "boom",
		Execute: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("tool failure")
		},
	}}})
	require.NoError(t, err)

	r, err := l.Run(context.Background(), messages.New(messages.RoleUser, "go"))
	require.NoError(t, err)
	_, _, err = collect(t, r)
	require.Error(t, err)

	spans := tracer.byName("tool.execute")
	require.Len(t, spans, 1)
	assert.True(t, spans[0].ended)
	assert.Equal(t, codes.Error, spans[0].status)
	require.Len(t, spans[0].errs, 1)
	assert.Contains(t, spans[0].errs[0].Error(), "tool failure")
}

func TestNonStreamingFallbackSpans(t *testing.T) {
	client := &scriptedClient{streaming: false, responses: []scriptedResponse{textResponse("fallback")}}
	tracer := &recordingTracer{}
	l, err := New(Options{Client: client, Tracer: tracer})
	require.NoError(t, err)

	r, err := l.Run(context.Background(), messages.New(messages.RoleUser, "go"))
	require.NoError(t, err)
	_, _, err = collect(t, r)
	require.NoError(t, err)

	completes := tracer.byName("model.complete")
	require.Len(t, completes, 1)
	assert.True(t, completes[0].ended)
	assert.Equal(t, codes.Ok, completes[0].status)
	assert.Contains(t, completes[0].events, "model.usage")
}
