package anthropic

import (
	"encoding/json"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentwire/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(t *testing.T, raw string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	var typ struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &typ))
	return ssestream.Event{Type: typ.Type, Data: json.RawMessage(raw)}
}

func drain(t *testing.T, s model.Streamer) []model.StreamPart {
	t.Helper()
	var parts []model.StreamPart
	for {
		p, err := s.Recv()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		parts = append(parts, p)
	}
}

func TestStreamTextToolAndStop(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`),
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		event(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`),
		event(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		event(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`),
		event(t, `{"type":"content_block_stop","index":1}`),
		event(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":4,"output_tokens":9}}`),
		event(t, `{"type":"message_stop"}`),
	}}
	s := newStreamer(ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil), nil)
	defer func() { _ = s.Close() }()

	parts := drain(t, s)

	var types []model.PartType
	for _, p := range parts {
		types = append(types, p.Type)
	}
	assert.Equal(t, []model.PartType{
		model.PartText, model.PartText,
		model.PartToolCallStart, model.PartToolCallDelta, model.PartToolCallDelta,
		model.PartToolCall,
		model.PartUsage, model.PartStop,
	}, types)

	assert.Equal(t, "hel", parts[0].Text)
	assert.Equal(t, "lo", parts[1].Text)

	start := parts[2].ToolCall
	require.NotNil(t, start)
	assert.Equal(t, "t1", start.ID)
	assert.Equal(t, "lookup", start.Name)

	full := parts[5].ToolCall
	require.NotNil(t, full)
	assert.JSONEq(t, `{"q":"x"}`, string(full.Args))

	require.NotNil(t, parts[6].Usage)
	assert.Equal(t, 13, parts[6].Usage.TotalTokens)
	assert.Equal(t, "tool_use", parts[7].StopReason)
}

func TestStreamThinking(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me think"}}`),
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}`),
		event(t, `{"type":"message_stop"}`),
	}}
	s := newStreamer(ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil), nil)
	defer func() { _ = s.Close() }()

	parts := drain(t, s)
	require.Len(t, parts, 3)
	assert.Equal(t, model.PartReasoning, parts[0].Type)
	assert.Equal(t, "let me think", parts[0].Text)
	assert.Equal(t, model.PartReasoningSignature, parts[1].Type)
	assert.Equal(t, "sig-1", parts[1].Signature)
}

func TestStreamEmptyToolArgsDefaultToObject(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"ping"}}`),
		event(t, `{"type":"content_block_stop","index":0}`),
		event(t, `{"type":"message_stop"}`),
	}}
	s := newStreamer(ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil), nil)
	defer func() { _ = s.Close() }()

	parts := drain(t, s)
	var full *model.ToolCall
	for _, p := range parts {
		if p.Type == model.PartToolCall {
			full = p.ToolCall
		}
	}
	require.NotNil(t, full)
	assert.JSONEq(t, `{}`, string(full.Args))
}

func TestStreamMetadata(t *testing.T) {
	s := newStreamer(
		ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil),
		map[string]string{"anthropic-ratelimit-requests-remaining": "5"},
	)
	assert.Equal(t, "5", s.Metadata()["anthropic-ratelimit-requests-remaining"])
}
