package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/agentwire/chunk"
)

func TestFinishReason(t *testing.T) {
	cases := map[string]chunk.FinishReason{
		"tool_calls":     chunk.FinishReasonToolCalls,
		"tool_use":       chunk.FinishReasonToolCalls,
		"tool-calls":     chunk.FinishReasonToolCalls,
		"length":         chunk.FinishReasonLength,
		"max_tokens":     chunk.FinishReasonLength,
		"content_filter": chunk.FinishReasonContentFilter,
		"error":          chunk.FinishReasonError,
		"stop":           chunk.FinishReasonStop,
		"end_turn":       chunk.FinishReasonStop,
		"":               chunk.FinishReasonStop,
	}
	for stop, want := range cases {
		assert.Equal(t, want, FinishReason(stop), "stop reason %q", stop)
	}
}
