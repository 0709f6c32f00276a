package openai

import (
	"io"
	"sort"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/model"
)

// streamer adapts an OpenAI chat completion stream to model.Streamer.
// Tool call fragments arrive indexed; full calls flush when the choice
// reports its finish reason.
type streamer struct {
	stream  *ssestream.Stream[sdk.ChatCompletionChunk]
	meta    map[string]string
	pending []model.StreamPart

	tools      map[int64]*toolBuffer
	stopReason string
	stopped    bool
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func newStreamer(stream *ssestream.Stream[sdk.ChatCompletionChunk], meta map[string]string) *streamer {
	return &streamer{
		stream: stream,
		meta:   meta,
		tools:  make(map[int64]*toolBuffer),
	}
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.StreamPart, error) {
	for {
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			return p, nil
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return model.StreamPart{}, err
			}
			// The stop part follows the usage-only trailer chunk, so it
			// is emitted at stream end rather than on finish_reason.
			if s.stopped {
				s.stopped = false
				s.push(model.StreamPart{Type: model.PartStop, StopReason: s.stopReason})
				continue
			}
			return model.StreamPart{}, io.EOF
		}
		s.handle(s.stream.Current())
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return s.stream.Close() }

// Metadata implements model.Streamer.
func (s *streamer) Metadata() map[string]string { return s.meta }

func (s *streamer) handle(ev sdk.ChatCompletionChunk) {
	if len(ev.Choices) == 0 {
		s.handleUsage(ev)
		return
	}
	choice := ev.Choices[0]
	if choice.Delta.Content != "" {
		s.push(model.StreamPart{Type: model.PartText, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		tb := s.tools[tc.Index]
		if tb == nil {
			tb = &toolBuffer{}
			s.tools[tc.Index] = tb
		}
		if tc.ID != "" {
			tb.id = tc.ID
		}
		if tc.Function.Name != "" && tb.name == "" {
			tb.name = tc.Function.Name
			s.push(model.StreamPart{
				Type:     model.PartToolCallStart,
				ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name},
			})
		}
		if tc.Function.Arguments != "" {
			tb.fragments.WriteString(tc.Function.Arguments)
			s.push(model.StreamPart{
				Type:     model.PartToolCallDelta,
				Text:     tc.Function.Arguments,
				ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name},
			})
		}
	}
	if choice.FinishReason != "" {
		s.flushTools()
		s.stopReason = choice.FinishReason
		s.stopped = true
	}
	s.handleUsage(ev)
}

func (s *streamer) handleUsage(ev sdk.ChatCompletionChunk) {
	if ev.Usage.TotalTokens == 0 {
		return
	}
	usage := chunk.Usage{
		InputTokens:  int(ev.Usage.PromptTokens),
		OutputTokens: int(ev.Usage.CompletionTokens),
		TotalTokens:  int(ev.Usage.TotalTokens),
	}
	s.push(model.StreamPart{Type: model.PartUsage, Usage: &usage})
}

func (s *streamer) flushTools() {
	if len(s.tools) == 0 {
		return
	}
	indexes := make([]int64, 0, len(s.tools))
	for idx := range s.tools {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		tb := s.tools[idx]
		args := strings.TrimSpace(tb.fragments.String())
		if args == "" {
			args = "{}"
		}
		s.push(model.StreamPart{
			Type:     model.PartToolCall,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Args: []byte(args)},
		})
	}
	s.tools = make(map[int64]*toolBuffer)
}

func (s *streamer) push(p model.StreamPart) {
	s.pending = append(s.pending, p)
}
