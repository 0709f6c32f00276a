package anthropic

import (
	"encoding/base64"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer.
// It pulls events on demand; one provider event can map to zero or more
// parts, so decoded parts queue in pending.
type streamer struct {
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	meta    map[string]string
	pending []model.StreamPart

	// tool argument fragments accumulate per content block index until the
	// block stops and the full call is emitted.
	tools      map[int]*toolBuffer
	stopReason string
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func newStreamer(stream *ssestream.Stream[sdk.MessageStreamEventUnion], meta map[string]string) *streamer {
	return &streamer{
		stream: stream,
		meta:   meta,
		tools:  make(map[int]*toolBuffer),
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
			return model.StreamPart{}, io.EOF
		}
		s.handle(s.stream.Current())
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return s.stream.Close() }

// Metadata implements model.Streamer.
func (s *streamer) Metadata() map[string]string { return s.meta }

func (s *streamer) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			s.tools[idx] = &toolBuffer{id: block.ID, name: block.Name}
			s.push(model.StreamPart{
				Type:     model.PartToolCallStart,
				ToolCall: &model.ToolCall{ID: block.ID, Name: block.Name},
			})
		case sdk.RedactedThinkingBlock:
			if data, err := base64.StdEncoding.DecodeString(block.Data); err == nil {
				s.push(model.StreamPart{Type: model.PartRedactedReasoning, Redacted: data})
			}
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.push(model.StreamPart{Type: model.PartText, Text: delta.Text})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				s.push(model.StreamPart{Type: model.PartReasoning, Text: delta.Thinking})
			}
		case sdk.SignatureDelta:
			if delta.Signature != "" {
				s.push(model.StreamPart{Type: model.PartReasoningSignature, Signature: delta.Signature})
			}
		case sdk.InputJSONDelta:
			tb := s.tools[idx]
			if tb == nil || delta.PartialJSON == "" {
				return
			}
			tb.fragments.WriteString(delta.PartialJSON)
			s.push(model.StreamPart{
				Type:     model.PartToolCallDelta,
				Text:     delta.PartialJSON,
				ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name},
			})
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := s.tools[idx]
		if tb == nil {
			return
		}
		delete(s.tools, idx)
		args := strings.TrimSpace(tb.fragments.String())
		if args == "" {
			args = "{}"
		}
		s.push(model.StreamPart{
			Type:     model.PartToolCall,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Args: []byte(args)},
		})
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		usage := chunk.Usage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		s.push(model.StreamPart{Type: model.PartUsage, Usage: &usage})
	case sdk.MessageStopEvent:
		s.push(model.StreamPart{Type: model.PartStop, StopReason: s.stopReason})
	}
}

func (s *streamer) push(p model.StreamPart) {
	s.pending = append(s.pending, p)
}
