package bedrock

import (
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/agentwire/model"
)

// streamer adapts the Converse event stream to model.Streamer. Events are
// pulled from the SDK channel on demand; each event may expand into several
// parts which are queued and drained before the next event is read.
type streamer struct {
	stream  *bedrockruntime.ConverseStreamEventStream
	pending []model.StreamPart
	tools   map[int]*toolBuffer

	stopReason string
	stopped    bool
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func newStreamer(stream *bedrockruntime.ConverseStreamEventStream) *streamer {
	return &streamer{
		stream: stream,
		tools:  make(map[int]*toolBuffer),
	}
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.StreamPart, error) {
	for {
		if len(s.pending) > 0 {
			part := s.pending[0]
			s.pending = s.pending[1:]
			return part, nil
		}
		event, ok := <-s.stream.Events()
		if !ok {
			if err := s.stream.Err(); err != nil {
				return model.StreamPart{}, classifyErr(err, "bedrock stream")
			}
			// Usage arrives in a metadata event after messageStop, so
			// the stop part is emitted once the channel drains.
			if s.stopped {
				s.stopped = false
				return model.StreamPart{Type: model.PartStop, StopReason: s.stopReason}, nil
			}
			return model.StreamPart{}, io.EOF
		}
		if err := s.handle(event); err != nil {
			return model.StreamPart{}, err
		}
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error { return s.stream.Close() }

// Metadata implements model.Streamer. Bedrock event streams expose no
// response headers, so there is nothing to report.
func (s *streamer) Metadata() map[string]string { return nil }

func (s *streamer) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		s.tools = make(map[int]*toolBuffer)
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{
				id:   aws.ToString(start.Value.ToolUseId),
				name: aws.ToString(start.Value.Name),
			}
			s.tools[idx] = tb
			s.push(model.StreamPart{
				Type:     model.PartToolCallStart,
				ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name},
			})
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		return s.handleDelta(idx, ev.Value.Delta)
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if tb := s.tools[idx]; tb != nil {
			delete(s.tools, idx)
			args := tb.fragments.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			s.push(model.StreamPart{
				Type:     model.PartToolCall,
				ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Args: []byte(args)},
			})
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.stopReason = string(ev.Value.StopReason)
		s.stopped = true
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			usage := decodeUsage(u)
			s.push(model.StreamPart{Type: model.PartUsage, Usage: &usage})
		}
	}
	return nil
}

func (s *streamer) handleDelta(idx int, delta brtypes.ContentBlockDelta) error {
	switch d := delta.(type) {
	case *brtypes.ContentBlockDeltaMemberText:
		if d.Value != "" {
			s.push(model.StreamPart{Type: model.PartText, Text: d.Value})
		}
	case *brtypes.ContentBlockDeltaMemberReasoningContent:
		switch r := d.Value.(type) {
		case *brtypes.ReasoningContentBlockDeltaMemberText:
			if r.Value != "" {
				s.push(model.StreamPart{Type: model.PartReasoning, Text: r.Value})
			}
		case *brtypes.ReasoningContentBlockDeltaMemberSignature:
			s.push(model.StreamPart{Type: model.PartReasoningSignature, Signature: r.Value})
		case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
			s.push(model.StreamPart{Type: model.PartRedactedReasoning, Redacted: r.Value})
		}
	case *brtypes.ContentBlockDeltaMemberToolUse:
		tb := s.tools[idx]
		if tb == nil || d.Value.Input == nil {
			return nil
		}
		tb.fragments.WriteString(*d.Value.Input)
		s.push(model.StreamPart{
			Type:     model.PartToolCallDelta,
			Text:     *d.Value.Input,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name},
		})
	}
	return nil
}

func (s *streamer) push(part model.StreamPart) {
	s.pending = append(s.pending, part)
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block index missing")
	}
	return int(*idx), nil
}
