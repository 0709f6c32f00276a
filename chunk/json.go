package chunk

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire shape of a chunk: the discriminator and routing
// fields plus the variant payload as a nested document.
type envelope struct {
	Type    Type            `json:"type"`
	RunID   string          `json:"runId"`
	From    From            `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the chunk as a {type, runId, from, payload} envelope.
func (c Chunk) MarshalJSON() ([]byte, error) {
	env := envelope{Type: c.Type, RunID: c.RunID, From: c.From}
	if c.Payload != nil {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", c.Type, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope and materializes the concrete payload
// variant selected by the type tag. Unknown types are rejected so corrupt
// frames surface as decode errors rather than silently dropped fields;
// "data-*" types decode into the free-form Data payload.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	c.Type = env.Type
	c.RunID = env.RunID
	c.From = env.From
	c.Payload = payload
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if t.IsData() {
		return decodeAs[Data](t, raw)
	}
	switch t {
	case TypeTextStart:
		return decodeAs[TextStart](t, raw)
	case TypeTextDelta:
		return decodeAs[TextDelta](t, raw)
	case TypeTextEnd:
		return decodeAs[TextEnd](t, raw)
	case TypeReasoningStart:
		return decodeAs[ReasoningStart](t, raw)
	case TypeReasoningDelta:
		return decodeAs[ReasoningDelta](t, raw)
	case TypeReasoningEnd:
		return decodeAs[ReasoningEnd](t, raw)
	case TypeReasoningSignature:
		return decodeAs[ReasoningSignature](t, raw)
	case TypeRedactedReasoning:
		return decodeAs[RedactedReasoning](t, raw)
	case TypeToolCallInputStreamingStart:
		return decodeAs[ToolCallInputStreamingStart](t, raw)
	case TypeToolCallDelta:
		return decodeAs[ToolCallDelta](t, raw)
	case TypeToolCallInputStreamingEnd:
		return decodeAs[ToolCallInputStreamingEnd](t, raw)
	case TypeToolCall:
		return decodeAs[ToolCall](t, raw)
	case TypeToolCallApproval:
		return decodeAs[ToolCallApproval](t, raw)
	case TypeToolCallSuspended:
		return decodeAs[ToolCallSuspended](t, raw)
	case TypeToolResult:
		return decodeAs[ToolResult](t, raw)
	case TypeToolError:
		return decodeAs[ToolError](t, raw)
	case TypeToolOutput:
		return decodeAs[ToolOutput](t, raw)
	case TypeObject:
		return decodeAs[Object](t, raw)
	case TypeObjectResult:
		return decodeAs[ObjectResult](t, raw)
	case TypeStart:
		return decodeAs[Start](t, raw)
	case TypeStepStart:
		return decodeAs[StepStart](t, raw)
	case TypeStepFinish:
		return decodeAs[StepFinish](t, raw)
	case TypeFinish:
		return decodeAs[Finish](t, raw)
	case TypeAbort:
		return decodeAs[Abort](t, raw)
	case TypeError:
		return decodeAs[Error](t, raw)
	case TypeTripwire:
		return decodeAs[Tripwire](t, raw)
	case TypeIsTaskComplete:
		return decodeAs[IsTaskComplete](t, raw)
	case TypeSource:
		return decodeAs[Source](t, raw)
	case TypeFile:
		return decodeAs[File](t, raw)
	case TypeResponseMetadata:
		return decodeAs[ResponseMetadata](t, raw)
	case TypeRaw:
		return decodeAs[Raw](t, raw)
	case TypeWatch:
		return decodeAs[Watch](t, raw)
	case TypeStepOutput:
		return decodeAs[StepOutput](t, raw)
	default:
		return nil, fmt.Errorf("unknown chunk type %q", t)
	}
}

func decodeAs[P Payload](t Type, raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
