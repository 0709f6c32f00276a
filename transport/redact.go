package transport

import "goa.design/agentwire/chunk"

// Redact strips the sensitive request fields from lifecycle chunks:
// system-prompt text, raw request bodies, and tool schemas carried by
// start, step-start, step-finish, and finish payloads. Other chunk types
// pass through unchanged; in particular tool-call chunks keep their
// arguments, which consumers need to execute tools.
func Redact(c chunk.Chunk) chunk.Chunk {
	switch p := c.Payload.(type) {
	case chunk.Start:
		p.Request = redactRequest(p.Request)
		c.Payload = p
	case chunk.StepStart:
		p.Request = redactRequest(p.Request)
		c.Payload = p
	case chunk.StepFinish:
		p.Request = redactRequest(p.Request)
		c.Payload = p
	case chunk.Finish:
		p.Request = redactRequest(p.Request)
		c.Payload = p
	}
	return c
}

func redactRequest(info *chunk.RequestInfo) *chunk.RequestInfo {
	if info == nil {
		return nil
	}
	out := &chunk.RequestInfo{Model: info.Model}
	for _, t := range info.Tools {
		out.Tools = append(out.Tools, chunk.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
		})
	}
	return out
}
