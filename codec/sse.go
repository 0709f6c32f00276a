package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/agentwire/chunk"
)

type (
	// SSEEncoder frames each chunk as a server-sent event: a "data: " line
	// holding the chunk JSON, terminated by a blank line. The frame
	// sequence ends with the "data: [DONE]" sentinel event.
	SSEEncoder struct{}

	// SSEDecoder incrementally parses a server-sent event stream into
	// chunks. Events are delimited by a blank line; multiple data lines
	// within one event are joined with a newline per the SSE spec. Comment
	// lines and non-data fields (event:, id:, retry:) are ignored.
	SSEDecoder struct {
		buf  bytes.Buffer
		done bool
	}
)

// doneSentinel is the explicit stream terminator used by provider-style
// SSE transports.
const doneSentinel = "[DONE]"

// NewSSEDecoder returns a decoder for SSE framed streams.
func NewSSEDecoder() *SSEDecoder {
	return &SSEDecoder{}
}

// Encode returns the SSE event bytes for a single chunk.
func (SSEEncoder) Encode(c chunk.Chunk) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("codec: encode chunk: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Trailer returns the [DONE] sentinel event.
func (SSEEncoder) Trailer() []byte { return []byte("data: " + doneSentinel + "\n\n") }

// ContentType returns the SSE content type.
func (SSEEncoder) ContentType() string { return "text/event-stream" }

// Decode appends p to the internal buffer and parses every complete event.
// A complete event is one terminated by a blank line; the trailing partial
// event is retained for the next call. Once the [DONE] sentinel is seen,
// remaining input is ignored.
func (d *SSEDecoder) Decode(p []byte) ([]chunk.Chunk, error) {
	d.buf.Write(p)
	var out []chunk.Chunk
	for !d.done {
		event, ok := d.nextEvent()
		if !ok {
			return out, nil
		}
		data := eventData(event)
		if data == "" {
			continue
		}
		if data == doneSentinel {
			d.done = true
			break
		}
		var c chunk.Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return out, &DecodeError{Frame: []byte(data), Err: err}
		}
		out = append(out, c)
	}
	return out, nil
}

// Done reports whether the [DONE] sentinel has been decoded.
func (d *SSEDecoder) Done() bool { return d.done }

// Buffered returns the number of bytes held as a partial event.
func (d *SSEDecoder) Buffered() int { return d.buf.Len() }

// nextEvent extracts the next blank-line-terminated event block from the
// buffer. It normalizes CRLF line endings before looking for the boundary.
func (d *SSEDecoder) nextEvent() (string, bool) {
	data := d.buf.Bytes()
	i, skip := eventBoundary(data)
	if i < 0 {
		return "", false
	}
	event := make([]byte, i)
	copy(event, data[:i])
	d.buf.Next(i + skip)
	return string(event), true
}

// eventBoundary locates the first blank-line event boundary ("\n\n" or
// "\r\n\r\n") and returns its offset and delimiter width.
func eventBoundary(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// eventData joins the data lines of one event block. Non-data lines and
// comments are skipped; multiple data lines are joined with a newline.
func eventData(event string) string {
	var parts []string
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			parts = append(parts, strings.TrimPrefix(after, " "))
		}
	}
	return strings.Join(parts, "\n")
}
