package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"goa.design/agentwire/chunk"
)

type (
	// RecordEncoder frames each chunk as its JSON encoding followed by the
	// record separator byte. There is no other delimiter and no terminator;
	// the stream ends when the connection closes.
	RecordEncoder struct{}

	// RecordDecoder incrementally splits a byte stream on the record
	// separator and parses each complete segment as one chunk.
	RecordDecoder struct {
		buf bytes.Buffer
	}
)

// NewRecordDecoder returns a decoder for record-separator framed streams.
func NewRecordDecoder() *RecordDecoder {
	return &RecordDecoder{}
}

// Encode returns the chunk JSON followed by the record separator.
func (RecordEncoder) Encode(c chunk.Chunk) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("codec: encode chunk: %w", err)
	}
	return append(data, RecordSeparator), nil
}

// Trailer returns nil: record-separator streams terminate on close.
func (RecordEncoder) Trailer() []byte { return nil }

// ContentType returns the content type for record-separator streams.
func (RecordEncoder) ContentType() string { return "text/plain" }

// Decode appends p to the internal buffer, splits on the record separator,
// and parses every complete segment. The bytes after the last separator
// are retained for the next call and are never parsed.
func (d *RecordDecoder) Decode(p []byte) ([]chunk.Chunk, error) {
	d.buf.Write(p)
	var out []chunk.Chunk
	for {
		data := d.buf.Bytes()
		i := bytes.IndexByte(data, RecordSeparator)
		if i < 0 {
			return out, nil
		}
		frame := make([]byte, i)
		copy(frame, data[:i])
		d.buf.Next(i + 1)
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		var c chunk.Chunk
		if err := json.Unmarshal(frame, &c); err != nil {
			return out, &DecodeError{Frame: frame, Err: err}
		}
		out = append(out, c)
	}
}

// Done always reports false: the framing has no explicit terminator.
func (d *RecordDecoder) Done() bool { return false }

// Buffered returns the number of bytes held as a partial frame.
func (d *RecordDecoder) Buffered() int { return d.buf.Len() }
