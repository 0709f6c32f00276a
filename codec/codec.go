// Package codec frames chunks for wire transport and parses framed bytes
// back into chunks. Two framings are supported:
//
//   - SSE: "data: <json>\n\n" events, optionally terminated by the
//     provider-style "data: [DONE]\n\n" sentinel.
//   - Record separator: "<json>" followed by the ASCII record separator
//     byte 0x1E. The record separator is used instead of newline-delimited
//     JSON because chunk JSON can legitimately contain raw newlines.
//
// Decoders are incremental: bytes may arrive split at arbitrary points
// across network reads. Each Decode call parses every complete frame in
// the buffered input and retains the trailing partial fragment for the
// next call. A partial frame is never handed to the JSON parser, and the
// byte stream as a whole is never treated as a single JSON document.
package codec

import (
	"fmt"

	"goa.design/agentwire/chunk"
)

type (
	// Format selects the wire framing for a stream of chunks.
	Format string

	// Encoder turns one chunk into its wire frame.
	Encoder interface {
		// Encode returns the framed bytes for a single chunk.
		Encode(c chunk.Chunk) ([]byte, error)
		// Trailer returns the bytes that terminate the frame sequence, or
		// nil when the framing has no explicit terminator.
		Trailer() []byte
		// ContentType returns the HTTP content type for the framing.
		ContentType() string
	}

	// Decoder incrementally parses framed bytes back into chunks.
	// Implementations buffer partial frames between calls and are not safe
	// for concurrent use.
	Decoder interface {
		// Decode consumes the next segment of the byte stream and returns
		// every chunk whose frame completed within the buffered input.
		// A frame that fails to parse after its delimiter was seen is
		// reported as a *DecodeError; decoding may continue afterwards.
		Decode(p []byte) ([]chunk.Chunk, error)
		// Done reports whether the stream signaled explicit termination
		// (the SSE [DONE] sentinel). Record-separator streams terminate
		// implicitly on connection close and never report done.
		Done() bool
		// Buffered returns the number of bytes held as a partial frame.
		Buffered() int
	}

	// DecodeError reports a frame that was fully delimited on the wire but
	// failed to parse. It is distinct from transport errors: the caller
	// can keep reading subsequent frames.
	DecodeError struct {
		// Frame holds the offending frame bytes.
		Frame []byte
		// Err is the underlying parse error.
		Err error
	}
)

// Format values accepted by NewEncoder and NewDecoder.
const (
	// FormatSSE frames chunks as server-sent events.
	FormatSSE Format = "sse"
	// FormatRecord frames chunks as JSON documents separated by 0x1E.
	FormatRecord Format = "record-separator"
)

// RecordSeparator is the ASCII record separator byte used as the
// inter-document delimiter by FormatRecord.
const RecordSeparator byte = 0x1E

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: malformed frame (%d bytes): %s", len(e.Frame), e.Err)
}

// Unwrap returns the underlying parse error.
func (e *DecodeError) Unwrap() error { return e.Err }

// NewEncoder returns the encoder for the given framing format.
func NewEncoder(f Format) (Encoder, error) {
	switch f {
	case FormatSSE:
		return &SSEEncoder{}, nil
	case FormatRecord:
		return &RecordEncoder{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown format %q", f)
	}
}

// NewDecoder returns the decoder for the given framing format.
func NewDecoder(f Format) (Decoder, error) {
	switch f {
	case FormatSSE:
		return NewSSEDecoder(), nil
	case FormatRecord:
		return NewRecordDecoder(), nil
	default:
		return nil, fmt.Errorf("codec: unknown format %q", f)
	}
}
