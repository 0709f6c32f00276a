package transport

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/codec"
)

type (
	// Response wraps a streaming HTTP response. Call Chunks for the
	// decoded chunk sequence or Raw for byte-level passthrough; the two
	// modes are exclusive. Raw mode never touches the JSON decoder, so
	// proxying callers pay no decoding cost and non-JSON bodies survive
	// untouched.
	Response struct {
		resp   *http.Response
		format codec.Format
		stream *Stream
		raw    bool
	}

	// Stream iterates the decoded chunks of a response body.
	Stream struct {
		body    io.ReadCloser
		dec     codec.Decoder
		pending []chunk.Chunk
		// pendingErr is a frame error delivered after the chunks decoded
		// before it.
		pendingErr error
		buf        []byte
		eof        bool
	}
)

// ErrModeChosen is returned when both Raw and Chunks are requested on the
// same response.
var ErrModeChosen = errors.New("transport: response already consumed in the other mode")

// NewResponse wraps resp. The framing is inferred from the Content-Type
// header: text/event-stream selects SSE, anything else the record
// separator framing.
func NewResponse(resp *http.Response) *Response {
	return &Response{resp: resp, format: formatOf(resp.Header.Get("Content-Type"))}
}

func formatOf(contentType string) codec.Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mt == "text/event-stream" {
		return codec.FormatSSE
	}
	return codec.FormatRecord
}

// Format returns the inferred wire framing.
func (r *Response) Format() codec.Format { return r.format }

// Chunks returns the decoded chunk iterator for the response body.
func (r *Response) Chunks() (*Stream, error) {
	if r.raw {
		return nil, ErrModeChosen
	}
	if r.stream == nil {
		dec, err := codec.NewDecoder(r.format)
		if err != nil {
			return nil, err
		}
		r.stream = &Stream{body: r.resp.Body, dec: dec, buf: make([]byte, 4096)}
	}
	return r.stream, nil
}

// Raw returns the undecoded response body. The caller owns it and must
// close it.
func (r *Response) Raw() (io.ReadCloser, error) {
	if r.stream != nil {
		return nil, ErrModeChosen
	}
	r.raw = true
	return r.resp.Body, nil
}

// Next returns the next decoded chunk. It returns io.EOF when the body is
// exhausted or the framing signaled explicit termination. A malformed
// frame surfaces as a *codec.DecodeError; iteration may continue past it.
func (s *Stream) Next() (chunk.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.pendingErr != nil {
			err := s.pendingErr
			s.pendingErr = nil
			return chunk.Chunk{}, err
		}
		if s.eof || s.dec.Done() {
			// A frame error leaves complete frames buffered in the
			// decoder; drain them before reporting end of stream.
			if s.dec.Buffered() > 0 {
				chunks, derr := s.dec.Decode(nil)
				if len(chunks) > 0 || derr != nil {
					s.pending, s.pendingErr = chunks, derr
					continue
				}
			}
			return chunk.Chunk{}, io.EOF
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunks, derr := s.dec.Decode(s.buf[:n])
			s.pending = append(s.pending, chunks...)
			s.pendingErr = derr
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			continue
		}
		if err != nil {
			return chunk.Chunk{}, err
		}
	}
}

// Close releases the underlying body.
func (s *Stream) Close() error { return s.body.Close() }
