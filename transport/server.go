// Package transport adapts chunk streams to HTTP. The server side writes a
// run's chunks to a response in either framing, preserving middleware
// headers and honoring client disconnects; the client side wraps a
// response body into a decoded chunk iterator or hands out the raw body
// for byte-level passthrough.
package transport

import (
	"context"
	"net/http"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/codec"
	"goa.design/agentwire/telemetry"
)

type (
	// WriteOptions configures Write.
	WriteOptions struct {
		// Format selects the wire framing. Defaults to SSE.
		Format codec.Format
		// DisableRedaction turns off the redaction policy. Redaction is on
		// by default: sensitive request fields (system prompt, raw bodies,
		// tool schemas) are stripped from lifecycle chunks before they
		// leave the process.
		DisableRedaction bool
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Sink consumes a run's chunks outside the HTTP response path (message
	// brokers, fan-out streams). Implementations must be safe to call from
	// a single producer goroutine.
	Sink interface {
		// Send publishes one chunk.
		Send(ctx context.Context, c chunk.Chunk) error
		// Close flushes and releases the sink.
		Close(ctx context.Context) error
	}
)

// Write streams chunks to w until the channel closes or the client
// disconnects. It snapshots the headers set by earlier middleware and
// re-applies them after taking over the response, so raw stream control
// never drops CORS or plugin headers. On client disconnect it stops
// pulling from the channel and returns the request context's error; the
// producer sharing that context stops on its own.
func Write(w http.ResponseWriter, r *http.Request, chunks <-chan chunk.Chunk, opts WriteOptions) error {
	if opts.Format == "" {
		opts.Format = codec.FormatSSE
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	enc, err := codec.NewEncoder(opts.Format)
	if err != nil {
		return err
	}

	// Snapshot middleware headers before mutating the response.
	snapshot := w.Header().Clone()
	w.Header().Set("Content-Type", enc.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	for k, vals := range snapshot {
		if w.Header().Get(k) != "" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client disconnected, stopping stream")
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				if trailer := enc.Trailer(); trailer != nil {
					if _, err := w.Write(trailer); err != nil {
						return err
					}
				}
				flush()
				return nil
			}
			if !opts.DisableRedaction {
				c = Redact(c)
			}
			frame, err := enc.Encode(c)
			if err != nil {
				logger.Error(ctx, "chunk not encodable, skipping", "type", string(c.Type), "err", err.Error())
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return err
			}
			flush()
		}
	}
}

// Drain publishes chunks to a sink until the channel closes or ctx is
// cancelled, then closes the sink.
func Drain(ctx context.Context, chunks <-chan chunk.Chunk, sink Sink, redact bool) error {
	defer sink.Close(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if redact {
				c = Redact(c)
			}
			if err := sink.Send(ctx, c); err != nil {
				return err
			}
		}
	}
}
