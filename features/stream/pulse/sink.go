package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentwire/chunk"
)

type (
	// SinkOptions configures the publishing sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish chunks. Required.
		Client Client
		// StreamID derives the target stream from a chunk. Defaults to
		// "run/<RunID>".
		StreamID func(chunk.Chunk) (string, error)
	}

	// Sink publishes chunks into Pulse streams, one stream per run by
	// default. It implements transport.Sink and is safe for use from a
	// single producer goroutine.
	Sink struct {
		client   Client
		streamID func(chunk.Chunk) (string, error)
	}
)

// NewSink constructs a Pulse-backed chunk sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes one chunk to its run stream. The event name is the chunk
// type and the payload is the chunk's JSON envelope, so subscribers can
// filter by type without decoding.
func (s *Sink) Send(ctx context.Context, c chunk.Chunk) error {
	streamID, err := s.streamID(c)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("pulse encode chunk: %w", err)
	}
	if _, err := handle.Add(ctx, string(c.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(c chunk.Chunk) (string, error) {
	if c.RunID == "" {
		return "", errors.New("chunk missing run id")
	}
	return fmt.Sprintf("run/%s", c.RunID), nil
}
