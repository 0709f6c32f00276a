package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentwire/chunk"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume chunks. Required.
		Client Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "agentwire_subscriber".
		SinkName string
		// Buffer specifies the chunk channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes Pulse run streams and emits decoded chunks. It
	// wraps a Pulse consumer group and acknowledges each chunk after it is
	// delivered downstream.
	Subscriber struct {
		client Client
		buffer int
		name   string
	}
)

const defaultSinkName = "agentwire_subscriber"

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = defaultSinkName
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for chunks and errors. The returned cancel function stops consumption,
// closes the group, and closes both channels.
//
// Usage:
//
//	chunks, errs, cancel, err := sub.Subscribe(ctx, "run/abc123")
//	defer cancel()
//	for c := range chunks {
//	    // process chunk
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan chunk.Chunk, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	chunks := make(chan chunk.Chunk, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, chunks, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return chunks, errs, cancelFunc, nil
}

// consume reads events from the consumer group, decodes them, and emits
// chunks downstream. Each event is acked after delivery. Both channels close
// when ctx is cancelled or the group channel closes; decode and ack failures
// are reported on errs and end consumption.
func (s *Subscriber) consume(ctx context.Context, sink ReadSink, out chan<- chunk.Chunk, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var c chunk.Chunk
			if err := json.Unmarshal(evt.Payload, &c); err != nil {
				errs <- fmt.Errorf("pulse decode chunk: %w", err)
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
