package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentwire/chunk"
)

type fakeClient struct {
	streams map[string]*fakeStream
	err     error
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (f *fakeClient) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	str, ok := f.streams[name]
	if !ok {
		str = &fakeStream{}
		f.streams[name] = str
	}
	return str, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

type added struct {
	event   string
	payload []byte
}

type fakeStream struct {
	entries []added
	sink    ReadSink
	addErr  error
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.entries = append(f.entries, added{event: event, payload: payload})
	return "1-0", nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (ReadSink, error) {
	return f.sink, nil
}

func (f *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeReadSink struct {
	events chan *streaming.Event
	acked  []*streaming.Event
	ackErr error
}

func (f *fakeReadSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeReadSink) Ack(ctx context.Context, evt *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, evt)
	return nil
}

func (f *fakeReadSink) Close(ctx context.Context) {}

func TestSinkPublishesChunkEnvelope(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	c := chunk.New("run-1", chunk.FromAgent, chunk.TextDelta{ID: "t1", Text: "hello"})
	require.NoError(t, sink.Send(context.Background(), c))

	str := client.streams["run/run-1"]
	require.NotNil(t, str)
	require.Len(t, str.entries, 1)
	assert.Equal(t, string(chunk.TypeTextDelta), str.entries[0].event)

	var decoded chunk.Chunk
	require.NoError(t, json.Unmarshal(str.entries[0].payload, &decoded))
	assert.Equal(t, c, decoded)
}

func TestSinkRequiresRunID(t *testing.T) {
	sink, err := NewSink(SinkOptions{Client: newFakeClient()})
	require.NoError(t, err)
	err = sink.Send(context.Background(), chunk.Chunk{Type: chunk.TypeTextDelta})
	require.Error(t, err)
}

func TestSinkCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{
		Client:   client,
		StreamID: func(chunk.Chunk) (string, error) { return "all-runs", nil },
	})
	require.NoError(t, err)

	c := chunk.New("run-1", chunk.FromAgent, chunk.TextDelta{ID: "t1", Text: "x"})
	require.NoError(t, sink.Send(context.Background(), c))
	require.Contains(t, client.streams, "all-runs")
}

func TestSinkPropagatesAddError(t *testing.T) {
	client := newFakeClient()
	client.streams["run/run-1"] = &fakeStream{addErr: errors.New("redis down")}
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	c := chunk.New("run-1", chunk.FromAgent, chunk.TextDelta{ID: "t1", Text: "x"})
	require.Error(t, sink.Send(context.Background(), c))
}

func TestSinkCloseDelegates(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, client.closed)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(SinkOptions{})
	require.Error(t, err)
}
