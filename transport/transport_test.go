package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/codec"
)

func textChunk(text string) chunk.Chunk {
	return chunk.New("run-1", chunk.FromAgent, chunk.TextDelta{ID: "d", Text: text})
}

func startChunk() chunk.Chunk {
	return chunk.New("run-1", chunk.FromAgent, chunk.Start{Request: &chunk.RequestInfo{
		Model:        "test-model",
		SystemPrompt: "you are a helpful assistant",
		RawBody:      json.RawMessage(`{"secret":true}`),
		Tools: []chunk.ToolInfo{{
			Name:        "lookup",
			Description: "look things up",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}})
}

func serve(t *testing.T, chunks []chunk.Chunk, opts WriteOptions) *http.Response {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch := make(chan chunk.Chunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		_ = Write(w, r, ch, opts)
	}))
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWriteSSERoundTrip(t *testing.T) {
	resp := serve(t, []chunk.Chunk{textChunk("a"), textChunk("b")}, WriteOptions{})
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	stream, err := NewResponse(resp).Chunks()
	require.NoError(t, err)
	defer stream.Close()

	var texts []string
	for {
		c, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		texts = append(texts, c.Payload.(chunk.TextDelta).Text)
	}
	assert.Equal(t, []string{"a", "b"}, texts)
}

func TestWriteRecordRoundTrip(t *testing.T) {
	resp := serve(t, []chunk.Chunk{textChunk("x\n\ny"), textChunk("z")}, WriteOptions{Format: codec.FormatRecord})
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	stream, err := NewResponse(resp).Chunks()
	require.NoError(t, err)
	defer stream.Close()

	c, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "x\n\ny", c.Payload.(chunk.TextDelta).Text, "raw newlines survive the record framing")
	_, err = stream.Next()
	require.NoError(t, err)
	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWritePreservesMiddlewareHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate CORS middleware that ran before the stream takeover.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("X-Plugin", "enabled")
		ch := make(chan chunk.Chunk)
		close(ch)
		_ = Write(w, r, ch, WriteOptions{})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "enabled", resp.Header.Get("X-Plugin"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
}

func TestWriteStopsOnClientDisconnect(t *testing.T) {
	var (
		mu       sync.Mutex
		writeErr error
		done     = make(chan struct{})
	)
	ch := make(chan chunk.Chunk)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		err := Write(w, r, ch, WriteOptions{})
		mu.Lock()
		writeErr = err
		mu.Unlock()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	ch <- textChunk("one")
	cancel()
	resp.Body.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not observe client disconnect")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Error(t, writeErr, "disconnect stops the writer with the context error")
}

func TestRedactionDefaultOn(t *testing.T) {
	resp := serve(t, []chunk.Chunk{startChunk()}, WriteOptions{})
	stream, err := NewResponse(resp).Chunks()
	require.NoError(t, err)
	defer stream.Close()

	c, err := stream.Next()
	require.NoError(t, err)
	start := c.Payload.(chunk.Start)
	require.NotNil(t, start.Request)
	assert.Equal(t, "test-model", start.Request.Model, "model survives redaction")
	assert.Empty(t, start.Request.SystemPrompt)
	assert.Empty(t, start.Request.RawBody)
	require.Len(t, start.Request.Tools, 1)
	assert.Equal(t, "lookup", start.Request.Tools[0].Name)
	assert.Empty(t, start.Request.Tools[0].InputSchema, "tool schemas are stripped")
}

func TestRedactionDisabled(t *testing.T) {
	resp := serve(t, []chunk.Chunk{startChunk()}, WriteOptions{DisableRedaction: true})
	stream, err := NewResponse(resp).Chunks()
	require.NoError(t, err)
	defer stream.Close()

	c, err := stream.Next()
	require.NoError(t, err)
	start := c.Payload.(chunk.Start)
	assert.Equal(t, "you are a helpful assistant", start.Request.SystemPrompt)
	assert.JSONEq(t, `{"secret":true}`, string(start.Request.RawBody))
}

func TestRedactKeepsToolCallArgs(t *testing.T) {
	c := Redact(chunk.New("run-1", chunk.FromAgent, chunk.ToolCall{
		ToolCallID: "call-1",
		ToolName:   "lookup",
		Args:       json.RawMessage(`{"q":"x"}`),
	}))
	assert.JSONEq(t, `{"q":"x"}`, string(c.Payload.(chunk.ToolCall).Args))
}

func TestRawModeNeverDecodes(t *testing.T) {
	// A stream body that is not JSON-framed at all: raw mode must hand it
	// over byte for byte without attempting to parse it.
	body := "event: ping\ndata: not{json\n\n\x00\x01binary"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	wrapped := NewResponse(resp)

	raw, err := wrapped.Raw()
	require.NoError(t, err)
	defer raw.Close()
	got, err := io.ReadAll(raw)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	_, err = wrapped.Chunks()
	assert.ErrorIs(t, err, ErrModeChosen, "decoded mode is unavailable after raw handoff")
}

func TestModeExclusivity(t *testing.T) {
	resp := serve(t, []chunk.Chunk{textChunk("a")}, WriteOptions{})
	wrapped := NewResponse(resp)
	_, err := wrapped.Chunks()
	require.NoError(t, err)
	_, err = wrapped.Raw()
	assert.ErrorIs(t, err, ErrModeChosen)
}

func TestStreamSurfacesFrameErrorAndContinues(t *testing.T) {
	good, err := json.Marshal(textChunk("ok"))
	require.NoError(t, err)
	var wire strings.Builder
	wire.Write(good)
	wire.WriteByte(codec.RecordSeparator)
	wire.WriteString("not json")
	wire.WriteByte(codec.RecordSeparator)
	wire.Write(good)
	wire.WriteByte(codec.RecordSeparator)

	stream := &Stream{
		body: io.NopCloser(strings.NewReader(wire.String())),
		dec:  codec.NewRecordDecoder(),
		buf:  make([]byte, 4096),
	}

	c, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Payload.(chunk.TextDelta).Text)

	_, err = stream.Next()
	var derr *codec.DecodeError
	require.ErrorAs(t, err, &derr, "malformed frames surface as DecodeError")

	c, err = stream.Next()
	require.NoError(t, err, "decoding continues past a malformed frame")
	assert.Equal(t, "ok", c.Payload.(chunk.TextDelta).Text)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFormatInference(t *testing.T) {
	assert.Equal(t, codec.FormatSSE, formatOf("text/event-stream"))
	assert.Equal(t, codec.FormatSSE, formatOf("text/event-stream; charset=utf-8"))
	assert.Equal(t, codec.FormatRecord, formatOf("text/plain"))
	assert.Equal(t, codec.FormatRecord, formatOf(""))
}
