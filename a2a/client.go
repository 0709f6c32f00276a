package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"goa.design/agentwire/transport"
)

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client speaks JSON-RPC 2.0 over HTTP to a remote agent endpoint.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
)

const methodSendMessage = "message/send"

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// New constructs a Client for the given JSON-RPC endpoint, for example
// "https://host.example.com/a2a".
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("a2a: endpoint is required")
	}
	cl := &Client{
		endpoint: endpoint,
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	return cl, nil
}

// SendMessage invokes message/send and returns the JSON-RPC result. The
// params are forwarded verbatim. A structured agent refusal is returned as
// an *Error; transport and status failures as plain errors.
func (c *Client) SendMessage(ctx context.Context, params any) (json.RawMessage, error) {
	resp, err := c.post(ctx, params)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("a2a: http status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("a2a: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// SendStreamingMessage invokes message/send with stream enabled and hands
// the framed response back for chunk-by-chunk consumption. The body is
// never parsed as a single JSON document: callers decode it through the
// returned transport.Response, or take it raw.
func (c *Client) SendStreamingMessage(ctx context.Context, params any) (*transport.Response, error) {
	streaming, err := withStreamFlag(params)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, streaming)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var rpcResp rpcResponse
		if derr := json.NewDecoder(resp.Body).Decode(&rpcResp); derr == nil && rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return nil, fmt.Errorf("a2a: http status %d", resp.StatusCode)
	}
	return transport.NewResponse(resp), nil
}

func (c *Client) post(ctx context.Context, params any) (*http.Response, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  methodSendMessage,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.http.Do(req)
}

// withStreamFlag returns params as an object with "stream" set to true.
// The input is not mutated.
func withStreamFlag(params any) (map[string]any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal params: %w", err)
	}
	obj := make(map[string]any)
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("a2a: streaming params must be an object: %w", err)
		}
	}
	obj["stream"] = true
	return obj, nil
}
