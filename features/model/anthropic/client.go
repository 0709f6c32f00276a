// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates requests into anthropic.Message calls using
// github.com/anthropics/anthropic-sdk-go and maps responses (text, tool use,
// thinking, usage) back into the generic model structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens sets the default completion cap when a request does
		// not specify MaxTokens. The Messages API requires a positive cap,
		// so one of the two must be set. Defaults to 4096.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

const defaultMaxTokens = 4096

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTok,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	var raw *http.Response
	msg, err := c.msg.New(ctx, params, option.WithResponseInto(&raw))
	if err != nil {
		return model.Response{}, classifyErr(err, "anthropic messages.new")
	}
	resp, err := decodeResponse(msg)
	if err != nil {
		return model.Response{}, err
	}
	resp.Metadata = headerMetadata(raw)
	return resp, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	var raw *http.Response
	stream := c.msg.NewStreaming(ctx, params, option.WithResponseInto(&raw))
	if err := stream.Err(); err != nil {
		return nil, classifyErr(err, "anthropic messages.new stream")
	}
	return newStreamer(stream, headerMetadata(raw)), nil
}

func (c *Client) encodeRequest(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTok),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(float64(t))
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(float64(c.temp))
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

// encodeMessages converts the canonical conversation into Messages API
// blocks. System messages become top-level system blocks, tool-role
// messages become user-role tool_result blocks, and assistant tool calls
// become tool_use blocks.
func encodeMessages(msgs []messages.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case messages.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case messages.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case messages.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case messages.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool message missing tool call id")
			}
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool definition missing name")
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *model.ToolChoice) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case model.ToolChoiceTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: tool choice requires a tool name")
		}
		return sdk.ToolChoiceParamOfTool(choice.Name), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func decodeResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var resp model.Response
	var text, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	resp.StopReason = string(msg.StopReason)
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage.InputTokens = int(u.InputTokens)
		resp.Usage.OutputTokens = int(u.OutputTokens)
		resp.Usage.TotalTokens = int(u.InputTokens + u.OutputTokens)
	}
	return resp, nil
}

// classifyErr maps 429 responses to model.ErrRateLimited so the
// orchestrator can apply cooperative backoff.
func classifyErr(err error, op string) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// headerMetadata harvests request identification and rate-limit headers
// from the provider response.
func headerMetadata(resp *http.Response) map[string]string {
	if resp == nil {
		return nil
	}
	meta := make(map[string]string)
	for name, vals := range resp.Header {
		if len(vals) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if lower == "request-id" || strings.HasPrefix(lower, "anthropic-ratelimit-") {
			meta[lower] = vals[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
