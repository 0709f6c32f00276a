// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go/v2, including streaming.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
)

type (
	// CompletionsClient captures the subset of the openai-go client used
	// by the adapter. It is satisfied by the SDK's Chat.Completions
	// service so callers can pass either a real client or a mock in tests.
	CompletionsClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string
		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat         CompletionsClient
		defaultModel string
		temp         float32
	}
)

// New builds an OpenAI-backed model client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	var raw *http.Response
	completion, err := c.chat.New(ctx, params, option.WithResponseInto(&raw))
	if err != nil {
		return model.Response{}, classifyErr(err, "openai chat completion")
	}
	resp, err := decodeResponse(completion)
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
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	var raw *http.Response
	stream := c.chat.NewStreaming(ctx, params, option.WithResponseInto(&raw))
	if err := stream.Err(); err != nil {
		return nil, classifyErr(err, "openai chat completion stream")
	}
	return newStreamer(stream, headerMetadata(raw)), nil
}

func (c *Client) encodeRequest(req model.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: msgs,
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(float64(t))
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(float64(c.temp))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.ChatCompletionNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return sdk.ChatCompletionNewParams{}, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

func encodeMessages(msgs []messages.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case messages.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case messages.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case messages.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: args,
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case messages.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message missing tool call id")
			}
			tool := sdk.ChatCompletionToolMessageParam{ToolCallID: m.ToolCallID}
			tool.Content.OfString = sdk.String(m.Content)
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfTool: &tool})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool definition missing name")
		}
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = sdk.FunctionParameters(schema)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

func encodeToolChoice(choice *model.ToolChoice) (sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceAuto:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("auto")}, nil
	case model.ToolChoiceNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}, nil
	case model.ToolChoiceAny:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("required")}, nil
	case model.ToolChoiceTool:
		if choice.Name == "" {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{}, errors.New("openai: tool choice requires a tool name")
		}
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func decodeResponse(completion *sdk.ChatCompletion) (model.Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return model.Response{}, errors.New("openai: response has no choices")
	}
	choice := completion.Choices[0]
	resp := model.Response{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		})
	}
	if u := completion.Usage; u.TotalTokens != 0 {
		resp.Usage.InputTokens = int(u.PromptTokens)
		resp.Usage.OutputTokens = int(u.CompletionTokens)
		resp.Usage.TotalTokens = int(u.TotalTokens)
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
		if lower == "x-request-id" || strings.HasPrefix(lower, "x-ratelimit-") {
			meta[lower] = vals[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
