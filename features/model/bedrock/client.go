// Package bedrock provides a model.Client backed by the AWS Bedrock Converse
// API. It translates requests into bedrockruntime Converse/ConverseStream
// calls and maps responses (text, tool use, reasoning, usage) back into the
// generic model structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdoc "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
)

type (
	// Runtime captures the subset of the Bedrock runtime client used by
	// the adapter. ConverseStream returns the StreamOutput interface so
	// tests can substitute fakes; wrap *bedrockruntime.Client with
	// NewRuntime to satisfy it.
	Runtime interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is the subset of the ConverseStream output required by
	// the adapter. Satisfied by *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens sets the default completion cap when a request does
		// not specify MaxTokens. Zero omits the cap so Bedrock applies
		// its own default.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float32
	}

	// Client implements model.Client on top of Bedrock Converse.
	Client struct {
		runtime      Runtime
		defaultModel string
		maxTok       int
		temp         float32
	}
)

// New builds a Bedrock-backed model client.
func New(runtime Runtime, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromConfig constructs a client over the real Bedrock runtime.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	return New(NewRuntime(bedrockruntime.NewFromConfig(cfg)), opts)
}

// NewRuntime adapts *bedrockruntime.Client to the Runtime interface.
func NewRuntime(c *bedrockruntime.Client) Runtime {
	return runtimeAdapter{c: c}
}

type runtimeAdapter struct {
	c *bedrockruntime.Client
}

func (a runtimeAdapter) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return a.c.Converse(ctx, params, optFns...)
}

func (a runtimeAdapter) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	return a.c.ConverseStream(ctx, params, optFns...)
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	toolCfg, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return model.Response{}, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.modelID(req)),
		Messages:        conversation,
		System:          system,
		InferenceConfig: c.inferenceConfig(req),
		ToolConfig:      toolCfg,
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, classifyErr(err, "bedrock converse")
	}
	return decodeResponse(output)
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolCfg, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(c.modelID(req)),
		Messages:        conversation,
		System:          system,
		InferenceConfig: c.inferenceConfig(req),
		ToolConfig:      toolCfg,
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyErr(err, "bedrock converse stream")
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(stream), nil
}

func (c *Client) modelID(req model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

func (c *Client) inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	if maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTok))
		set = true
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

// encodeMessages converts the canonical conversation into Converse blocks.
// System messages become top-level system blocks, tool-role messages become
// user-role tool_result blocks, and assistant tool calls become tool_use
// blocks.
func encodeMessages(msgs []messages.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	if len(msgs) == 0 {
		return nil, nil, errors.New("bedrock: messages are required")
	}
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock

	for _, m := range msgs {
		switch m.Role {
		case messages.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case messages.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case messages.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input, err := argsDocument(json.RawMessage(tc.Args))
				if err != nil {
					return nil, nil, fmt.Errorf("bedrock: tool call %q args: %w", tc.Name, err)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case messages.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("bedrock: tool message missing tool call id")
			}
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
						},
					},
				}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition, choice *model.ToolChoice) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		if choice != nil && choice.Mode != model.ToolChoiceNone && choice.Mode != "" && choice.Mode != model.ToolChoiceAuto {
			return nil, errors.New("bedrock: tool choice is set but no tools are defined")
		}
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("bedrock: tool definition missing name")
		}
		schema, err := schemaDocument(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if choice == nil {
		return cfg, nil
	}
	switch choice.Mode {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit ToolChoice.
	case model.ToolChoiceNone:
		// Converse has no "none" choice. Keep the tool configuration so
		// prior tool_use/tool_result blocks in the transcript remain
		// interpretable, without forcing new calls.
	case model.ToolChoiceAny:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case model.ToolChoiceTool:
		if choice.Name == "" {
			return nil, errors.New("bedrock: tool choice requires a tool name")
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
			Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Name)},
		}
	default:
		return nil, fmt.Errorf("bedrock: unsupported tool choice mode %q", choice.Mode)
	}
	return cfg, nil
}

// argsDocument converts a JSON argument document into the smithy document
// Bedrock expects for tool_use inputs. Empty arguments encode as an empty
// object.
func argsDocument(raw json.RawMessage) (brdoc.Interface, error) {
	m := map[string]any{}
	if len(raw) > 0 && strings.TrimSpace(string(raw)) != "" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	return brdoc.NewLazyDocument(m), nil
}

func schemaDocument(raw json.RawMessage) (brdoc.Interface, error) {
	if len(raw) == 0 {
		return brdoc.NewLazyDocument(map[string]any{"type": "object"}), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return brdoc.NewLazyDocument(m), nil
}

func decodeResponse(output *bedrockruntime.ConverseOutput) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	var resp model.Response
	var text, reasoning strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberReasoningContent:
				if rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
					reasoning.WriteString(aws.ToString(rt.Value.Text))
				}
			case *brtypes.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:   aws.ToString(v.Value.ToolUseId),
					Name: aws.ToString(v.Value.Name),
					Args: documentJSON(v.Value.Input),
				})
			}
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	resp.StopReason = string(output.StopReason)
	if u := output.Usage; u != nil {
		resp.Usage = decodeUsage(u)
	}
	return resp, nil
}

func decodeUsage(u *brtypes.TokenUsage) (usage chunk.Usage) {
	usage.InputTokens = int(aws.ToInt32(u.InputTokens))
	usage.OutputTokens = int(aws.ToInt32(u.OutputTokens))
	usage.TotalTokens = int(aws.ToInt32(u.TotalTokens))
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	usage.CachedInputTokens = int(aws.ToInt32(u.CacheReadInputTokens))
	return usage
}

// documentJSON renders a smithy document as JSON, defaulting to an empty
// object when the document is missing or malformed.
func documentJSON(doc brdoc.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil || len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// classifyErr maps throttling rejections to model.ErrRateLimited so the
// orchestrator can apply cooperative backoff. Bedrock signals rate limiting
// both through provider error codes and plain HTTP 429 responses.
func classifyErr(err error, op string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
