package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdoc "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentwire/messages"
	"goa.design/agentwire/model"
)

type fakeRuntime struct {
	converseInput *bedrockruntime.ConverseInput
	streamInput   *bedrockruntime.ConverseStreamInput
	output        *bedrockruntime.ConverseOutput
	streamOutput  StreamOutput
	err           error
}

func (f *fakeRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.converseInput = params
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func (f *fakeRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	f.streamInput = params
	if f.err != nil {
		return nil, f.err
	}
	return f.streamOutput, nil
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&fakeRuntime{}, Options{})
	require.Error(t, err)
	c, err := New(&fakeRuntime{}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestCompleteEncodesConversation(t *testing.T) {
	fake := &fakeRuntime{output: &bedrockruntime.ConverseOutput{}}
	c, err := New(fake, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 512, Temperature: 0.2})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []messages.Message{
			messages.New(messages.RoleSystem, "be brief"),
			messages.New(messages.RoleUser, "hi"),
			{Role: messages.RoleAssistant, Content: "checking", ToolCalls: []messages.ToolCallRef{
				{ID: "call-1", Name: "lookup", Args: `{"q":"x"}`},
			}},
			{Role: messages.RoleTool, Content: "42", ToolCallID: "call-1"},
		},
	})
	require.NoError(t, err)

	in := fake.converseInput
	require.NotNil(t, in)
	assert.Equal(t, "anthropic.claude-3", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 3)

	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, in.Messages[1].Role)
	require.Len(t, in.Messages[1].Content, 2)
	toolUse, ok := in.Messages[1].Content[1].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "call-1", aws.ToString(toolUse.Value.ToolUseId))
	assert.Equal(t, "lookup", aws.ToString(toolUse.Value.Name))

	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[2].Role)
	result, ok := in.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "call-1", aws.ToString(result.Value.ToolUseId))

	require.NotNil(t, in.InferenceConfig)
	assert.Equal(t, int32(512), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.2, float64(aws.ToFloat32(in.InferenceConfig.Temperature)), 1e-6)
}

func TestCompleteDecodesResponse(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
	fake := &fakeRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "searching "},
				&brtypes.ContentBlockMemberText{Value: "now"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("call-9"),
					Name:      aws.String("lookup"),
					Input:     mustDocument(t, map[string]any{"q": "x"}),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(7),
			TotalTokens:  aws.Int32(19),
		},
	}}
	c, err := New(fake, Options{DefaultModel: "m"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []messages.Message{messages.New(messages.RoleUser, "hi")},
		Tools:    []model.ToolDefinition{{Name: "lookup", Description: "find things", InputSchema: schema}},
	})
	require.NoError(t, err)

	assert.Equal(t, "searching now", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call-9", resp.ToolCalls[0].ID)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.ToolCalls[0].Args))
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 19, resp.Usage.TotalTokens)

	require.NotNil(t, fake.converseInput.ToolConfig)
	require.Len(t, fake.converseInput.ToolConfig.Tools, 1)
	spec, ok := fake.converseInput.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "lookup", aws.ToString(spec.Value.Name))
	assert.Equal(t, "find things", aws.ToString(spec.Value.Description))
}

func TestCompleteRequiresMessages(t *testing.T) {
	c, err := New(&fakeRuntime{}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestCompleteWrapsProviderError(t *testing.T) {
	fake := &fakeRuntime{err: errors.New("boom")}
	c, err := New(fake, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{
		Messages: []messages.Message{messages.New(messages.RoleUser, "hi")},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteClassifiesThrottling(t *testing.T) {
	fake := &fakeRuntime{err: &brtypes.ThrottlingException{Message: aws.String("slow down")}}
	c, err := New(fake, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{
		Messages: []messages.Message{messages.New(messages.RoleUser, "hi")},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestEncodeToolChoice(t *testing.T) {
	defs := []model.ToolDefinition{{Name: "lookup", InputSchema: json.RawMessage(`{"type":"object"}`)}}

	cfg, err := encodeTools(defs, &model.ToolChoice{Mode: model.ToolChoiceAuto})
	require.NoError(t, err)
	assert.Nil(t, cfg.ToolChoice)

	cfg, err = encodeTools(defs, &model.ToolChoice{Mode: model.ToolChoiceAny})
	require.NoError(t, err)
	_, ok := cfg.ToolChoice.(*brtypes.ToolChoiceMemberAny)
	assert.True(t, ok)

	cfg, err = encodeTools(defs, &model.ToolChoice{Mode: model.ToolChoiceTool, Name: "lookup"})
	require.NoError(t, err)
	specific, ok := cfg.ToolChoice.(*brtypes.ToolChoiceMemberTool)
	require.True(t, ok)
	assert.Equal(t, "lookup", aws.ToString(specific.Value.Name))

	_, err = encodeTools(defs, &model.ToolChoice{Mode: model.ToolChoiceTool})
	require.Error(t, err)

	_, err = encodeTools(nil, &model.ToolChoice{Mode: model.ToolChoiceAny})
	require.Error(t, err)
}

func TestInferenceConfigOmittedWhenUnset(t *testing.T) {
	c, err := New(&fakeRuntime{}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	assert.Nil(t, c.inferenceConfig(model.Request{}))
	cfg := c.inferenceConfig(model.Request{MaxTokens: 100})
	require.NotNil(t, cfg)
	assert.Equal(t, int32(100), aws.ToInt32(cfg.MaxTokens))
	assert.Nil(t, cfg.Temperature)
}

func mustDocument(t *testing.T, v map[string]any) brdoc.Interface {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	doc, err := schemaDocument(raw)
	require.NoError(t, err)
	return doc
}
