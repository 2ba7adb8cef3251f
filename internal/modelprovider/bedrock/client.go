// Package bedrock provides a modelprovider.Client implementation backed by
// the AWS Bedrock Converse API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter depends on, so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float32
}

// Client implements modelprovider.Client on top of AWS Bedrock Converse.
// Streaming is not implemented; Stream always returns
// modelprovider.ErrStreamingUnsupported — callers needing incremental output
// should use the anthropic or openai adapter instead.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed model client from the provided options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Complete issues a Converse request and translates the response into a
// modelprovider.Response.
func (c *Client) Complete(ctx context.Context, req *modelprovider.Request) (*modelprovider.Response, error) {
	input, err := c.prepareInput(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", modelprovider.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

// Stream is not implemented for the Bedrock adapter.
func (c *Client) Stream(context.Context, *modelprovider.Request) (modelprovider.Streamer, error) {
	return nil, modelprovider.ErrStreamingUnsupported
}

func (c *Client) prepareInput(req *modelprovider.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if toolConfig := encodeTools(req.Tools); toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	cfg := brtypes.InferenceConfiguration{}
	hasCfg := false
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		v := int32(maxTokens)
		cfg.MaxTokens = &v
		hasCfg = true
	}
	if temp := c.effectiveTemperature(req.Temperature); temp > 0 {
		v := temp
		cfg.Temperature = &v
		hasCfg = true
	}
	if hasCfg {
		input.InferenceConfig = &cfg
	}
	return input, nil
}

func (c *Client) resolveModelID(req *modelprovider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case modelprovider.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case modelprovider.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float64) float32 {
	if requested > 0 {
		return float32(requested)
	}
	return c.temp
}

func encodeMessages(msgs []model.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		blocks, role, err := encodeBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeBlocks(m model.Message) ([]brtypes.ContentBlock, brtypes.ConversationRole, error) {
	if m.Role == model.RoleTool {
		if m.ToolCallID == "" {
			return nil, "", errors.New("bedrock: tool message missing tool_call_id")
		}
		block := brtypes.ToolResultBlock{
			ToolUseId: aws.String(m.ToolCallID),
			Content: []brtypes.ToolResultContentBlock{
				&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
			},
		}
		return []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: block}}, brtypes.ConversationRoleUser, nil
	}

	var blocks []brtypes.ContentBlock
	if m.Content != "" {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
	}
	for _, tc := range m.ToolCalls {
		if tc.Name == "" {
			return nil, "", errors.New("bedrock: tool_use missing name")
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
			ToolUseId: aws.String(tc.ID),
			Name:      aws.String(tc.Name),
			Input:     lazyDocument(tc.Arguments),
		}})
	}
	var role brtypes.ConversationRole
	switch m.Role {
	case model.RoleUser:
		role = brtypes.ConversationRoleUser
	case model.RoleAssistant:
		role = brtypes.ConversationRoleAssistant
	default:
		return nil, "", fmt.Errorf("bedrock: unsupported message role %q", m.Role)
	}
	return blocks, role, nil
}

func encodeTools(defs []modelprovider.ToolDefinition) *brtypes.ToolConfiguration {
	if len(defs) == 0 {
		return nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	raw, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*modelprovider.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: converse output is nil")
	}
	resp := &modelprovider.Response{Message: model.Message{Role: model.RoleAssistant}}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: converse output missing message")
	}
	var text string
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text += b.Value
		case *brtypes.ContentBlockMemberToolUse:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, model.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: decodeDocument(b.Value.Input),
			})
		}
	}
	resp.Message.Content = text
	if u := output.Usage; u != nil {
		resp.Usage = modelprovider.TokenUsage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
