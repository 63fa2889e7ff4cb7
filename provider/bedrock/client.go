// Package bedrock implements the Provider Client (component A) against the
// AWS Bedrock Converse API. Grounded on features/model/bedrock/client.go,
// dropped: the Temporal-backed ledgerSource rehydration hook (this runtime
// has no workflow-engine transcript store to rehydrate from; history is
// always supplied in full via model.Request.Messages), the Nova
// cache-checkpoint special case and cache-after-system/tools options (this
// runtime's model.Request has no Cache field — caching policy is a
// provider-client concern orthogonal to the spec), and ModelClass-based
// model selection (model.Request has no ModelClass; only Model/DefaultModel
// apply).
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

	"goa.design/agentrt/model"
)

// RuntimeClient is the subset of the AWS Bedrock runtime client the adapter
// uses. Satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed model client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// Stream invokes ConverseStream and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens); cfg != nil {
		input.InferenceConfig = cfg
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, translateErr("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream), nil
}

// CountTokens is not implemented by the Bedrock Converse API; callers fall
// back to the local estimator (spec §4.A).
func (c *Client) CountTokens(context.Context, model.Request) (int, bool) {
	return 0, false
}

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
}

func (c *Client) prepareRequest(req model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	messages, _, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	var system []brtypes.SystemContentBlock
	if req.System != "" {
		system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	return &requestParts{modelID: modelID, messages: messages, system: system, toolConfig: toolConfig}, nil
}

func (c *Client) inferenceConfig(maxTokens int) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ThinkingPart:
				if v.Signature != "" && v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberReasoningText{
							Value: brtypes.ReasoningTextBlock{Text: aws.String(v.Text), Signature: aws.String(v.Signature)},
						},
					})
				}
			case model.ToolUsePart:
				tb := brtypes.ToolUseBlock{Name: aws.String(v.Name), Input: toDocument(v.Input)}
				if v.ID != "" {
					tb.ToolUseId = aws.String(v.ID)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				tr := brtypes.ToolResultBlock{ToolUseId: aws.String(v.ToolUseID)}
				tr.Content = []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: flattenToolResultText(v)},
				}
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, nil, nil
}

func flattenToolResultText(v model.ToolResultPart) string {
	var out string
	for _, p := range v.Content {
		if t, ok := p.(model.TextPart); ok {
			out += t.Text
		}
	}
	return out
}

func encodeTools(defs []model.ToolDefinition, choice *model.ToolChoice) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		if choice == nil {
			return nil, nil
		}
		return nil, errors.New("bedrock: tool choice is set but no tools are defined")
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Description == "" {
			return nil, fmt.Errorf("bedrock: tool %q is missing description", def.Name)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if choice == nil {
		return cfg, nil
	}
	switch choice.Mode {
	case "", model.ToolChoiceAuto, model.ToolChoiceNone:
	case model.ToolChoiceAny:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case model.ToolChoiceTool:
		if choice.Name == "" {
			return nil, errors.New("bedrock: tool choice mode 'tool' requires a name")
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Name)}}
	default:
		return nil, fmt.Errorf("bedrock: unsupported tool choice mode %q", choice.Mode)
	}
	return cfg, nil
}

func toDocument(v any) document.Interface {
	if v == nil {
		m := map[string]any{"type": "object"}
		return document.NewLazyDocument(&m)
	}
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := model.KindUnknown
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			kind = model.KindRateLimited
		case "ValidationException":
			kind = model.KindBadRequest
		case "AccessDeniedException", "UnauthorizedException":
			kind = model.KindUnauthorized
		case "ResourceNotFoundException":
			kind = model.KindNotFound
		case "InternalServerException", "ServiceUnavailableException":
			kind = model.KindServerError
		}
		return model.NewProviderError("bedrock", op, kind, 0, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		kind := model.KindUnknown
		switch {
		case status == 429:
			kind = model.KindRateLimited
		case status >= 500:
			kind = model.KindServerError
		case status == 401 || status == 403:
			kind = model.KindUnauthorized
		case status == 404:
			kind = model.KindNotFound
		case status == 400:
			kind = model.KindBadRequest
		}
		return model.NewProviderError("bedrock", op, kind, status, "", err.Error(), err)
	}
	return model.NewProviderError("bedrock", op, model.KindConnection, 0, "", err.Error(), err)
}
