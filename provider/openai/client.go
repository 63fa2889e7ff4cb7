// Package openai implements the Provider Client (component A) against the
// OpenAI Chat Completions API, using github.com/openai/openai-go (the
// official SDK, replacing the teacher's sashabaranov/go-openai dependency —
// this runtime's go.mod already carries openai-go for its streaming
// support, which the teacher's Chat-Completions-only adapter did not need).
// Grounded on features/model/openai/client.go for the overall shape
// (Options/New/NewFromAPIKey, tool schema encoding, response translation),
// rebuilt around openai-go's streaming chunk API since the spec requires a
// Stream method on every provider (the teacher's OpenAI adapter returned
// model.ErrStreamingUnsupported and left streaming to its other adapters).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"goa.design/agentrt/model"
)

// ChatClient is the subset of the openai-go client the adapter uses.
// Satisfied by client.Chat.Completions.
type ChatClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements model.Client on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client,
// reading OPENAI_API_KEY via sdk.DefaultClientOptions when apiKey is empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	oc := sdk.NewClient(opts...)
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Stream invokes Chat.Completions.NewStreaming and adapts incremental chunks
// into model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	s := c.chat.NewStreaming(ctx, *params)
	if err := s.Err(); err != nil {
		return nil, translateErr("stream", err)
	}
	return newStreamer(ctx, s), nil
}

// CountTokens is not implemented by the Chat Completions API; callers fall
// back to the local estimator (spec §4.A).
func (c *Client) CountTokens(context.Context, model.Request) (int, bool) {
	return 0, false
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: msgs,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(req model.Request) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			text, toolResults := splitUserParts(m.Parts)
			if text != "" {
				out = append(out, sdk.UserMessage(text))
			}
			out = append(out, toolResults...)
		case model.RoleAssistant:
			msg, err := encodeAssistantMessage(m.Parts)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func splitUserParts(parts []model.Part) (string, []sdk.ChatCompletionMessageParamUnion) {
	var text string
	var results []sdk.ChatCompletionMessageParamUnion
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			text += v.Text
		case model.ToolResultPart:
			results = append(results, sdk.ToolMessage(flattenToolResultText(v), v.ToolUseID))
		}
	}
	return text, results
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

func encodeAssistantMessage(parts []model.Part) (sdk.ChatCompletionMessageParamUnion, error) {
	msg := sdk.ChatCompletionAssistantMessageParam{}
	var text string
	var calls []sdk.ChatCompletionMessageToolCallUnionParam
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			text += v.Text
		case model.ToolUsePart:
			args, err := json.Marshal(v.Input)
			if err != nil {
				return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: marshal tool_use %q input: %w", v.Name, err)
			}
			calls = append(calls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: v.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      v.Name,
						Arguments: string(args),
					},
				},
			})
		}
	}
	if text != "" {
		msg.Content.OfString = sdk.String(text)
	}
	if len(calls) > 0 {
		msg.ToolCalls = calls
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &msg}, nil
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		out = append(out, sdk.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
			Parameters:  shared.FunctionParameters(def.InputSchema),
		}))
	}
	return out
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
			return sdk.ChatCompletionToolChoiceOptionUnionParam{}, errors.New("openai: tool choice mode 'tool' requires a name")
		}
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return model.NewProviderError("openai", op, classifyHTTPStatus(apiErr.StatusCode), apiErr.StatusCode, "", apiErr.Error(), err)
	}
	return model.NewProviderError("openai", op, model.KindUnknown, 0, "", err.Error(), err)
}

func classifyHTTPStatus(status int) model.ErrorKind {
	switch {
	case status == 429:
		return model.KindRateLimited
	case status == 401 || status == 403:
		return model.KindUnauthorized
	case status == 404:
		return model.KindNotFound
	case status == 400 || status == 422:
		return model.KindBadRequest
	case status >= 500:
		return model.KindServerError
	case status == 0:
		return model.KindConnection
	default:
		return model.KindUnknown
	}
}
