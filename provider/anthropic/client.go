// Package anthropic implements the Provider Client (component A) against the
// Anthropic Claude Messages API, using github.com/anthropics/anthropic-sdk-go.
// Grounded on features/model/anthropic/client.go, narrowed to this runtime's
// model.Client surface (Stream + CountTokens; no non-streaming Complete) and
// simplified tool-name handling (this runtime's tool names are already
// provider-safe ASCII identifiers, so no sanitize/collision bookkeeping is
// required).
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentrt/model"
)

// MessagesClient is the subset of the Anthropic SDK client the adapter uses.
// Satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	CountTokens(ctx context.Context, body sdk.MessageCountTokensParams, opts ...option.RequestOption) (*sdk.MessageTokensCount, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	// DefaultModel is used when a Request leaves Model empty.
	DefaultModel string
	// MaxTokens is the completion cap used when a Request leaves MaxTokens
	// zero.
	MaxTokens int
	// Temperature is used when a Request leaves Temperature unset (<=0).
	Temperature float64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY via sdk.DefaultClientOptions when apiKey is empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, *params)
	if err := s.Err(); err != nil {
		return nil, translateErr("stream", err)
	}
	return newStreamer(ctx, s), nil
}

// CountTokens calls the Anthropic token-counting endpoint. Returns (0, false)
// on any error so callers fall back to the local estimator (spec §4.A) rather
// than treating a count-tokens failure as fatal.
func (c *Client) CountTokens(ctx context.Context, req model.Request) (int, bool) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return 0, false
	}
	out, err := c.msg.CountTokens(ctx, sdk.MessageCountTokensParams{
		Model:    params.Model,
		Messages: params.Messages,
		System:   params.System,
		Tools:    countTokensTools(params.Tools),
	})
	if err != nil || out == nil {
		return 0, false
	}
	return int(out.InputTokens), true
}

func countTokensTools(tools []sdk.ToolUnionParam) []sdk.MessageCountTokensToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.MessageCountTokensToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.OfTool == nil {
			continue
		}
		out = append(out, sdk.MessageCountTokensToolUnionParam{OfTool: t.OfTool})
	}
	return out
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.ThinkingTokens > 0 {
		if req.ThinkingTokens >= maxTokens {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", req.ThinkingTokens, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.ThinkingTokens))
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

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ThinkingPart:
				if v.Text != "" && v.Signature != "" {
					blocks = append(blocks, sdk.NewThinkingBlock(v.Signature, v.Text))
				}
			case model.ToolUsePart:
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case model.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			// ImagePart, DocumentPart, ServerToolUsePart and
			// ServerToolResultPart are not encoded and are left out of the
			// request: image and document content, inline or by reference,
			// never reaches the provider, and server-tool blocks are
			// provider-issued history the agent never replays verbatim.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch len(v.Content) {
	case 0:
		content = ""
	default:
		for _, p := range v.Content {
			if t, ok := p.(model.TextPart); ok {
				content += t.Text
			}
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		schema := sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
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
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: tool choice mode 'tool' requires a name")
		}
		return sdk.ToolChoiceParamOfTool(choice.Name), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := classifyHTTPStatus(apiErr.StatusCode)
		return model.NewProviderError("anthropic", op, kind, apiErr.StatusCode, "", apiErr.Error(), err)
	}
	return model.NewProviderError("anthropic", op, model.KindUnknown, 0, "", err.Error(), err)
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
