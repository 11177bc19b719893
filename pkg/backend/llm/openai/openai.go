// Package openai implements an llm.Pipeline backed by the OpenAI chat
// completions API, streaming tokens and native tool calls.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxrelay/voxrelay/internal/convo"
	"github.com/voxrelay/voxrelay/internal/toolregistry"
	"github.com/voxrelay/voxrelay/pkg/backend/llm"
)

// Provider implements llm.Pipeline using the OpenAI chat completions API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for New.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, for OpenAI-compatible
// gateways (Azure OpenAI, local proxies, etc.).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider for the given model. apiKey must not be empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Initialize implements llm.Pipeline. The OpenAI client needs no warm-up;
// this reports completion immediately.
func (p *Provider) Initialize(_ context.Context, progressCb llm.ProgressFunc) error {
	if progressCb != nil {
		progressCb(1.0)
	}
	return nil
}

// IsReady implements llm.Pipeline.
func (p *Provider) IsReady() bool { return true }

// SupportsTools implements llm.Pipeline: the OpenAI chat API has native
// function calling.
func (p *Provider) SupportsTools() bool { return true }

// SupportsStreamingThroughTools implements the pipeline package's optional
// streamThroughToolsSupporter capability: OpenAI can stream tokens while
// tool definitions are registered, since tool-call deltas arrive as a
// distinct field on the same stream rather than interleaved with content.
func (p *Provider) SupportsStreamingThroughTools() bool { return true }

// Generate implements llm.Pipeline by streaming a chat completion and
// accumulating both text tokens and any tool call fragments.
func (p *Provider) Generate(ctx context.Context, messages []convo.Message, opts llm.Options) (llm.GenerateResult, error) {
	params, err := buildParams(p.model, messages, opts.Tools)
	if err != nil {
		return llm.GenerateResult{}, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	toolCallAccum := map[int]*convo.ToolCall{}
	rawArgs := map[int]*strings.Builder{}
	var order []int
	finishReason := "stop"

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if opts.OnToken != nil {
				opts.OnToken(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			existing, ok := toolCallAccum[idx]
			if !ok {
				existing = &convo.ToolCall{}
				toolCallAccum[idx] = existing
				rawArgs[idx] = &strings.Builder{}
				order = append(order, idx)
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			rawArgs[idx].WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
	if err := stream.Err(); err != nil {
		return llm.GenerateResult{}, fmt.Errorf("openai: stream: %w", err)
	}

	result := llm.GenerateResult{
		Content:      content.String(),
		FinishReason: finishReason,
	}
	for _, idx := range order {
		tc := toolCallAccum[idx]
		raw := rawArgs[idx].String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &tc.Arguments); err != nil {
				return llm.GenerateResult{}, fmt.Errorf("openai: decode tool call %q arguments: %w", tc.Name, err)
			}
		}
		if opts.OnToolCall != nil {
			opts.OnToolCall(*tc)
		}
		result.ToolCalls = append(result.ToolCalls, *tc)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	return result, nil
}

// buildParams converts conversation history and tool definitions into
// OpenAI SDK request params.
func buildParams(model string, messages []convo.Message, tools []toolregistry.ToolDefinition) (oai.ChatCompletionNewParams, error) {
	var oaiMessages []oai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		oaiMessages = append(oaiMessages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: oaiMessages,
	}

	for _, td := range tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

func convertMessage(m convo.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case convo.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case convo.RoleUser:
		return oai.UserMessage(m.Content), nil

	case convo.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: encode tool call arguments: %w", err)
			}
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case convo.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
