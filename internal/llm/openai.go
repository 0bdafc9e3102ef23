package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIClient creates a client for cfg.BaseURL, or the public API when unset.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
		logger.Warn("No model configured, defaulting to %s", model)
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
	}
}

// Live implements Completer.
func (o *OpenAIClient) Live() bool { return true }

// Complete implements Completer.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (Message, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: o.temperature,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	logger.Debug("Requesting completion from %s with %d messages", o.model, len(req.Messages))
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Message{}, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, errors.New("openai returned no choices")
	}

	choice := resp.Choices[0].Message
	msg := Message{Role: RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.Type != "" && tc.Type != openai.ToolTypeFunction {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case RoleSystem:
			cm.Role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			cm.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case RoleTool:
			cm.Role = openai.ChatMessageRoleTool
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.Name
		default:
			cm.Role = openai.ChatMessageRoleUser
		}
		out = append(out, cm)
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: make(map[string]jsonschema.Definition, len(t.Params)),
		}
		for _, p := range t.Params {
			params.Properties[p.Name] = jsonschema.Definition{
				Type:        jsonSchemaType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				params.Required = append(params.Required, p.Name)
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func jsonSchemaType(t string) jsonschema.DataType {
	switch t {
	case "integer":
		return jsonschema.Integer
	case "number":
		return jsonschema.Number
	case "boolean":
		return jsonschema.Boolean
	default:
		return jsonschema.String
	}
}
