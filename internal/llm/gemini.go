package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient talks to the Gemini API through google.golang.org/genai.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiClient creates a Gemini completer.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{client: client, model: model, temperature: cfg.Temperature}, nil
}

// Live implements Completer.
func (g *GeminiClient) Live() bool { return true }

// Complete implements Completer.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (Message, error) {
	system, contents := toGeminiContents(req.Messages)

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiFunctions(req.Tools)}}
	}

	logger.Debug("Requesting completion from %s with %d contents", g.model, len(contents))
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, genCfg)
	if err != nil {
		return Message{}, fmt.Errorf("gemini generate content failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return Message{}, errors.New("gemini returned no candidates")
	}

	msg := Message{Role: RoleAssistant}
	for i, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			args = []byte("{}")
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
	}
	if len(msg.ToolCalls) == 0 {
		msg.Content = resp.Text()
	}
	return msg, nil
}

// toGeminiContents folds system turns into one system instruction and maps the
// rest onto user/model contents. Tool results become function responses.
func toGeminiContents(messages []Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"output": m.Content}
			}
			part := genai.NewPartFromFunctionResponse(m.Name, response)
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func toGeminiFunctions(tools []Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(t.Params)),
		}
		for _, p := range t.Params {
			schema.Properties[p.Name] = &genai.Schema{
				Type:        geminiType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return out
}

func geminiType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}
