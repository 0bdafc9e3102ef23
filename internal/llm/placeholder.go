package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/metrics"
)

// PlaceholderCause prefixes every cause produced by the Placeholder.
const PlaceholderCause = "placeholder analysis, no completion endpoint configured"

// Placeholder is a deterministic completer for running the pipeline without credentials.
// When tools are offered it first calls one of them, then answers with a JSON cause
// that quotes the tool output it received.
type Placeholder struct {
	// PreferredTool is called first when offered. Defaults to grouped_total.
	PreferredTool string
	// PreferredArgs are the arguments sent with the preferred tool.
	PreferredArgs string
}

// NewPlaceholder creates a Placeholder that queries grouped totals by channel.
func NewPlaceholder() *Placeholder {
	return &Placeholder{PreferredTool: "grouped_total", PreferredArgs: `{"dimension":"channel"}`}
}

// Live implements Completer.
func (p *Placeholder) Live() bool { return false }

// Complete implements Completer.
func (p *Placeholder) Complete(ctx context.Context, req Request) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	metrics.CompletionCalls.WithLabelValues("placeholder", "ok").Inc()

	var lastTool *Message
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleTool {
			lastTool = &req.Messages[i]
			break
		}
		if req.Messages[i].Role == RoleUser {
			break
		}
	}

	if lastTool == nil && len(req.Tools) > 0 {
		name, args := req.Tools[0].Name, "{}"
		for _, t := range req.Tools {
			if t.Name == p.PreferredTool {
				name, args = t.Name, p.PreferredArgs
				break
			}
		}
		return Message{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "placeholder_1", Name: name, Arguments: args}},
		}, nil
	}

	cause := PlaceholderCause
	if lastTool != nil {
		cause = fmt.Sprintf("%s; facts consulted: %s", PlaceholderCause, truncate(lastTool.Content, 240))
	}
	body, _ := json.Marshal(map[string]string{"cause": cause})
	return Message{Role: RoleAssistant, Content: "```json\n" + string(body) + "\n```"}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
