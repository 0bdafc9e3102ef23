// Package llm abstracts the completion endpoint used by the investigation.
// A Completer takes a transcript plus the tools the model may invoke and returns
// one assistant message, which carries either free text or tool calls.
//
// Two live backends are provided (any OpenAI-compatible chat API and Gemini) and a
// deterministic Placeholder used when no credentials are configured.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/metrics"
)

// ErrEndpointUnavailable means no live completion endpoint could be reached or configured.
var ErrEndpointUnavailable = errors.New("completion endpoint unavailable")

// Role is the author of a transcript turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model. Arguments is the raw
// JSON text as produced by the model and may be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one transcript turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name on RoleTool messages.
	Name string `json:"name,omitempty"`
}

// HasToolCalls reports whether the message asks for tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Param describes one tool argument.
type Param struct {
	Name        string
	Type        string // string, integer, number, boolean
	Description string
	Required    bool
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

// Request is one completion round-trip.
type Request struct {
	Messages []Message
	Tools    []Tool
}

// Completer submits a transcript and returns the assistant's next message.
type Completer interface {
	Complete(ctx context.Context, req Request) (Message, error)
	// Live reports whether the completer talks to a real endpoint.
	Live() bool
}

// Config selects and configures a completer.
type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
	Temperature    float32
}

// New builds the completer named by cfg.Provider. Without an API key every
// provider degrades to the Placeholder.
func New(ctx context.Context, cfg Config) (Completer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "placeholder" || provider == "" {
		return NewPlaceholder(), nil
	}
	if cfg.APIKey == "" {
		logger.Warn("No API key configured for %s, using placeholder completer", provider)
		return NewPlaceholder(), nil
	}

	var inner Completer
	var err error
	switch provider {
	case "openai":
		inner = NewOpenAIClient(cfg)
	case "gemini":
		inner, err = NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return withRetry(inner, provider, cfg.MaxRetries, cfg.RetryDelayBase), nil
}

// retrying wraps a live completer with linear backoff and metrics.
type retrying struct {
	inner          Completer
	provider       string
	maxRetries     int
	retryDelayBase time.Duration
}

func withRetry(inner Completer, provider string, maxRetries int, retryDelayBase time.Duration) Completer {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &retrying{inner: inner, provider: provider, maxRetries: maxRetries, retryDelayBase: retryDelayBase}
}

func (r *retrying) Live() bool { return r.inner.Live() }

func (r *retrying) Complete(ctx context.Context, req Request) (Message, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelayBase * time.Duration(attempt)
			logger.Debug("Retrying %s completion in %v (attempt %d/%d)", r.provider, delay, attempt+1, r.maxRetries)
			select {
			case <-ctx.Done():
				return Message{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		msg, err := r.inner.Complete(ctx, req)
		metrics.CompletionDuration.WithLabelValues(r.provider).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.CompletionCalls.WithLabelValues(r.provider, "ok").Inc()
			return msg, nil
		}
		metrics.CompletionCalls.WithLabelValues(r.provider, "error").Inc()
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		lastErr = err
		logger.Warn("%s completion failed: %v", r.provider, err)
	}
	return Message{}, fmt.Errorf("%w: %s failed after %d attempts: %w", ErrEndpointUnavailable, r.provider, r.maxRetries, lastErr)
}
