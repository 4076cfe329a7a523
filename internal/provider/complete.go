package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultAttempts is how often Complete tries the backend before giving up.
const DefaultAttempts = 3

// ErrBackendUnavailable is returned when every completion attempt failed.
var ErrBackendUnavailable = errors.New("language model backend unavailable")

// Function is the output contract for a function-call completion.
type Function struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Completion is a backend answer. Arguments is set when a Function was
// requested.
type Completion struct {
	Text         string                 `json:"text"`
	FunctionName string                 `json:"function_name,omitempty"`
	Arguments    map[string]interface{} `json:"arguments,omitempty"`
	Usage        Usage                  `json:"usage"`
}

// Completer turns a prompt, and optionally a function contract, into a
// completion.
type Completer interface {
	Complete(ctx context.Context, prompt string, fn *Function) (*Completion, error)
}

// Backend is a Completer over the provider router.
type Backend struct {
	router   *Router
	agentID  string
	model    string
	system   string
	attempts int
	logger   *zap.Logger
}

// NewBackend routes completions for agentID with the given model.
func NewBackend(router *Router, agentID, model string, logger *zap.Logger) *Backend {
	return &Backend{
		router:   router,
		agentID:  agentID,
		model:    model,
		attempts: DefaultAttempts,
		logger:   logger,
	}
}

// SetSystemPrompt sets a system message sent ahead of every prompt.
func (b *Backend) SetSystemPrompt(s string) { b.system = s }

// Complete tries up to three times without backoff. A response lacking the
// requested function call counts as a failed attempt.
func (b *Backend) Complete(ctx context.Context, prompt string, fn *Function) (*Completion, error) {
	req := &ChatRequest{Model: b.model}
	if b.system != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: b.system})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: prompt})
	if fn != nil {
		params := fn.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		req.Tools = []Tool{{
			Type: "function",
			Function: ToolFunction{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  params,
			},
		}}
		req.ToolChoice = "required"
	}

	var lastErr error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := b.router.Route(ctx, req)
		if err == nil {
			var c *Completion
			c, err = ParseCompletion(resp, fn)
			if err == nil {
				return c, nil
			}
		}
		lastErr = err
		b.logger.Warn("completion attempt failed",
			zap.String("agent", b.agentID),
			zap.Int("attempt", attempt),
			zap.Int("of", b.attempts),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrBackendUnavailable, b.attempts, lastErr)
}

// ParseCompletion extracts text and, when fn is set, the function arguments.
// A JSON object in the text is accepted when the model skipped the tool call.
func ParseCompletion(resp *ChatResponse, fn *Function) (*Completion, error) {
	c := &Completion{Text: resp.Content, Usage: resp.Usage}
	if fn == nil {
		return c, nil
	}

	for _, tc := range resp.ToolCalls {
		if tc.Function.Name != fn.Name && len(resp.ToolCalls) > 1 {
			continue
		}
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", fn.Name, err)
		}
		c.FunctionName = fn.Name
		c.Arguments = args
		return c, nil
	}

	if args, err := decodeArguments(extractJSON(resp.Content)); err == nil && len(args) > 0 {
		c.FunctionName = fn.Name
		c.Arguments = args
		return c, nil
	}
	return nil, fmt.Errorf("no %s call in response", fn.Name)
}

func decodeArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// extractJSON returns the outermost {...} span of s, fences included or not.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// NewFromConfig builds a provider of cfg.Type ("openai" or "anthropic").
func NewFromConfig(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "", "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
