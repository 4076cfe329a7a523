package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var decideFn = &Function{
	Name:        "decide",
	Description: "Pick the next action",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action_name": map[string]interface{}{"type": "string"},
		},
		"required": []string{"action_name"},
	},
}

func newTestBackend(t *testing.T, p Provider) *Backend {
	t.Helper()
	r := NewRouter(zap.NewNop())
	r.Register(p)
	return NewBackend(r, "nuka", "test-model", zap.NewNop())
}

func TestOpenAIToolCallCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ToolChoice != "required" || len(req.Tools) != 1 {
			t.Errorf("expected one required tool, got %q %d", req.ToolChoice, len(req.Tools))
		}
		json.NewEncoder(w).Encode(openAIChatResponse{
			ID: "1",
			Choices: []openAIChoice{{
				Message: Message{
					Role: "assistant",
					ToolCalls: []ToolCall{{
						ID:       "call_1",
						Type:     "function",
						Function: ToolCallFunction{Name: "decide", Arguments: `{"action_name":"think"}`},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestBackend(t, NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop()))
	c, err := b.Complete(context.Background(), "what next?", decideFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.FunctionName != "decide" {
		t.Errorf("function = %q", c.FunctionName)
	}
	if c.Arguments["action_name"] != "think" {
		t.Errorf("arguments = %v", c.Arguments)
	}
}

func TestAnthropicToolUseCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ToolChoice == nil || req.ToolChoice.Type != "tool" || req.ToolChoice.Name != "decide" {
			t.Errorf("unexpected tool choice %+v", req.ToolChoice)
		}
		if len(req.Tools) != 1 || req.Tools[0].InputSchema == nil {
			t.Errorf("tools not converted: %+v", req.Tools)
		}
		w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "picking"},
				{"type": "tool_use", "id": "tu_1", "name": "decide", "input": {"action_name": "wait"}}
			],
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestBackend(t, NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: srv.URL}, zap.NewNop()))
	c, err := b.Complete(context.Background(), "what next?", decideFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Arguments["action_name"] != "wait" {
		t.Errorf("arguments = %v", c.Arguments)
	}
	if c.Text != "picking" {
		t.Errorf("text = %q", c.Text)
	}
	if c.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", c.Usage)
	}
}

func TestCompleteGivesUpAfterThreeAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := newTestBackend(t, NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop()))
	_, err := b.Complete(context.Background(), "hello", nil)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("got %v, want ErrBackendUnavailable", err)
	}
	if n := atomic.LoadInt32(&hits); n != DefaultAttempts {
		t.Errorf("backend hit %d times, want %d", n, DefaultAttempts)
	}
}

func TestParseCompletionJSONFallback(t *testing.T) {
	resp := &ChatResponse{Content: "Sure:\n```json\n{\"action_name\": \"think\"}\n```"}
	c, err := ParseCompletion(resp, decideFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Arguments["action_name"] != "think" {
		t.Errorf("arguments = %v", c.Arguments)
	}

	_, err = ParseCompletion(&ChatResponse{Content: "no idea"}, decideFn)
	if err == nil {
		t.Error("expected error without a function call")
	}

	plain, err := ParseCompletion(&ChatResponse{Content: "just text"}, nil)
	if err != nil || plain.Text != "just text" {
		t.Errorf("plain completion = %+v, %v", plain, err)
	}
}

func TestNewFromConfig(t *testing.T) {
	p, err := NewFromConfig(ProviderConfig{ID: "a", Type: "anthropic"}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*AnthropicProvider); !ok {
		t.Errorf("got %T", p)
	}
	if _, err := NewFromConfig(ProviderConfig{Type: "bogus"}, zap.NewNop()); err == nil {
		t.Error("expected error for unknown type")
	}
}

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: "from " + s.id}, nil
}
func (s *stubProvider) ListModels(context.Context) ([]Model, error) { return nil, nil }
func (s *stubProvider) HealthCheck(context.Context) error           { return s.err }

func TestRouterFallsBackAndCoolsDown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRouter(zap.NewNop())
	r.now = func() time.Time { return now }

	primary := &stubProvider{id: "primary", err: &APIError{StatusCode: http.StatusServiceUnavailable}}
	secondary := &stubProvider{id: "secondary"}
	r.Register(primary)
	r.Register(secondary)

	resp, err := r.Route(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q", resp.Content)
	}

	// primary is cooling, so secondary goes first
	if _, err := r.Route(context.Background(), &ChatRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 2 {
		t.Errorf("calls primary=%d secondary=%d", primary.calls, secondary.calls)
	}
	stats := r.Stats()
	if stats[0].Failures != 1 || stats[0].CoolingUntil.IsZero() {
		t.Errorf("primary stats = %+v", stats[0])
	}

	now = now.Add(DefaultCooldown + time.Second)
	primary.err = nil
	resp, _ = r.Route(context.Background(), &ChatRequest{})
	if resp.Content != "from primary" {
		t.Errorf("primary should be back first, got %q", resp.Content)
	}
}

func TestRouterPermanentErrorDoesNotCool(t *testing.T) {
	r := NewRouter(zap.NewNop())
	p := &stubProvider{id: "p", err: &APIError{StatusCode: http.StatusBadRequest}}
	r.Register(p)

	_, err := r.Route(context.Background(), &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %v", err)
	}
	if !r.Stats()[0].CoolingUntil.IsZero() {
		t.Error("a 400 should not start a cooldown")
	}

	if _, err := NewRouter(zap.NewNop()).Route(context.Background(), &ChatRequest{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("empty router: %v", err)
	}
}

func TestRetryAfterExtendsCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	now := time.Now()
	r := NewRouter(zap.NewNop())
	r.now = func() time.Time { return now }
	r.Register(NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop()))

	_, err := r.Route(context.Background(), &ChatRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Temporary() || apiErr.RetryAfter != 2*time.Minute {
		t.Fatalf("got %#v", err)
	}
	if got := r.Stats()[0].CoolingUntil; !got.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("cooling until %v", got)
	}
}
