package provider

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// OpenAIProvider talks to OpenAI-compatible chat completion APIs.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		config: cfg,
		client: newHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

func (p *OpenAIProvider) header() http.Header {
	h := http.Header{}
	if p.config.APIKey != "" {
		h.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return h
}

// chatURL puts the model into the path when Extra["path_model"] is "true",
// as some hosted gateways expect.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

type openAIChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

type openAIChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Chat sends a non-streaming chat request. ChatRequest already has the
// OpenAI wire shape.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var out openAIChatResponse
	if err := doJSON(ctx, p.client, p.config.ID, http.MethodPost, p.chatURL(req.Model), p.header(), req, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("empty response from provider")
	}
	choice := out.Choices[0]
	p.logger.Debug("chat completion",
		zap.String("provider", p.config.ID),
		zap.String("model", out.Model),
		zap.Int("tokens", out.Usage.TotalTokens))
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        out.Usage,
	}, nil
}

// ListModels queries /models, or returns the configured models when the
// endpoint has none.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := doJSON(ctx, p.client, p.config.ID, http.MethodGet, p.config.Endpoint+"/models", p.header(), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound && len(p.config.Models) > 0 {
		return configuredModels(p.config), nil
	}
	if err != nil {
		return nil, err
	}
	models := make([]Model, len(out.Data))
	for i, m := range out.Data {
		models[i] = Model{ID: m.ID, Name: m.ID, Provider: p.config.ID}
	}
	return models, nil
}

// HealthCheck lists models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

func configuredModels(cfg ProviderConfig) []Model {
	models := make([]Model, len(cfg.Models))
	for i, id := range cfg.Models {
		models[i] = Model{ID: id, Name: id, Provider: cfg.ID}
	}
	return models
}
