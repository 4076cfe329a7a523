package embedding

import (
	"context"
	"fmt"
)

// maxBatch caps the inputs sent in one embeddings request.
const maxBatch = 64

// APIProvider calls an OpenAI-compatible /embeddings endpoint.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	dim      dimension
}

func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		dim:      dimension{configured: cfg.Dimension},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts in batches of maxBatch. Vectors come back in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	if err := p.dim.observe(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *APIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp apiResponse
	if err := postJSON(ctx, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: sent %d texts, got %d vectors", len(texts), len(resp.Data))
	}

	// Servers may answer out of order; index says where each vector goes.
	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		pos := d.Index
		if pos < 0 || pos >= len(out) || out[pos] != nil {
			pos = i
		}
		out[pos] = d.Embedding
	}
	return out, nil
}

// Dimension is the size of the vectors seen so far, or the configured size
// before the first call.
func (p *APIProvider) Dimension() int { return p.dim.get() }
