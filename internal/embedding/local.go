package embedding

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// localConcurrency bounds parallel requests to a local model server, which
// embeds one prompt per call.
const localConcurrency = 4

// LocalProvider calls an Ollama-compatible /api/embeddings endpoint.
type LocalProvider struct {
	endpoint string
	model    string
	dim      dimension
}

func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		dim:      dimension{configured: cfg.Dimension},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed embeds each text with its own request, a few at a time.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(localConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			var resp localResponse
			if err := postJSON(ctx, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &resp); err != nil {
				return err
			}
			out[i] = resp.Embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := p.dim.observe(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *LocalProvider) Dimension() int { return p.dim.get() }
