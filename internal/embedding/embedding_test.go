package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPIProviderEmbed(t *testing.T) {
	// Mock OpenAI-compatible embedding server.
	// APIProvider posts to endpoint+"/embeddings", so we use a mux.
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		resp := apiResponse{
			Data: []apiEmbeddingData{
				{Embedding: []float32{0.1, 0.2, 0.3}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{
		Endpoint: srv.URL,
		Model:    "test-model",
	})

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if len(vectors[0]) != 3 {
		t.Fatalf("got dimension %d, want 3", len(vectors[0]))
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 128,
	})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 256,
	})

	// Before any Embed call, Dimension should return the configured default.
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestHashProviderIdenticalTexts(t *testing.T) {
	p := NewHashProvider(128)
	vecs, err := p.Embed(context.Background(), []string{"The kettle is boiling", "the kettle is boiling"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sim := Cosine(vecs[0], vecs[1]); sim < 0.999 {
		t.Errorf("identical texts similarity = %f, want ~1", sim)
	}
}

func TestHashProviderDifferentTexts(t *testing.T) {
	p := NewHashProvider(256)
	vecs, _ := p.Embed(context.Background(), []string{
		"test",
		"Quarterly revenue projections for the northern warehouse district",
	})
	if sim := Cosine(vecs[0], vecs[1]); sim > 0.5 {
		t.Errorf("unrelated texts similarity = %f, want low", sim)
	}
	if len(vecs[0]) != 256 {
		t.Errorf("got dimension %d, want 256", len(vecs[0]))
	}
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(Config{Provider: "hash", Dimension: 64})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dimension() != 64 {
		t.Errorf("got dimension %d, want 64", p.Dimension())
	}
	if _, err := New(Config{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestAPIProviderBatchesAndOrders(t *testing.T) {
	var batches []int
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		json.NewDecoder(r.Body).Decode(&req)
		batches = append(batches, len(req.Input))
		// answer in reverse order
		var resp apiResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, apiEmbeddingData{Index: i, Embedding: []float32{float32(len(req.Input[i])), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	texts := make([]string, maxBatch+3)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	p := NewAPIProvider(Config{Endpoint: srv.URL})
	vecs, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 2 || batches[0] != maxBatch || batches[1] != 3 {
		t.Errorf("batches = %v", batches)
	}
	for i, v := range vecs {
		if int(v[0]) != i+1 {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
}

func TestLocalProviderEmbedsEachText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req localRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{float32(len(req.Prompt)), 0, 1}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Dimension: 768})
	if p.Dimension() != 768 {
		t.Errorf("dimension before first call = %d", p.Dimension())
	}
	vecs, err := p.Embed(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 3 || vecs[2][0] != 2 {
		t.Errorf("vectors out of order: %v", vecs)
	}
	if p.Dimension() != 3 {
		t.Errorf("dimension = %d, want 3", p.Dimension())
	}
}

func TestMixedVectorSizesRejected(t *testing.T) {
	var d dimension
	if err := d.observe([][]float32{{1, 2}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.observe([][]float32{{1, 2, 3}}); err == nil {
		t.Error("expected size change to be rejected")
	}
}
