package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// postJSON sends in to url and decodes a 200 answer into out.
func postJSON(ctx context.Context, url, apiKey string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("embedding: %s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// dimension remembers the vector size a remote model answers with, so
// collections can be created before the first call and checked after it.
type dimension struct {
	configured int
	seen       atomic.Int64
}

func (d *dimension) get() int {
	if n := d.seen.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

// observe records the size of vecs and rejects vectors of mixed size.
func (d *dimension) observe(vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding: empty vector")
		}
		n := int64(len(v))
		if d.seen.CompareAndSwap(0, n) {
			continue
		}
		if got := d.seen.Load(); got != n {
			return fmt.Errorf("embedding: vector size changed from %d to %d", got, n)
		}
	}
	return nil
}
