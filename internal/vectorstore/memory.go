package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-loop/internal/embedding"
)

// Memory is an in-process Backend. Vectors come from the configured
// embedding provider and are compared by cosine similarity.
type Memory struct {
	embedder    embedding.Provider
	collections map[string]*memoryCollection
	mu          sync.Mutex
}

// NewMemory creates an empty in-process backend.
func NewMemory(embedder embedding.Provider) *Memory {
	return &Memory{
		embedder:    embedder,
		collections: make(map[string]*memoryCollection),
	}
}

// Collection returns the named collection, creating it on first use.
func (m *Memory) Collection(_ context.Context, name string) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		c = &memoryCollection{name: name, embedder: m.embedder, rows: make(map[string]*memoryRow)}
		m.collections[name] = c
	}
	return c, nil
}

// Wipe empties every collection handed out so far.
func (m *Memory) Wipe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collections {
		c.mu.Lock()
		c.rows = make(map[string]*memoryRow)
		c.seq = 0
		c.mu.Unlock()
	}
	return nil
}

func (m *Memory) Close() error { return nil }

type memoryRow struct {
	rec Record
	vec []float32
	seq int64
}

type memoryCollection struct {
	name     string
	embedder embedding.Provider
	rows     map[string]*memoryRow
	seq      int64
	mu       sync.RWMutex
}

func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) Add(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]string, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("add to %s: record %d has no id", c.name, i)
		}
		docs[i] = r.Document
	}
	vecs, err := c.embedder.Embed(ctx, docs)
	if err != nil {
		return fmt.Errorf("embed %s: %w", c.name, err)
	}
	if len(vecs) != len(records) {
		return fmt.Errorf("embed %s: got %d vectors for %d documents", c.name, len(vecs), len(records))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range records {
		r.Metadata = copyMeta(r.Metadata)
		r.Distance = 0
		if existing, ok := c.rows[r.ID]; ok {
			existing.rec = r
			existing.vec = vecs[i]
			continue
		}
		c.seq++
		c.rows[r.ID] = &memoryRow{rec: r, vec: vecs[i], seq: c.seq}
	}
	return nil
}

func (c *memoryCollection) Get(_ context.Context, opts GetOptions) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var selected []*memoryRow
	if len(opts.IDs) > 0 {
		for _, id := range opts.IDs {
			if row, ok := c.rows[id]; ok && matches(row.rec.Metadata, opts.Where) {
				selected = append(selected, row)
			}
		}
	} else {
		for _, row := range c.rows {
			if matches(row.rec.Metadata, opts.Where) {
				selected = append(selected, row)
			}
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].seq < selected[j].seq })
	if opts.Limit > 0 && len(selected) > opts.Limit {
		selected = selected[len(selected)-opts.Limit:]
	}

	out := make([]Record, len(selected))
	for i, row := range selected {
		out[i] = row.rec
		out[i].Metadata = copyMeta(row.rec.Metadata)
	}
	return out, nil
}

func (c *memoryCollection) Query(ctx context.Context, text string, n int, where Where) ([]Record, error) {
	if n <= 0 {
		n = 10
	}
	vecs, err := c.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	qvec := vecs[0]

	c.mu.RLock()
	type candidate struct {
		row  *memoryRow
		dist float64
	}
	var candidates []candidate
	for _, row := range c.rows {
		if !matches(row.rec.Metadata, where) {
			continue
		}
		candidates = append(candidates, candidate{row: row, dist: 1 - embedding.Cosine(qvec, row.vec)})
	}
	c.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].dist == candidates[j].dist {
			return candidates[i].row.seq < candidates[j].row.seq
		}
		return candidates[i].dist < candidates[j].dist
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]Record, len(candidates))
	for i, cand := range candidates {
		out[i] = cand.row.rec
		out[i].Metadata = copyMeta(cand.row.rec.Metadata)
		out[i].Distance = cand.dist
	}
	return out, nil
}

func (c *memoryCollection) Update(ctx context.Context, rec Record) error {
	c.mu.RLock()
	existing, ok := c.rows[rec.ID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("update %s/%s: %w", c.name, rec.ID, ErrNotFound)
	}
	if rec.Document == "" {
		rec.Document = existing.rec.Document
	}
	merged := copyMeta(existing.rec.Metadata)
	for k, v := range rec.Metadata {
		merged[k] = v
	}
	rec.Metadata = merged
	return c.Add(ctx, rec)
}

func (c *memoryCollection) Delete(_ context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.rows, id)
	}
	return nil
}

func (c *memoryCollection) Count(_ context.Context, where Where) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(where) == 0 {
		return len(c.rows), nil
	}
	n := 0
	for _, row := range c.rows {
		if matches(row.rec.Metadata, where) {
			n++
		}
	}
	return n, nil
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
