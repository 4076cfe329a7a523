package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
)

// Entry is one dispatch recorded in the action history.
type Entry struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Success   bool                   `json:"success"`
	Epoch     int                    `json:"epoch"`
	CreatedAt time.Time              `json:"created_at"`
}

// History is the append-only log of dispatches driving the chaining policy.
type History struct {
	coll vectorstore.Collection
}

// NewHistory opens the action_history collection.
func NewHistory(ctx context.Context, backend vectorstore.Backend) (*History, error) {
	coll, err := backend.Collection(ctx, vectorstore.CollActionHistory)
	if err != nil {
		return nil, fmt.Errorf("open action history: %w", err)
	}
	return &History{coll: coll}, nil
}

// Record appends an entry.
func (h *History) Record(ctx context.Context, name string, args map[string]interface{}, success bool, epoch int) (*Entry, error) {
	e := &Entry{
		ID:        uuid.New().String(),
		Name:      name,
		Arguments: args,
		Success:   success,
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	err = h.coll.Add(ctx, vectorstore.Record{
		ID:       e.ID,
		Document: name,
		Metadata: map[string]any{
			"name":       name,
			"arguments":  string(raw),
			"success":    success,
			"epoch":      epoch,
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record action history: %w", err)
	}
	return e, nil
}

// Last returns the most recent entry, or nil when the history is empty.
func (h *History) Last(ctx context.Context) (*Entry, error) {
	recs, err := h.coll.Get(ctx, vectorstore.GetOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("read action history: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return entryFromRecord(recs[0]), nil
}

// Since returns entries recorded in the last n epochs before current,
// oldest first.
func (h *History) Since(ctx context.Context, current, n int) ([]*Entry, error) {
	recs, err := h.coll.Get(ctx, vectorstore.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("read action history: %w", err)
	}
	var out []*Entry
	for _, r := range recs {
		e := entryFromRecord(r)
		if e.Epoch > current-n {
			out = append(out, e)
		}
	}
	return out, nil
}

func entryFromRecord(r vectorstore.Record) *Entry {
	e := &Entry{ID: r.ID, Name: r.Document}
	if name, ok := r.Metadata["name"].(string); ok {
		e.Name = name
	}
	e.Success, _ = r.Metadata["success"].(bool)
	switch v := r.Metadata["epoch"].(type) {
	case int:
		e.Epoch = v
	case int64:
		e.Epoch = int(v)
	case float64:
		e.Epoch = int(v)
	}
	if raw, ok := r.Metadata["arguments"].(string); ok && raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &e.Arguments)
	}
	if ts, ok := r.Metadata["created_at"].(string); ok {
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return e
}
