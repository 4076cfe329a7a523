// Package vectorstore provides named semantic collections: documents with
// metadata, retrievable by id, by metadata filter, or by nearest-neighbour
// distance to a text query.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Collection namespaces used by the loop.
const (
	CollEvents        = "events"
	CollKnowledge     = "knowledge"
	CollActions       = "actions"
	CollEpoch         = "epoch"
	CollActionHistory = "action_history"
)

// ErrNotFound is returned by Update when the record id does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one stored document.
type Record struct {
	ID       string         `json:"id"`
	Document string         `json:"document"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Distance is set on Query results: 1 - cosine similarity.
	Distance float64 `json:"distance,omitempty"`
}

// Similarity converts the query distance back to a similarity.
func (r Record) Similarity() float64 { return 1 - r.Distance }

// Where is an equality filter over metadata fields.
type Where map[string]any

// GetOptions selects records for Get. Results come back in insertion
// order; with Limit set only the newest Limit records are kept.
type GetOptions struct {
	IDs   []string
	Where Where
	Limit int
}

// Collection is a single namespace of records.
type Collection interface {
	Name() string
	Add(ctx context.Context, records ...Record) error
	Get(ctx context.Context, opts GetOptions) ([]Record, error)
	Query(ctx context.Context, text string, n int, where Where) ([]Record, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, ids ...string) error
	Count(ctx context.Context, where Where) (int, error)
}

// Backend hands out collections and can wipe all of them.
type Backend interface {
	Collection(ctx context.Context, name string) (Collection, error)
	Wipe(ctx context.Context) error
	Close() error
}

func matches(meta map[string]any, where Where) bool {
	for k, want := range where {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
