package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
	"go.uber.org/zap"
)

// Number of semantic matches considered for the available-actions listing.
const availableCandidates = 10

// RecommendedMarker prefixes actions suggested after the last one.
const RecommendedMarker = "(recommended)"

// Registry owns the action table and keeps the searchable index in step
// with it. The loop goroutine is its only writer during a run; the mutex
// covers reads from control surfaces.
type Registry struct {
	actions map[string]*Action
	index   vectorstore.Collection
	history *History
	store   *memory.Store
	creator string
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry opens the actions index and history on the store's backend.
func NewRegistry(ctx context.Context, store *memory.Store, creator string, logger *zap.Logger) (*Registry, error) {
	index, err := store.Backend().Collection(ctx, vectorstore.CollActions)
	if err != nil {
		return nil, fmt.Errorf("open actions index: %w", err)
	}
	history, err := NewHistory(ctx, store.Backend())
	if err != nil {
		return nil, err
	}
	return &Registry{
		actions: make(map[string]*Action),
		index:   index,
		history: history,
		store:   store,
		creator: creator,
		logger:  logger,
	}, nil
}

// History returns the dispatch log.
func (r *Registry) History() *History { return r.history }

// RegisterActions replaces every registered action with those from sources.
func (r *Registry) RegisterActions(ctx context.Context, sources ...Source) error {
	if err := r.UnregisterAll(ctx); err != nil {
		return err
	}
	for _, src := range sources {
		for _, a := range src.Actions() {
			if err := r.Add(ctx, a); err != nil {
				return err
			}
		}
	}
	r.logger.Info("actions registered", zap.Int("count", r.Len()))
	return nil
}

// UnregisterAll clears the table and the index.
func (r *Registry) UnregisterAll(ctx context.Context) error {
	recs, err := r.index.Get(ctx, vectorstore.GetOptions{})
	if err != nil {
		return fmt.Errorf("list action index: %w", err)
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	if err := r.index.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("clear action index: %w", err)
	}

	r.mu.Lock()
	r.actions = make(map[string]*Action)
	r.mu.Unlock()
	return nil
}

// Add inserts or replaces an action and its index summary.
func (r *Registry) Add(ctx context.Context, a *Action) error {
	if a.Name == "" {
		return fmt.Errorf("action has no name")
	}
	if a.Handler == nil {
		return fmt.Errorf("action %s has no handler", a.Name)
	}
	schema, err := json.Marshal(a.Function())
	if err != nil {
		return fmt.Errorf("encode %s schema: %w", a.Name, err)
	}
	err = r.index.Add(ctx, vectorstore.Record{
		ID:       a.Name,
		Document: a.Name + " - " + a.Description,
		Metadata: map[string]any{
			"name":     a.Name,
			"function": string(schema),
		},
	})
	if err != nil {
		return fmt.Errorf("index action %s: %w", a.Name, err)
	}

	r.mu.Lock()
	r.actions[a.Name] = a
	r.mu.Unlock()
	return nil
}

// Reindex writes every registered action back into the index, after the
// backend was wiped.
func (r *Registry) Reindex(ctx context.Context) error {
	for _, a := range r.List() {
		if err := r.Add(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes an action from the table and index and records an event.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if _, ok := r.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}
	// The table entry stays until the index record is gone.
	if err := r.index.Delete(ctx, name); err != nil {
		return fmt.Errorf("unindex action %s: %w", name, err)
	}
	r.mu.Lock()
	delete(r.actions, name)
	r.mu.Unlock()

	_, err := r.store.CreateEvent(ctx, "Removed action "+name, memory.EventAction, "removed", r.creator,
		map[string]any{"action": name})
	return err
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Len is the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// List returns every action sorted by name.
func (r *Registry) List() []*Action {
	r.mu.RLock()
	out := make([]*Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns the actions whose summaries are nearest to query.
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 5
	}
	recs, err := r.index.Query(ctx, query, limit, nil)
	if err != nil {
		return nil, fmt.Errorf("search actions: %w", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, 0, len(recs))
	for _, rec := range recs {
		if a, ok := r.actions[rec.ID]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Listing is one entry of the available-actions view.
type Listing struct {
	Action      *Action `json:"action"`
	Recommended bool    `json:"recommended"`
}

func (l Listing) String() string {
	line := l.Action.Name + " - " + strings.ReplaceAll(l.Action.Description, "\n", " ")
	if l.Recommended {
		line = RecommendedMarker + " " + line
	}
	return line
}

// Available ranks actions against summary and applies the chaining policy
// of the most recently executed action: its NeverAfter entries are dropped
// and its SuggestedAfter entries are marked recommended.
func (r *Registry) Available(ctx context.Context, summary string) ([]Listing, error) {
	candidates, err := r.Search(ctx, summary, availableCandidates)
	if err != nil {
		return nil, err
	}

	var last *Action
	entry, err := r.history.Last(ctx)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		last, _ = r.Get(entry.Name)
	}

	out := make([]Listing, 0, len(candidates))
	for _, a := range candidates {
		if last != nil && contains(last.NeverAfter, a.Name) {
			continue
		}
		out = append(out, Listing{
			Action:      a,
			Recommended: last != nil && contains(last.SuggestedAfter, a.Name),
		})
	}
	return out, nil
}

// FormatAvailable renders listings one per line, trimmed to the token
// ceiling from the least relevant end.
func (r *Registry) FormatAvailable(listings []Listing) (string, error) {
	lines := make([]string, len(listings))
	for i, l := range listings {
		lines[len(listings)-1-i] = l.String()
	}
	out, err := r.store.Fit(lines)
	if err != nil {
		return "", fmt.Errorf("format actions: %w", err)
	}
	return reverseLines(out), nil
}

func reverseLines(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// Use dispatches name with args. Unknown names produce a failed result and
// a failed history entry. Known actions are recorded as successful before
// their handler runs. Handler errors are returned as errors, not results.
func (r *Registry) Use(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	epoch, err := r.store.GetEpoch(ctx)
	if err != nil {
		return nil, err
	}
	a, ok := r.Get(name)
	if !ok {
		if _, err := r.history.Record(ctx, name, args, false, epoch); err != nil {
			return nil, err
		}
		return &Result{Success: false, Response: "Action not found"}, nil
	}
	if _, err := r.history.Record(ctx, name, args, true, epoch); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := a.Handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", name, err)
	}
	return &Result{Success: true, Result: res}, nil
}
