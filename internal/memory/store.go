// Package memory keeps the loop's epoch-tagged event log, its deduplicated
// knowledge base and the epoch counter, all on top of a semantic
// vectorstore backend.
package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-loop/internal/tokens"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultSimilarityThreshold marks a knowledge item as a near-duplicate.
const DefaultSimilarityThreshold = 0.92

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	SimilarityThreshold float64
	TokenCeiling        int
	Counter             tokens.Counter
	// LogFile receives one formatted line per event. Empty disables it.
	LogFile string
}

// Store owns the events, knowledge and epoch collections.
type Store struct {
	backend   vectorstore.Backend
	events    vectorstore.Collection
	knowledge vectorstore.Collection
	epochs    vectorstore.Collection

	threshold float64
	ceiling   int
	counter   tokens.Counter
	logFile   string

	graph *Graph
	sinks []EventSink

	epochMu sync.Mutex
	logMu   sync.Mutex
	sinkMu  sync.RWMutex
	logger  *zap.Logger
}

// NewStore opens the store's collections on backend.
func NewStore(ctx context.Context, backend vectorstore.Backend, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.TokenCeiling <= 0 {
		opts.TokenCeiling = tokens.DefaultCeiling
	}
	if opts.Counter == nil {
		opts.Counter = tokens.Heuristic{}
	}

	s := &Store{
		backend:   backend,
		threshold: opts.SimilarityThreshold,
		ceiling:   opts.TokenCeiling,
		counter:   opts.Counter,
		logFile:   opts.LogFile,
		logger:    logger,
	}
	var err error
	if s.events, err = backend.Collection(ctx, vectorstore.CollEvents); err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	if s.knowledge, err = backend.Collection(ctx, vectorstore.CollKnowledge); err != nil {
		return nil, fmt.Errorf("open knowledge: %w", err)
	}
	if s.epochs, err = backend.Collection(ctx, vectorstore.CollEpoch); err != nil {
		return nil, fmt.Errorf("open epoch: %w", err)
	}
	return s, nil
}

// Backend returns the vectorstore backend the store was opened on.
func (s *Store) Backend() vectorstore.Backend { return s.backend }

// SetGraph mirrors knowledge into a Neo4j relation graph.
func (s *Store) SetGraph(g *Graph) { s.graph = g }

// AddSink registers a receiver for newly created events.
func (s *Store) AddSink(sink EventSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Threshold is the configured knowledge similarity threshold.
func (s *Store) Threshold() float64 { return s.threshold }

// --- Epoch ---

// GetEpoch returns the number of epoch markers recorded.
func (s *Store) GetEpoch(ctx context.Context) (int, error) {
	n, err := s.epochs.Count(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("count epochs: %w", err)
	}
	return n, nil
}

// IncrementEpoch records one more epoch marker and returns the new epoch.
func (s *Store) IncrementEpoch(ctx context.Context) (int, error) {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()

	n, err := s.GetEpoch(ctx)
	if err != nil {
		return 0, err
	}
	next := strconv.Itoa(n + 1)
	err = s.epochs.Add(ctx, vectorstore.Record{
		ID:       next,
		Document: next,
		Metadata: map[string]any{
			"epoch":      n + 1,
			"created_at": time.Now().Format(time.RFC1123),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("add epoch marker: %w", err)
	}
	return n + 1, nil
}

// --- Events ---

// CreateEvent stamps the current epoch, persists the event, logs it and
// hands it to every sink. Nil metadata values are dropped.
func (s *Store) CreateEvent(ctx context.Context, content, eventType, subtype, creator string, metadata map[string]any) (*Event, error) {
	epoch, err := s.GetEpoch(ctx)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		ID:        uuid.New().String(),
		Content:   content,
		Type:      eventType,
		Subtype:   subtype,
		Creator:   creator,
		Epoch:     epoch,
		Metadata:  make(map[string]any, len(metadata)),
		CreatedAt: time.Now().UTC(),
	}
	for k, v := range metadata {
		if v == nil || reservedEventKeys[k] {
			continue
		}
		ev.Metadata[k] = v
	}

	if err := s.events.Add(ctx, vectorstore.Record{
		ID:       ev.ID,
		Document: ev.Content,
		Metadata: eventMetadata(ev),
	}); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	s.logger.Info("event",
		zap.String("type", ev.Type),
		zap.String("subtype", ev.Subtype),
		zap.String("creator", ev.Creator),
		zap.Int("epoch", ev.Epoch),
		zap.String("content", ev.Content))
	s.appendLog(ev)

	s.sinkMu.RLock()
	sinks := s.sinks
	s.sinkMu.RUnlock()
	for _, sink := range sinks {
		if err := sink.HandleEvent(ctx, ev); err != nil {
			s.logger.Warn("event sink failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	return ev, nil
}

func (s *Store) appendLog(ev *Event) {
	if s.logFile == "" {
		return
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	f, err := os.OpenFile(s.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("open event log", zap.String("path", s.logFile), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(eventLine(ev) + "\n"); err != nil {
		s.logger.Warn("write event log", zap.String("path", s.logFile), zap.Error(err))
	}
}

// GetEvents returns events in insertion order.
func (s *Store) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	opts := vectorstore.GetOptions{Limit: filter.Limit}
	if filter.Type != "" {
		opts.Where = vectorstore.Where{"type": filter.Type}
	}
	recs, err := s.events.Get(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	out := make([]*Event, len(recs))
	for i, r := range recs {
		out[i] = eventFromRecord(r)
	}
	return out, nil
}

// SearchEvents returns the events nearest to text, closest first.
func (s *Store) SearchEvents(ctx context.Context, text string, limit int) ([]*Event, error) {
	recs, err := s.events.Query(ctx, text, limit, nil)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	out := make([]*Event, len(recs))
	for i, r := range recs {
		out[i] = eventFromRecord(r)
	}
	return out, nil
}

// --- Knowledge ---

// AddKnowledge inserts content. It is unique when no stored item reaches
// threshold similarity; otherwise it is stored non-unique and related to
// the nearest item. A threshold <= 0 uses the store default.
func (s *Store) AddKnowledge(ctx context.Context, content string, meta KnowledgeMeta, threshold float64) (*Knowledge, error) {
	if threshold <= 0 {
		threshold = s.threshold
	}
	epoch, err := s.GetEpoch(ctx)
	if err != nil {
		return nil, err
	}

	k := &Knowledge{
		ID:           uuid.New().String(),
		Content:      content,
		Epoch:        epoch,
		Unique:       true,
		Source:       meta.Source,
		Relationship: meta.Relationship,
		CreatedAt:    time.Now().UTC(),
	}

	nearest, err := s.knowledge.Query(ctx, content, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	if len(nearest) > 0 {
		sim := nearest[0].Similarity()
		if sim >= threshold {
			k.Unique = false
			k.RelatedTo = nearest[0].ID
			k.Similarity = sim
		}
	}

	if err := s.knowledge.Add(ctx, vectorstore.Record{
		ID:       k.ID,
		Document: k.Content,
		Metadata: knowledgeMetadata(k),
	}); err != nil {
		return nil, fmt.Errorf("persist knowledge: %w", err)
	}

	if s.graph != nil {
		if err := s.graph.AddKnowledge(ctx, k); err != nil {
			s.logger.Warn("knowledge graph add failed", zap.String("id", k.ID), zap.Error(err))
		}
	}
	return k, nil
}

// GetKnowledge returns the newest unique knowledge items in insertion order.
func (s *Store) GetKnowledge(ctx context.Context, limit int) ([]*Knowledge, error) {
	recs, err := s.knowledge.Get(ctx, vectorstore.GetOptions{
		Where: vectorstore.Where{"unique": true},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get knowledge: %w", err)
	}
	out := make([]*Knowledge, len(recs))
	for i, r := range recs {
		out[i] = knowledgeFromRecord(r)
	}
	return out, nil
}

// SearchKnowledge returns unique knowledge nearest to text, closest first.
func (s *Store) SearchKnowledge(ctx context.Context, text string, limit int) ([]*Knowledge, error) {
	recs, err := s.knowledge.Query(ctx, text, limit, vectorstore.Where{"unique": true})
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	out := make([]*Knowledge, len(recs))
	for i, r := range recs {
		out[i] = knowledgeFromRecord(r)
		out[i].Similarity = r.Similarity()
	}
	return out, nil
}

// CountKnowledge counts stored knowledge, optionally only unique items.
func (s *Store) CountKnowledge(ctx context.Context, uniqueOnly bool) (int, error) {
	var where vectorstore.Where
	if uniqueOnly {
		where = vectorstore.Where{"unique": true}
	}
	return s.knowledge.Count(ctx, where)
}

// RemoveKnowledge deletes the item nearest to text when its similarity
// exceeds threshold. It reports whether anything was deleted.
func (s *Store) RemoveKnowledge(ctx context.Context, text string, threshold float64) (bool, error) {
	if threshold <= 0 {
		threshold = s.threshold
	}
	nearest, err := s.knowledge.Query(ctx, text, 1, nil)
	if err != nil {
		return false, fmt.Errorf("query knowledge: %w", err)
	}
	if len(nearest) == 0 || nearest[0].Similarity() <= threshold {
		return false, nil
	}
	if err := s.RemoveKnowledgeByID(ctx, nearest[0].ID); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveKnowledgeByID deletes one knowledge item.
func (s *Store) RemoveKnowledgeByID(ctx context.Context, id string) error {
	if err := s.knowledge.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete knowledge %s: %w", id, err)
	}
	if s.graph != nil {
		if err := s.graph.Remove(ctx, id); err != nil {
			s.logger.Warn("knowledge graph remove failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Wipe clears every collection on the backend, epoch markers included.
func (s *Store) Wipe(ctx context.Context) error {
	if err := s.backend.Wipe(ctx); err != nil {
		return fmt.Errorf("wipe memory: %w", err)
	}
	if s.graph != nil {
		if err := s.graph.Wipe(ctx); err != nil {
			s.logger.Warn("knowledge graph wipe failed", zap.Error(err))
		}
	}
	s.logger.Info("memory wiped")
	return nil
}
