package memory

import (
	"context"
	"time"
)

// Event types the loop emits.
const (
	EventSystem    = "system"
	EventSummary   = "summary"
	EventReasoning = "reasoning"
	EventAction    = "action"
	EventError     = "error"
	EventKnowledge = "knowledge"
)

// Event is an immutable, epoch-tagged record of something that happened.
type Event struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Creator   string         `json:"creator"`
	Epoch     int            `json:"epoch"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Knowledge is a statement retained for future retrieval. Only unique items
// are surfaced in context.
type Knowledge struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Epoch        int       `json:"epoch"`
	Unique       bool      `json:"unique"`
	RelatedTo    string    `json:"related_to,omitempty"`
	Similarity   float64   `json:"similarity,omitempty"`
	Source       string    `json:"source,omitempty"`
	Relationship string    `json:"relationship,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// KnowledgeMeta annotates a knowledge insertion.
type KnowledgeMeta struct {
	Source       string `json:"source"`
	Relationship string `json:"relationship"`
}

// EventFilter selects events for GetEvents. Limit keeps the newest events.
type EventFilter struct {
	Type  string
	Limit int
}

// EventSink receives every event after it has been persisted.
type EventSink interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev *Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev *Event) error { return f(ctx, ev) }
