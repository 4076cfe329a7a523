package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-loop/internal/memory"
)

// HandleEvent archives ev. Replays of the same event id are ignored.
func (s *Store) HandleEvent(ctx context.Context, ev *memory.Event) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO events (id, epoch, type, subtype, creator, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Epoch, ev.Type, ev.Subtype, ev.Creator, ev.Content, metaJSON, created,
	)
	if err != nil {
		return fmt.Errorf("archive event: %w", err)
	}
	return nil
}

// Query selects archived events.
type Query struct {
	Type      string
	FromEpoch int
	ToEpoch   int
	Limit     int
}

// ListEvents returns archived events oldest first. With a Limit the newest
// matching events are kept.
func (s *Store) ListEvents(ctx context.Context, q Query) ([]*memory.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, epoch, type, subtype, creator, content, metadata, created_at
		FROM (
			SELECT * FROM events
			WHERE ($1 = '' OR type = $1)
			  AND ($2 = 0 OR epoch >= $2)
			  AND ($3 = 0 OR epoch <= $3)
			ORDER BY created_at DESC
			LIMIT $4
		) recent
		ORDER BY created_at ASC`,
		q.Type, q.FromEpoch, q.ToEpoch, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*memory.Event
	for rows.Next() {
		ev := &memory.Event{}
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Epoch, &ev.Type, &ev.Subtype, &ev.Creator, &ev.Content, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByType tallies archived events per type.
func (s *Store) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `SELECT type, count(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Truncate empties the archive.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `TRUNCATE events`); err != nil {
		return fmt.Errorf("truncate events: %w", err)
	}
	return nil
}
