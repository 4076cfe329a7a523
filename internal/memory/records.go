package memory

import (
	"time"

	"github.com/nidhogg/nuka-loop/internal/vectorstore"
)

var reservedEventKeys = map[string]bool{
	"type":       true,
	"subtype":    true,
	"creator":    true,
	"epoch":      true,
	"created_at": true,
}

func eventMetadata(ev *Event) map[string]any {
	meta := make(map[string]any, len(ev.Metadata)+5)
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	meta["type"] = ev.Type
	meta["creator"] = ev.Creator
	meta["epoch"] = ev.Epoch
	meta["created_at"] = ev.CreatedAt.Format(time.RFC3339Nano)
	if ev.Subtype != "" {
		meta["subtype"] = ev.Subtype
	}
	return meta
}

func eventFromRecord(r vectorstore.Record) *Event {
	ev := &Event{
		ID:       r.ID,
		Content:  r.Document,
		Metadata: make(map[string]any),
	}
	for k, v := range r.Metadata {
		switch k {
		case "type":
			ev.Type, _ = v.(string)
		case "subtype":
			ev.Subtype, _ = v.(string)
		case "creator":
			ev.Creator, _ = v.(string)
		case "epoch":
			ev.Epoch = intOf(v)
		case "created_at":
			ev.CreatedAt = timeOf(v)
		default:
			ev.Metadata[k] = v
		}
	}
	return ev
}

func knowledgeMetadata(k *Knowledge) map[string]any {
	meta := map[string]any{
		"epoch":      k.Epoch,
		"unique":     k.Unique,
		"created_at": k.CreatedAt.Format(time.RFC3339Nano),
	}
	if k.RelatedTo != "" {
		meta["related_to"] = k.RelatedTo
		meta["similarity"] = k.Similarity
	}
	if k.Source != "" {
		meta["source"] = k.Source
	}
	if k.Relationship != "" {
		meta["relationship"] = k.Relationship
	}
	return meta
}

func knowledgeFromRecord(r vectorstore.Record) *Knowledge {
	k := &Knowledge{ID: r.ID, Content: r.Document}
	k.Epoch = intOf(r.Metadata["epoch"])
	k.Unique, _ = r.Metadata["unique"].(bool)
	k.RelatedTo, _ = r.Metadata["related_to"].(string)
	k.Source, _ = r.Metadata["source"].(string)
	k.Relationship, _ = r.Metadata["relationship"].(string)
	if sim, ok := r.Metadata["similarity"].(float64); ok {
		k.Similarity = sim
	}
	k.CreatedAt = timeOf(r.Metadata["created_at"])
	return k
}

func intOf(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	default:
		return 0
	}
}

func timeOf(v any) time.Time {
	s, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
