package memory

import (
	"fmt"

	"github.com/nidhogg/nuka-loop/internal/tokens"
)

// Fit joins lines with newlines, dropping from the front until the text is
// under the store's token ceiling.
func (s *Store) Fit(lines []string) (string, error) {
	return tokens.Fit(s.counter, lines, "\n", s.ceiling)
}

// FormatEvents renders events oldest first and trims the oldest to fit.
func (s *Store) FormatEvents(events []*Event) (string, error) {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, eventLine(ev))
	}
	out, err := s.Fit(lines)
	if err != nil {
		return "", fmt.Errorf("format events: %w", err)
	}
	return out, nil
}

// eventLine renders "[epoch] type/subtype (creator): content".
func eventLine(ev *Event) string {
	kind := ev.Type
	if ev.Subtype != "" {
		kind += "/" + ev.Subtype
	}
	return fmt.Sprintf("[%d] %s (%s): %s", ev.Epoch, kind, ev.Creator, ev.Content)
}

// FormatKnowledge renders knowledge as a bullet list, trimming from the front.
func (s *Store) FormatKnowledge(items []*Knowledge) (string, error) {
	lines := make([]string, 0, len(items))
	for _, k := range items {
		lines = append(lines, "- "+k.Content)
	}
	out, err := s.Fit(lines)
	if err != nil {
		return "", fmt.Errorf("format knowledge: %w", err)
	}
	return out, nil
}
