// Package notify pushes selected loop events to chat platforms and lets
// those platforms send loop commands back.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-loop/internal/memory"
	"go.uber.org/zap"
)

// Notifier is one chat platform.
type Notifier interface {
	Platform() string
	Connect(ctx context.Context) error
	Notify(ctx context.Context, n *Notice) error
	OnCommand(h CommandHandler)
	Close() error
}

// CommandHandler runs a slash command received from a platform and returns
// the reply text.
type CommandHandler func(ctx context.Context, line string) string

// Notice is an event rendered for humans.
type Notice struct {
	Type    string    `json:"type"`
	Subtype string    `json:"subtype,omitempty"`
	Creator string    `json:"creator"`
	Epoch   int       `json:"epoch"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Title is the bold first line of a notice.
func (n *Notice) Title() string {
	kind := n.Type
	if n.Subtype != "" {
		kind += "/" + n.Subtype
	}
	return fmt.Sprintf("[%s] epoch %d", kind, n.Epoch)
}

// Record tracks a sent notice.
type Record struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

const maxHistory = 100

// Broadcaster is an event sink that forwards events of the configured
// types to every registered notifier.
type Broadcaster struct {
	types     map[string]bool
	notifiers []Notifier
	history   []Record
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewBroadcaster forwards events whose type is in types; an empty list
// forwards everything.
func NewBroadcaster(types []string, logger *zap.Logger) *Broadcaster {
	b := &Broadcaster{types: make(map[string]bool), logger: logger}
	for _, t := range types {
		b.types[t] = true
	}
	return b
}

// Add registers a notifier.
func (b *Broadcaster) Add(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers = append(b.notifiers, n)
}

// Platforms lists the registered notifiers.
func (b *Broadcaster) Platforms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.notifiers))
	for i, n := range b.notifiers {
		out[i] = n.Platform()
	}
	return out
}

// Connect connects every notifier, dropping those that fail.
func (b *Broadcaster) Connect(ctx context.Context, commands CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.notifiers[:0]
	for _, n := range b.notifiers {
		if commands != nil {
			n.OnCommand(commands)
		}
		if err := n.Connect(ctx); err != nil {
			b.logger.Warn("notifier unavailable", zap.String("platform", n.Platform()), zap.Error(err))
			continue
		}
		b.logger.Info("notifier connected", zap.String("platform", n.Platform()))
		kept = append(kept, n)
	}
	b.notifiers = kept
}

// HandleEvent implements memory.EventSink.
func (b *Broadcaster) HandleEvent(ctx context.Context, ev *memory.Event) error {
	if len(b.types) > 0 && !b.types[ev.Type] {
		return nil
	}
	n := &Notice{
		Type:    ev.Type,
		Subtype: ev.Subtype,
		Creator: ev.Creator,
		Epoch:   ev.Epoch,
		Content: ev.Content,
		At:      ev.CreatedAt,
	}
	return b.Send(ctx, n)
}

// Send delivers n to every notifier. Failures are joined; delivery to the
// other notifiers continues.
func (b *Broadcaster) Send(ctx context.Context, n *Notice) error {
	b.mu.Lock()
	notifiers := append([]Notifier(nil), b.notifiers...)
	b.mu.Unlock()
	if len(notifiers) == 0 {
		return nil
	}

	var errs []error
	var targets []string
	for _, nt := range notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nt.Platform(), err))
			continue
		}
		targets = append(targets, nt.Platform())
	}

	b.mu.Lock()
	b.history = append(b.history, Record{Notice: n, SentAt: time.Now(), Targets: targets})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.mu.Unlock()
	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// Close closes every notifier.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, n := range b.notifiers {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

// commandLine extracts a slash command from chat text. "!step" is accepted
// as well, since chat clients swallow leading slashes.
func commandLine(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "/"):
		return text
	case strings.HasPrefix(text, "!"):
		return "/" + text[1:]
	}
	return ""
}
