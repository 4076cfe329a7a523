// Package tasks is the agent's working task list.
package tasks

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when no task matches.
var ErrTaskNotFound = errors.New("task not found")

// Task is one item on the list.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Done        bool       `json:"done"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// List is a concurrency-safe ordered task list.
type List struct {
	tasks []*Task
	mu    sync.RWMutex
}

func NewList() *List { return &List{} }

// Add appends a pending task.
func (l *List) Add(title string) *Task {
	t := &Task{ID: uuid.New().String(), Title: title, CreatedAt: time.Now()}
	l.mu.Lock()
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()
	return t
}

// Complete marks the task whose id or title matches ref as done.
func (l *List) Complete(ref string) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		if t.Done {
			continue
		}
		if t.ID == ref || strings.EqualFold(t.Title, ref) {
			now := time.Now()
			t.Done = true
			t.CompletedAt = &now
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, ref)
}

// All returns a snapshot of every task.
func (l *List) All() []Task {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Task, len(l.tasks))
	for i, t := range l.tasks {
		out[i] = *t
	}
	return out
}

// Pending returns the tasks not yet done.
func (l *List) Pending() []Task {
	var out []Task
	for _, t := range l.All() {
		if !t.Done {
			out = append(out, t)
		}
	}
	return out
}

// Reset empties the list.
func (l *List) Reset() {
	l.mu.Lock()
	l.tasks = nil
	l.mu.Unlock()
}

// Format renders pending tasks as a checklist.
func (l *List) Format() string {
	pending := l.Pending()
	if len(pending) == 0 {
		return "No open tasks."
	}
	var b strings.Builder
	for i, t := range pending {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[ ] %s", t.Title)
	}
	return b.String()
}
