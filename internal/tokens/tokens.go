// Package tokens counts language-model tokens and fits item lists into a
// token ceiling.
package tokens

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultCeiling is the token budget used when none is configured.
const DefaultCeiling = 3072

// ErrItemTooLarge is returned by Fit when a single remaining item exceeds
// the ceiling on its own.
var ErrItemTooLarge = errors.New("single item exceeds token ceiling")

// Counter counts tokens in a text.
type Counter interface {
	Count(text string) int
}

// Heuristic estimates ~4 characters per token.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

// Tiktoken counts with the BPE encoding of a model. The encoding is loaded
// lazily on first use; when it cannot be loaded the heuristic is used.
type Tiktoken struct {
	model string

	once    sync.Once
	encoder *tiktoken.Tiktoken
}

// NewTiktoken returns a counter for the given model name.
func NewTiktoken(model string) *Tiktoken {
	return &Tiktoken{model: model}
}

func (t *Tiktoken) load() {
	if t.model != "" {
		if enc, err := tiktoken.EncodingForModel(t.model); err == nil {
			t.encoder = enc
			return
		}
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		t.encoder = enc
	}
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(t.load)
	if t.encoder == nil {
		return Heuristic{}.Count(text)
	}
	return len(t.encoder.Encode(text, nil, nil))
}

// Fit drops items from the front of the slice until the items joined by sep
// fit under ceiling tokens. The front is the low end: callers order their
// items oldest or least relevant first. When one item alone overflows,
// ErrItemTooLarge is returned.
func Fit(c Counter, items []string, sep string, ceiling int) (string, error) {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	for len(items) > 0 {
		joined := strings.Join(items, sep)
		if c.Count(joined) < ceiling {
			return joined, nil
		}
		if len(items) == 1 {
			return "", ErrItemTooLarge
		}
		items = items[1:]
	}
	return "", nil
}
