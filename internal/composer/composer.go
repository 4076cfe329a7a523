// Package composer assembles the per-phase context map and fills prompt
// templates from it.
package composer

import (
	"context"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// Context maps template variable names to text.
type Context map[string]string

// Clone returns a shallow copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Builder contributes fields to a context. Builders run in registration
// order and a later builder overwrites keys set by an earlier one.
type Builder interface {
	Build(ctx context.Context, c Context) (Context, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, c Context) (Context, error)

func (f BuilderFunc) Build(ctx context.Context, c Context) (Context, error) { return f(ctx, c) }

type namedBuilder struct {
	name string
	b    Builder
}

// Composer holds the ordered builder chain.
type Composer struct {
	builders []namedBuilder
	mu       sync.RWMutex
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Composer {
	return &Composer{logger: logger}
}

// Register appends a builder. Registering an existing name replaces it in
// place.
func (c *Composer) Register(name string, b Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, nb := range c.builders {
		if nb.name == name {
			c.builders[i].b = b
			return
		}
	}
	c.builders = append(c.builders, namedBuilder{name: name, b: b})
}

// Names lists registered builders in application order.
func (c *Composer) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.builders))
	for i, nb := range c.builders {
		names[i] = nb.name
	}
	return names
}

// Build runs every builder over a copy of prior. A failing builder is
// logged and skipped; the map keeps what earlier builders produced.
func (c *Composer) Build(ctx context.Context, prior Context) Context {
	c.mu.RLock()
	builders := append([]namedBuilder(nil), c.builders...)
	c.mu.RUnlock()

	out := prior.Clone()
	for _, nb := range builders {
		next, err := nb.b.Build(ctx, out.Clone())
		if err != nil {
			c.logger.Warn("context builder failed", zap.String("builder", nb.name), zap.Error(err))
			continue
		}
		if next != nil {
			out = next
		}
	}
	return out
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Compose replaces {{key}} with c[key]. Unknown keys are left as written.
func Compose(template string, c Context) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := c[key]; ok {
			return v
		}
		return match
	})
}
