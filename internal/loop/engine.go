// Package loop runs the observe, orient, decide and act cycle on a single
// control goroutine.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-loop/internal/action"
	"github.com/nidhogg/nuka-loop/internal/composer"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/provider"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("loop already running")
	ErrNotRunning     = errors.New("loop not running")
)

// DefaultAbortDelay is the pause after an aborted cycle in free mode.
const DefaultAbortDelay = 5 * time.Second

// errStopped unwinds a cycle when a stop request is observed between phases.
var errStopped = errors.New("loop stopped")

// Config tunes the engine. Zero values take defaults.
type Config struct {
	AgentID        string
	StepPoll       time.Duration
	EventLimit     int
	KnowledgeLimit int
	RelevantLimit  int

	// AbortDelay holds a free-running loop after an aborted cycle.
	AbortDelay time.Duration
}

func (c *Config) defaults() {
	if c.AgentID == "" {
		c.AgentID = "nuka"
	}
	if c.StepPoll <= 0 {
		c.StepPoll = time.Second
	}
	if c.AbortDelay <= 0 {
		c.AbortDelay = DefaultAbortDelay
	}
	if c.EventLimit <= 0 {
		c.EventLimit = 20
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = 20
	}
	if c.RelevantLimit <= 0 {
		c.RelevantLimit = 10
	}
}

// run holds the signals of one control goroutine. Start replaces it, so a
// restarted loop never sees a stale step or stop.
type run struct {
	step     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once
}

func newRun() *run {
	return &run{
		step: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (r *run) requestStop() {
	r.stopped.Store(true)
	r.stopOnce.Do(func() { close(r.stop) })
}

// Status is a snapshot of the engine for control surfaces.
type Status struct {
	Running   bool   `json:"running"`
	Stepped   bool   `json:"stepped"`
	Waiting   bool   `json:"waiting"`
	Phase     Phase  `json:"phase"`
	Cycles    int    `json:"cycles"`
	Epoch     int    `json:"epoch"`
	LastTrace *Trace `json:"last_trace,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Engine owns the decision cycle. Only the control goroutine touches the
// store, registry and history while a run is active.
type Engine struct {
	cfg      Config
	store    *memory.Store
	registry *action.Registry
	composer *composer.Composer
	llm      provider.Completer
	logger   *zap.Logger

	stepped atomic.Bool
	waiting atomic.Bool

	mu         sync.Mutex
	cur        *run
	running    bool
	phase      Phase
	cycles     int
	epoch      int
	lastTrace  *Trace
	err        error
	resetHooks []func(context.Context) error
}

// New creates an idle engine.
func New(cfg Config, store *memory.Store, registry *action.Registry, comp *composer.Composer, llm provider.Completer, logger *zap.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		composer: comp,
		llm:      llm,
		logger:   logger,
		phase:    PhaseIdle,
	}
}

// Store returns the memory store the engine writes to.
func (e *Engine) Store() *memory.Store { return e.store }

// Registry returns the action registry.
func (e *Engine) Registry() *action.Registry { return e.registry }

// Start spawns the control goroutine and returns once it is running.
func (e *Engine) Start(stepped bool) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := newRun()
	e.cur = r
	e.running = true
	e.err = nil
	e.mu.Unlock()

	e.stepped.Store(stepped)
	ready := make(chan struct{})
	go e.loop(r, ready)
	<-ready
	e.logger.Info("loop started", zap.Bool("stepped", stepped))
	return nil
}

// Stop asks the control goroutine to exit. It is honored between phases
// and while waiting for a step; a phase already in flight runs to the end.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r, running := e.cur, e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	r.requestStop()
	e.logger.Info("loop stop requested")
	return nil
}

// Step releases one phase in stepped mode.
func (e *Engine) Step() error {
	e.mu.Lock()
	r, running := e.cur, e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case r.step <- struct{}{}:
	default:
	}
	return nil
}

// SetStepped switches between stepped and free-running mode. Leaving
// stepped mode releases a pending wait.
func (e *Engine) SetStepped(stepped bool) {
	e.stepped.Store(stepped)
	if !stepped {
		_ = e.Step()
	}
}

// Wait blocks until the control goroutine exits or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	r := e.cur
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the error that ended the last run, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Status reports the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Running:   e.running,
		Stepped:   e.stepped.Load(),
		Waiting:   e.waiting.Load(),
		Phase:     e.phase,
		Cycles:    e.cycles,
		Epoch:     e.epoch,
		LastTrace: e.lastTrace,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// OnReset registers a hook run by Reset after the store is wiped.
func (e *Engine) OnReset(fn func(context.Context) error) {
	e.mu.Lock()
	e.resetHooks = append(e.resetHooks, fn)
	e.mu.Unlock()
}

// Reset wipes all memory and re-indexes the registered actions. The loop
// must be stopped.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	hooks := append([]func(context.Context) error(nil), e.resetHooks...)
	e.mu.Unlock()

	if err := e.store.Wipe(ctx); err != nil {
		return err
	}
	if err := e.registry.Reindex(ctx); err != nil {
		return err
	}
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.cycles, e.epoch, e.lastTrace, e.err = 0, 0, nil, nil
	e.phase = PhaseIdle
	e.mu.Unlock()
	e.logger.Info("memory reset")
	return nil
}

func (e *Engine) loop(r *run, ready chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.phase = PhaseIdle
		e.mu.Unlock()
		close(r.done)
	}()
	close(ready)

	// Phases run to completion once begun, so the context is never cancelled.
	ctx := context.Background()
	for !r.stopped.Load() {
		err := e.safeCycle(ctx, r)
		if err == nil {
			continue
		}
		if errors.Is(err, errStopped) {
			break
		}
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.logger.Error("loop terminated", zap.Error(err))
		return
	}
	e.logger.Info("loop stopped")
}

func (e *Engine) safeCycle(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("cycle panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("cycle panic: %v", p)
		}
	}()
	return e.cycle(ctx, r)
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// pause runs between phases. It reports false once a stop was requested.
// In stepped mode it blocks until a step arrives, polling for stop.
func (e *Engine) pause(r *run) bool {
	if r.stopped.Load() {
		return false
	}
	if !e.stepped.Load() {
		return true
	}

	e.waiting.Store(true)
	defer e.waiting.Store(false)
	ticker := time.NewTicker(e.cfg.StepPoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.step:
			return !r.stopped.Load()
		case <-r.stop:
			return false
		case <-ticker.C:
			if r.stopped.Load() {
				return false
			}
			if !e.stepped.Load() {
				return true
			}
		}
	}
}

// rest runs after an aborted cycle. Stepped mode waits for a step as usual;
// free mode waits AbortDelay before the next observe. It reports false once
// a stop was requested.
func (e *Engine) rest(r *run) bool {
	if e.stepped.Load() {
		return e.pause(r)
	}
	timer := time.NewTimer(e.cfg.AbortDelay)
	defer timer.Stop()
	select {
	case <-r.stop:
		return false
	case <-timer.C:
		return !r.stopped.Load()
	}
}
