package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-loop/internal/action"
	"github.com/nidhogg/nuka-loop/internal/composer"
	"github.com/nidhogg/nuka-loop/internal/embedding"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/provider"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// fakeLLM answers each function by name.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]map[string]interface{}
	fail    map[string]error
}

func (f *fakeLLM) Complete(_ context.Context, _ string, fn *provider.Function) (*provider.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fn.Name)
	if err := f.fail[fn.Name]; err != nil {
		return nil, err
	}
	return &provider.Completion{FunctionName: fn.Name, Arguments: f.answers[fn.Name]}, nil
}

func (f *fakeLLM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func decideOn(name string) *fakeLLM {
	return &fakeLLM{
		answers: map[string]map[string]interface{}{
			"orient": {
				"summary":          "I am awake and have something to echo.",
				"observer_summary": "The agent just started.",
				"knowledge": []interface{}{
					map[string]interface{}{"content": "echo repeats its input", "source": "self"},
					"the loop has started",
				},
			},
			"decide": {
				"action_name":        name,
				"reasoning":          "Echoing is the obvious next step.",
				"observer_reasoning": "It chose to echo.",
			},
			"echo": {"input": "hello"},
		},
	}
}

func echoAction() *action.Action {
	return &action.Action{
		Name:        "echo",
		Description: "Repeat the input",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"input": map[string]interface{}{"type": "string"},
			},
			"required": []string{"input"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return args["input"], nil
		},
	}
}

func newEngine(t *testing.T, llm provider.Completer, actions ...*action.Action) (*Engine, *memory.Store) {
	t.Helper()
	return newEngineWith(t, Config{StepPoll: 20 * time.Millisecond}, llm, actions...)
}

func newEngineWith(t *testing.T, cfg Config, llm provider.Completer, actions ...*action.Action) (*Engine, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := memory.NewStore(ctx, vectorstore.NewMemory(embedding.NewHashProvider(256)), memory.Options{}, zap.NewNop())
	require.NoError(t, err)
	reg, err := action.NewRegistry(ctx, store, "nuka", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, reg.RegisterActions(ctx, action.Static(actions)))
	e := New(cfg, store, reg, composer.New(zap.NewNop()), llm, zap.NewNop())
	return e, store
}

// waitFor blocks until the engine is parked after phase.
func waitFor(t *testing.T, e *Engine, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := e.Status()
		return s.Waiting && s.Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "engine never parked after %s", phase)
}

func stopAndWait(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Stop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func eventsOf(t *testing.T, store *memory.Store, typ string) []*memory.Event {
	t.Helper()
	events, err := store.GetEvents(context.Background(), memory.EventFilter{Type: typ})
	require.NoError(t, err)
	return events
}

func TestSteppedCycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	llm := decideOn("echo")
	e, store := newEngine(t, llm, echoAction())

	require.NoError(t, e.Start(true))
	waitFor(t, e, PhaseObserve)
	assert.Equal(t, 1, e.Status().Epoch)

	for _, next := range []Phase{PhaseOrient, PhaseDecide, PhaseAct} {
		require.NoError(t, e.Step())
		waitFor(t, e, next)
	}
	stopAndWait(t, e)

	assert.Equal(t, []string{"orient", "decide", "echo"}, llm.Calls())

	wake := eventsOf(t, store, memory.EventSystem)
	require.Len(t, wake, 1)
	assert.Equal(t, "wake", wake[0].Subtype)

	summaries := eventsOf(t, store, memory.EventSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, "I am awake and have something to echo.", summaries[0].Content)

	reasoning := eventsOf(t, store, memory.EventReasoning)
	require.Len(t, reasoning, 1)
	assert.Equal(t, "echo", reasoning[0].Metadata["action"])

	acted := eventsOf(t, store, memory.EventAction)
	require.Len(t, acted, 1)
	assert.Equal(t, "echo", acted[0].Subtype)
	assert.Equal(t, "hello", acted[0].Content)

	n, err := store.CountKnowledge(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status := e.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.Cycles)
	require.NotNil(t, status.LastTrace)
	assert.Len(t, status.LastTrace.Steps, 4)
	assert.NoError(t, e.Err())
}

func TestStopWhileWaitingForStep(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, _ := newEngine(t, decideOn("echo"), echoAction())

	require.NoError(t, e.Start(true))
	waitFor(t, e, PhaseObserve)

	start := time.Now()
	stopAndWait(t, e)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, e.Status().Running)
}

func TestStartTwiceAndStopIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, _ := newEngine(t, decideOn("echo"), echoAction())

	assert.ErrorIs(t, e.Stop(), ErrNotRunning)
	assert.ErrorIs(t, e.Step(), ErrNotRunning)

	require.NoError(t, e.Start(true))
	assert.ErrorIs(t, e.Start(true), ErrAlreadyRunning)
	stopAndWait(t, e)

	// A stopped engine can be started again.
	require.NoError(t, e.Start(true))
	waitFor(t, e, PhaseObserve)
	assert.Equal(t, 2, e.Status().Epoch)
	stopAndWait(t, e)
}

func TestBackendUnavailableAbortsCycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	llm := decideOn("echo")
	llm.fail = map[string]error{"orient": provider.ErrBackendUnavailable}
	e, store := newEngine(t, llm, echoAction())

	require.NoError(t, e.Start(true))
	waitFor(t, e, PhaseObserve)
	require.NoError(t, e.Step())
	waitFor(t, e, PhaseOrient)

	status := e.Status()
	assert.True(t, status.Running)
	require.NotNil(t, status.LastTrace)
	assert.Equal(t, "backend_unavailable", status.LastTrace.Aborted)

	errs := eventsOf(t, store, memory.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "backend_unavailable", errs[0].Subtype)

	// The next step starts a fresh cycle at observe.
	require.NoError(t, e.Step())
	waitFor(t, e, PhaseObserve)
	assert.Equal(t, 2, e.Status().Epoch)
	stopAndWait(t, e)
}

func TestFreeRunningWaitsAfterAbort(t *testing.T) {
	defer goleak.VerifyNone(t)
	llm := decideOn("echo")
	llm.fail = map[string]error{"orient": provider.ErrBackendUnavailable}
	e, store := newEngineWith(t, Config{StepPoll: 20 * time.Millisecond, AbortDelay: 100 * time.Millisecond}, llm, echoAction())

	require.NoError(t, e.Start(false))
	time.Sleep(500 * time.Millisecond)
	stopAndWait(t, e)

	epoch := e.Status().Epoch
	assert.GreaterOrEqual(t, epoch, 2, "loop should retry after the delay")
	assert.LessOrEqual(t, epoch, 8, "aborted cycles must not run back to back")
	// A stop can land between observe and orient, leaving one epoch without an abort.
	assert.InDelta(t, epoch, len(eventsOf(t, store, memory.EventError)), 1)
}

func TestStopDuringAbortDelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	llm := decideOn("echo")
	llm.fail = map[string]error{"orient": provider.ErrBackendUnavailable}
	e, _ := newEngineWith(t, Config{StepPoll: 20 * time.Millisecond, AbortDelay: time.Hour}, llm, echoAction())

	require.NoError(t, e.Start(false))
	require.Eventually(t, func() bool {
		s := e.Status()
		return s.LastTrace != nil && s.LastTrace.Aborted != ""
	}, 2*time.Second, 5*time.Millisecond)

	started := time.Now()
	stopAndWait(t, e)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, 1, e.Status().Epoch)
}

func TestUnknownActionIsNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	e, store := newEngine(t, decideOn("ghost"), echoAction())

	require.NoError(t, e.Start(true))
	waitFor(t, e, PhaseObserve)
	for _, next := range []Phase{PhaseOrient, PhaseDecide, PhaseAct} {
		require.NoError(t, e.Step())
		waitFor(t, e, next)
	}
	assert.True(t, e.Status().Running)
	stopAndWait(t, e)

	errs := eventsOf(t, store, memory.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "action_not_found", errs[0].Subtype)
	assert.Empty(t, eventsOf(t, store, memory.EventAction))
}

func TestHandlerErrorEndsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	boom := errors.New("boom")
	explode := &action.Action{
		Name:        "explode",
		Description: "Always fails",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, boom
		},
	}
	llm := decideOn("explode")
	e, _ := newEngine(t, llm, explode)

	require.NoError(t, e.Start(false))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	assert.ErrorIs(t, e.Err(), boom)
	status := e.Status()
	assert.False(t, status.Running)
	assert.Contains(t, status.Error, "boom")
	assert.Equal(t, []string{"orient", "decide"}, llm.Calls(), "no parameter call for an action without parameters")
}

func TestHandlerPanicEndsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	panicky := &action.Action{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}
	e, _ := newEngine(t, decideOn("panicky"), panicky)

	require.NoError(t, e.Start(false))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	require.Error(t, e.Err())
	assert.Contains(t, e.Err().Error(), "kaboom")
}

func TestResetWipesAndReindexes(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t, decideOn("echo"), echoAction())

	_, err := store.IncrementEpoch(ctx)
	require.NoError(t, err)
	_, err = store.CreateEvent(ctx, "before reset", memory.EventSystem, "", "nuka", nil)
	require.NoError(t, err)

	hooked := false
	e.OnReset(func(context.Context) error {
		hooked = true
		return nil
	})
	require.NoError(t, e.Reset(ctx))

	epoch, err := store.GetEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, epoch)
	assert.Empty(t, eventsOf(t, store, ""))
	assert.True(t, hooked)

	found, err := e.Registry().Search(ctx, "echo", 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "echo", found[0].Name)
}
