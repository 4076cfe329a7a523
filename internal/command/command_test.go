package command

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-loop/internal/action"
	"github.com/nidhogg/nuka-loop/internal/composer"
	"github.com/nidhogg/nuka-loop/internal/embedding"
	"github.com/nidhogg/nuka-loop/internal/loop"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/tasks"
	"github.com/nidhogg/nuka-loop/internal/vectorstore"
	"go.uber.org/zap"
)

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&Command{
		Name:        "ping",
		Description: "Ping test",
		Usage:       "/ping",
		Handler: func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: "pong: " + args}, nil
		},
	})

	ctx := context.Background()
	cc := &CommandContext{Platform: "test"}

	// Test known command
	result, err := reg.Dispatch(ctx, "/ping hello", cc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "pong: hello" {
		t.Errorf("got %q, want %q", result.Content, "pong: hello")
	}

	// Test unknown command
	result, err = reg.Dispatch(ctx, "/unknown", cc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content == "" {
		t.Error("expected error message for unknown command")
	}
}

func TestRegistryAliasesAndPrefixes(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	echo := func(name string) CommandHandler {
		return func(context.Context, string, *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: name}, nil
		}
	}
	reg.Register(&Command{Name: "step", Aliases: []string{"s"}, Handler: echo("step")})
	reg.Register(&Command{Name: "start", Handler: echo("start")})
	reg.Register(&Command{Name: "status", Handler: echo("status")})
	ctx := context.Background()

	cases := map[string]string{
		"/s":     "step",
		"!step":  "step",
		"/star":  "start",
		"/stat":  "status",
		"/st":    "/st is ambiguous: /start, /status, /step",
		"/nope":  "Unknown command: /nope. Type /help for available commands.",
		"/START": "start",
	}
	for in, want := range cases {
		if got := reg.Run(ctx, in, nil); got != want {
			t.Errorf("%s: got %q, want %q", in, got, want)
		}
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&Command{Name: "beta"})
	reg.Register(&Command{Name: "alpha"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("got %d commands, want 2", len(list))
	}
	if list[0].Name != "alpha" {
		t.Errorf("got %q first, want %q", list[0].Name, "alpha")
	}
}

func newTestEngine(t *testing.T) (*loop.Engine, *tasks.List) {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	mem, err := memory.NewStore(ctx, vectorstore.NewMemory(embedding.NewHashProvider(128)), memory.Options{}, logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg, err := action.NewRegistry(ctx, mem, "nuka", logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	list := tasks.NewList()
	if err := reg.RegisterActions(ctx, action.Builtins(mem, list)); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine := loop.New(loop.Config{StepPoll: 20 * time.Millisecond}, mem, reg, composer.New(logger), nil, logger)
	return engine, list
}

func TestBuiltinCommands(t *testing.T) {
	ctx := context.Background()
	engine, list := newTestEngine(t)
	reg := NewRegistry(zap.NewNop())
	RegisterBuiltins(reg, engine, list)
	cc := &CommandContext{Platform: "test"}

	run := func(input string) string {
		t.Helper()
		return reg.Run(ctx, input, cc)
	}

	if out := run("/help"); !strings.Contains(out, "/start [stepped]") {
		t.Errorf("help missing start usage: %q", out)
	}
	if out := run("/events"); out != "No events yet." {
		t.Errorf("got %q", out)
	}
	if out := run("/events many"); out != "Usage: /events [n]" {
		t.Errorf("got %q", out)
	}
	if out := run("/step"); !strings.HasPrefix(out, "Error:") {
		t.Errorf("step on a stopped loop should fail, got %q", out)
	}
	if out := run("/actions"); !strings.Contains(out, "wait - ") {
		t.Errorf("actions missing wait: %q", out)
	}
	if out := run("/tasks feed the cat"); out != "Added task feed the cat" {
		t.Errorf("got %q", out)
	}
	if out := run("/tasks"); !strings.Contains(out, "feed the cat") {
		t.Errorf("tasks missing entry: %q", out)
	}
	if out := run("/STATUS"); !strings.HasPrefix(out, "Loop stopped") {
		t.Errorf("got %q", out)
	}

	if _, err := engine.Store().CreateEvent(ctx, "hello", memory.EventSystem, "", "nuka", nil); err != nil {
		t.Fatalf("create event: %v", err)
	}
	if out := run("/events 5"); !strings.Contains(out, "hello") {
		t.Errorf("events missing hello: %q", out)
	}
	if out := run("/reset"); out != "Memory wiped." {
		t.Errorf("got %q", out)
	}
}

type countingStepper struct{ steps int }

func (c *countingStepper) Step() error {
	c.steps++
	return nil
}

func TestListen(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&Command{
		Name: "ping",
		Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: "pong"}, nil
		},
	})
	stepper := &countingStepper{}
	var out bytes.Buffer

	in := strings.NewReader("\n/ping\nhello\n\n/quit\n\n")
	if err := Listen(context.Background(), in, &out, reg, stepper); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if stepper.steps != 2 {
		t.Errorf("got %d steps, want 2", stepper.steps)
	}
	want := "pong\nCommands start with /. Type /help.\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}
