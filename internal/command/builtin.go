package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loop/internal/loop"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/tasks"
)

// RegisterBuiltins registers the loop commands.
func RegisterBuiltins(reg *Registry, engine *loop.Engine, list *tasks.List) {
	reg.Register(helpCommand(reg))
	reg.Register(startCommand(engine))
	reg.Register(simpleCommand("stop", "Stop the loop after the current phase", engine.Stop, "Stopping."))
	step := simpleCommand("step", "Advance one phase in stepped mode", engine.Step, "Stepped.")
	step.Aliases = []string{"s", "next"}
	reg.Register(step)
	reg.Register(&Command{
		Name:        "pause",
		Description: "Switch to stepped mode",
		Usage:       "/pause",
		Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
			engine.SetStepped(true)
			return &CommandResult{Content: "Paused; /step to advance."}, nil
		},
	})
	reg.Register(&Command{
		Name:        "resume",
		Description: "Leave stepped mode",
		Usage:       "/resume",
		Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
			engine.SetStepped(false)
			return &CommandResult{Content: "Running freely."}, nil
		},
	})
	reg.Register(statusCommand(engine))
	reg.Register(eventsCommand(engine))
	reg.Register(actionsCommand(engine))
	reg.Register(tasksCommand(list))
	reg.Register(&Command{
		Name:        "reset",
		Description: "Wipe all memory (loop must be stopped)",
		Usage:       "/reset",
		Handler: func(ctx context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			if err := engine.Reset(ctx); err != nil {
				return nil, err
			}
			return &CommandResult{Content: "Memory wiped."}, nil
		},
	})
}

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Aliases:     []string{"h", "?"},
		Description: "List all available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, c := range reg.List() {
				fmt.Fprintf(&b, "  %-18s %s\n", c.Usage, c.Description)
			}
			b.WriteString("An empty line advances one phase in stepped mode.\n")
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

func simpleCommand(name, desc string, fn func() error, ok string) *Command {
	return &Command{
		Name:        name,
		Description: desc,
		Usage:       "/" + name,
		Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
			if err := fn(); err != nil {
				return nil, err
			}
			return &CommandResult{Content: ok}, nil
		},
	}
}

func startCommand(engine *loop.Engine) *Command {
	return &Command{
		Name:        "start",
		Description: "Start the loop, optionally in stepped mode",
		Usage:       "/start [stepped]",
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			stepped := strings.EqualFold(args, "stepped")
			if err := engine.Start(stepped); err != nil {
				return nil, err
			}
			if stepped {
				return &CommandResult{Content: "Started in stepped mode."}, nil
			}
			return &CommandResult{Content: "Started."}, nil
		},
	}
}

func statusCommand(engine *loop.Engine) *Command {
	return &Command{
		Name:        "status",
		Description: "Show loop state and the last cycle",
		Usage:       "/status",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			s := engine.Status()
			state := "stopped"
			switch {
			case s.Running && s.Waiting:
				state = "waiting for step"
			case s.Running:
				state = "running"
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Loop %s (phase %s, epoch %d, %d cycles", state, s.Phase, s.Epoch, s.Cycles)
			if s.Stepped {
				b.WriteString(", stepped")
			}
			b.WriteString(")\n")
			if s.Error != "" {
				fmt.Fprintf(&b, "Last error: %s\n", s.Error)
			}
			if t := s.LastTrace; t != nil {
				fmt.Fprintf(&b, "Last cycle, epoch %d:\n", t.Epoch)
				for _, step := range t.Steps {
					fmt.Fprintf(&b, "  %-7s %s (%s)\n", step.Phase, step.Content, step.Duration.Round(time.Millisecond))
				}
				if t.Aborted != "" {
					fmt.Fprintf(&b, "  aborted: %s\n", t.Aborted)
				}
			}
			return &CommandResult{Content: b.String(), Data: s}, nil
		},
	}
}

func eventsCommand(engine *loop.Engine) *Command {
	return &Command{
		Name:        "events",
		Description: "Show recent events",
		Usage:       "/events [n]",
		Handler: func(ctx context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			n := 10
			if args != "" {
				v, err := strconv.Atoi(args)
				if err != nil || v <= 0 {
					return &CommandResult{Content: "Usage: /events [n]"}, nil
				}
				n = v
			}
			events, err := engine.Store().GetEvents(ctx, memory.EventFilter{Limit: n})
			if err != nil {
				return nil, err
			}
			if len(events) == 0 {
				return &CommandResult{Content: "No events yet."}, nil
			}
			text, err := engine.Store().FormatEvents(events)
			if err != nil {
				return nil, err
			}
			return &CommandResult{Content: text, Data: events}, nil
		},
	}
}

func actionsCommand(engine *loop.Engine) *Command {
	return &Command{
		Name:        "actions",
		Description: "List registered actions",
		Usage:       "/actions",
		Handler: func(_ context.Context, _ string, _ *CommandContext) (*CommandResult, error) {
			actions := engine.Registry().List()
			if len(actions) == 0 {
				return &CommandResult{Content: "No actions registered."}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%d actions:\n", len(actions))
			for _, a := range actions {
				fmt.Fprintf(&b, "  %s - %s\n", a.Name, a.Description)
			}
			return &CommandResult{Content: b.String()}, nil
		},
	}
}

func tasksCommand(list *tasks.List) *Command {
	return &Command{
		Name:        "tasks",
		Description: "Show the task list, or add a task",
		Usage:       "/tasks [title]",
		Handler: func(_ context.Context, args string, _ *CommandContext) (*CommandResult, error) {
			if args != "" {
				t := list.Add(args)
				return &CommandResult{Content: "Added task " + t.Title, Data: t}, nil
			}
			return &CommandResult{Content: list.Format()}, nil
		},
	}
}
