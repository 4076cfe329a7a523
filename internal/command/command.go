// Package command implements the slash commands shared by the terminal,
// chat platforms and the keyboard listener.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Command represents a slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handler     CommandHandler
}

type CommandHandler func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error)

// CommandContext says where a command came from.
type CommandContext struct {
	Platform string
	UserName string
}

type CommandResult struct {
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// Registry resolves command names, aliases and unambiguous prefixes.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		logger:   logger,
	}
}

// Register adds cmd, replacing any command of the same name.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
	for _, a := range cmd.Aliases {
		r.aliases[a] = cmd.Name
	}
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(name string) (*Command, []string) {
	if cmd, ok := r.commands[name]; ok {
		return cmd, nil
	}
	if target, ok := r.aliases[name]; ok {
		return r.commands[target], nil
	}
	var matches []string
	for n := range r.commands {
		if strings.HasPrefix(n, name) {
			matches = append(matches, n)
		}
	}
	if len(matches) == 1 {
		return r.commands[matches[0]], nil
	}
	sort.Strings(matches)
	return nil, matches
}

// Dispatch parses "/name args..." (or "!name") and runs the matching
// handler. Unknown or ambiguous names produce a hint rather than an error.
func (r *Registry) Dispatch(ctx context.Context, input string, cc *CommandContext) (*CommandResult, error) {
	input = strings.TrimSpace(input)
	input = strings.TrimLeft(input, "/!")
	name, args, _ := strings.Cut(input, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	r.mu.RLock()
	cmd, candidates := r.lookup(name)
	r.mu.RUnlock()

	switch {
	case cmd != nil:
	case name != "" && len(candidates) > 1:
		return &CommandResult{
			Content: fmt.Sprintf("/%s is ambiguous: /%s", name, strings.Join(candidates, ", /")),
		}, nil
	default:
		return &CommandResult{
			Content: fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", name),
		}, nil
	}

	if cc == nil {
		cc = &CommandContext{}
	}
	r.logger.Info("command",
		zap.String("name", cmd.Name),
		zap.String("platform", cc.Platform),
		zap.String("user", cc.UserName))
	return cmd.Handler(ctx, args, cc)
}

// Run dispatches input and folds errors into the reply text.
func (r *Registry) Run(ctx context.Context, input string, cc *CommandContext) string {
	res, err := r.Dispatch(ctx, input, cc)
	if err != nil {
		return "Error: " + err.Error()
	}
	return res.Content
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
