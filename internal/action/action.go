// Package action holds the loop's invocable capabilities: the registry, its
// semantic index, the chaining policy and the execution history.
package action

import (
	"context"
	"errors"

	"github.com/nidhogg/nuka-loop/internal/composer"
	"github.com/nidhogg/nuka-loop/internal/provider"
)

// ErrActionNotFound is returned for unknown action names.
var ErrActionNotFound = errors.New("action not found")

// Handler executes an action. A returned error is a handler failure and
// stops the loop; handlers report recoverable problems in their result.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// PromptBuilder builds the prompt and function contract used to fill an
// action's parameters.
type PromptBuilder func(a *Action, c composer.Context) (string, *provider.Function)

// Action is a named, schema-described capability with chaining hints.
type Action struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	// SuggestedAfter lists actions recommended right after this one.
	SuggestedAfter []string `json:"suggested_after,omitempty"`
	// NeverAfter lists actions hidden right after this one.
	NeverAfter []string `json:"never_after,omitempty"`
	// Prompt is the parameter-filling template; empty uses DefaultPrompt.
	Prompt  string        `json:"prompt,omitempty"`
	Builder PromptBuilder `json:"-"`
	Handler Handler       `json:"-"`
}

// Source contributes actions at registration time.
type Source interface {
	Actions() []*Action
}

// Static is a fixed list of actions.
type Static []*Action

func (s Static) Actions() []*Action { return s }

// Result is the envelope returned by Registry.Use.
type Result struct {
	Success  bool        `json:"success"`
	Result   interface{} `json:"result,omitempty"`
	Response string      `json:"response,omitempty"`
}

// DefaultPrompt asks the model to fill the action's parameters.
const DefaultPrompt = `{{profile}}

You decided to use the action "{{action_name}}": {{action_description}}

Your reasoning:
{{reasoning}}

Recent events:
{{events}}

Relevant knowledge:
{{relevant_knowledge}}

Fill in the parameters for {{action_name}}.`

// NeedsArguments reports whether the schema declares any properties.
func (a *Action) NeedsArguments() bool {
	props, _ := a.Parameters["properties"].(map[string]interface{})
	return len(props) > 0
}

// Compose returns the parameter-filling prompt and function for c.
func (a *Action) Compose(c composer.Context) (string, *provider.Function) {
	if a.Builder != nil {
		return a.Builder(a, c)
	}
	tmpl := a.Prompt
	if tmpl == "" {
		tmpl = DefaultPrompt
	}
	local := c.Clone()
	local["action_name"] = a.Name
	local["action_description"] = a.Description
	return composer.Compose(tmpl, local), a.Function()
}

// Function is the function-call contract for the action's parameters.
func (a *Action) Function() *provider.Function {
	params := a.Parameters
	if params == nil {
		params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return &provider.Function{Name: a.Name, Description: a.Description, Parameters: params}
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}
