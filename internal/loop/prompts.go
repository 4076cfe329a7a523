package loop

import (
	"github.com/nidhogg/nuka-loop/internal/provider"
)

const orientPrompt = `{{profile}}

It is {{current_time}} on {{current_date}}. This is epoch {{epoch}}; the previous was {{last_epoch}}.
You are running on {{platform}} in {{cwd}}.

Your open tasks:
{{tasks}}

What you know:
{{knowledge}}

What happened recently:
{{events}}

Summarize the situation twice: once in your own voice, and once as an
outside observer would describe it. Then list any new facts worth
remembering, with where each came from and how it relates to what you
already know.`

const decidePrompt = `{{profile}}

It is {{current_time}} on {{current_date}}, epoch {{epoch}}.

Your situation:
{{summary}}

An observer's view:
{{observer_summary}}

Relevant knowledge, most relevant last:
{{relevant_knowledge}}

What happened recently:
{{events}}

Actions you can take:
{{available_actions}}

Choose exactly one action by name and explain why, in your own voice and
as an outside observer would.`

func orientFunction() *provider.Function {
	return &provider.Function{
		Name:        "orient",
		Description: "Summarize the current situation and extract new knowledge.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{
					"type":        "string",
					"description": "The situation described in your own voice.",
				},
				"observer_summary": map[string]interface{}{
					"type":        "string",
					"description": "The situation as an outside observer would describe it.",
				},
				"knowledge": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"content":      map[string]interface{}{"type": "string"},
							"source":       map[string]interface{}{"type": "string"},
							"relationship": map[string]interface{}{"type": "string"},
						},
						"required": []string{"content"},
					},
				},
			},
			"required": []string{"summary", "observer_summary", "knowledge"},
		},
	}
}

func decideFunction(names []string) *provider.Function {
	actionName := map[string]interface{}{
		"type":        "string",
		"description": "Name of the action to take.",
	}
	if len(names) > 0 {
		actionName["enum"] = names
	}
	return &provider.Function{
		Name:        "decide",
		Description: "Choose the next action.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action_name": actionName,
				"reasoning": map[string]interface{}{
					"type":        "string",
					"description": "Why, in your own voice.",
				},
				"observer_reasoning": map[string]interface{}{
					"type":        "string",
					"description": "Why, as an outside observer sees it.",
				},
			},
			"required": []string{"action_name", "reasoning", "observer_reasoning"},
		},
	}
}
