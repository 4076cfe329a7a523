package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/tasks"
)

func schema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// Builtins returns the actions every agent has.
func Builtins(store *memory.Store, list *tasks.List) Static {
	return Static{
		{
			Name:           "think",
			Description:    "Reflect on the current situation and write down a thought",
			Parameters:     schema(map[string]interface{}{"thought": stringProp("The thought to record")}, "thought"),
			SuggestedAfter: []string{"store_knowledge", "add_task"},
			NeverAfter:     []string{"think"},
			Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				thought := argString(args, "thought")
				if thought == "" {
					return "nothing to think about", nil
				}
				return thought, nil
			},
		},
		{
			Name:        "wait",
			Description: "Do nothing this cycle and wait for something to happen",
			Parameters:  schema(map[string]interface{}{}),
			NeverAfter:  []string{"wait"},
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return "waited", nil
			},
		},
		{
			Name:           "recall_knowledge",
			Description:    "Search stored knowledge for facts related to a query",
			Parameters:     schema(map[string]interface{}{"query": stringProp("What to look for")}, "query"),
			SuggestedAfter: []string{"think"},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				items, err := store.SearchKnowledge(ctx, argString(args, "query"), 5)
				if err != nil {
					return nil, err
				}
				if len(items) == 0 {
					return "no matching knowledge", nil
				}
				lines := make([]string, len(items))
				for i, k := range items {
					lines[i] = "- " + k.Content
				}
				return strings.Join(lines, "\n"), nil
			},
		},
		{
			Name:        "store_knowledge",
			Description: "Remember a fact for later",
			Parameters:  schema(map[string]interface{}{"content": stringProp("The fact to remember")}, "content"),
			NeverAfter:  []string{"store_knowledge"},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				content := argString(args, "content")
				if content == "" {
					return "nothing to store", nil
				}
				k, err := store.AddKnowledge(ctx, content, memory.KnowledgeMeta{Source: "store_knowledge"}, 0)
				if err != nil {
					return nil, err
				}
				if !k.Unique {
					return "already known", nil
				}
				return "stored", nil
			},
		},
		{
			Name:        "forget_knowledge",
			Description: "Forget a stored fact that is wrong or outdated",
			Parameters:  schema(map[string]interface{}{"content": stringProp("The fact to forget")}, "content"),
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				removed, err := store.RemoveKnowledge(ctx, argString(args, "content"), 0)
				if err != nil {
					return nil, err
				}
				if !removed {
					return "no matching knowledge", nil
				}
				return "forgotten", nil
			},
		},
		{
			Name:           "search_events",
			Description:    "Search past events for something that happened",
			Parameters:     schema(map[string]interface{}{"query": stringProp("What to look for")}, "query"),
			SuggestedAfter: []string{"think"},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				events, err := store.SearchEvents(ctx, argString(args, "query"), 5)
				if err != nil {
					return nil, err
				}
				if len(events) == 0 {
					return "no matching events", nil
				}
				lines := make([]string, len(events))
				for i, ev := range events {
					lines[i] = fmt.Sprintf("[epoch %d] %s", ev.Epoch, ev.Content)
				}
				return strings.Join(lines, "\n"), nil
			},
		},
		{
			Name:           "add_task",
			Description:    "Add a task to the task list",
			Parameters:     schema(map[string]interface{}{"title": stringProp("Short task description")}, "title"),
			SuggestedAfter: []string{"think"},
			Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				title := argString(args, "title")
				if title == "" {
					return "task needs a title", nil
				}
				t := list.Add(title)
				return "added task " + t.Title, nil
			},
		},
		{
			Name:        "complete_task",
			Description: "Mark a task on the task list as done",
			Parameters:  schema(map[string]interface{}{"task": stringProp("Title or id of the task")}, "task"),
			NeverAfter:  []string{"complete_task"},
			Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				t, err := list.Complete(argString(args, "task"))
				if errors.Is(err, tasks.ErrTaskNotFound) {
					return "no such open task", nil
				}
				if err != nil {
					return nil, err
				}
				return "completed task " + t.Title, nil
			},
		},
		{
			Name:        "get_current_time",
			Description: "Get the current date and time",
			Parameters:  schema(map[string]interface{}{}),
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return time.Now().Format(time.RFC1123), nil
			},
		},
	}
}
