package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loop/internal/action"
	"github.com/nidhogg/nuka-loop/internal/loop"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/provider"
	"github.com/nidhogg/nuka-loop/internal/tasks"
	"github.com/spf13/cobra"
)

func statusCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show loop state and the last cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s loop.Status
			if err := c().do("GET", "/loop", nil, nil, &s); err != nil {
				return err
			}
			printStatus(cmd, s)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, s loop.Status) {
	out := cmd.OutOrStdout()
	state := "stopped"
	switch {
	case s.Running && s.Waiting:
		state = "waiting for step"
	case s.Running:
		state = "running"
	}
	fmt.Fprintf(out, "Loop %s, phase %s, epoch %d, %d cycles", state, s.Phase, s.Epoch, s.Cycles)
	if s.Stepped {
		fmt.Fprint(out, ", stepped")
	}
	fmt.Fprintln(out)
	if s.Error != "" {
		fmt.Fprintf(out, "Last error: %s\n", s.Error)
	}
	if t := s.LastTrace; t != nil {
		fmt.Fprintf(out, "Last cycle (epoch %d):\n", t.Epoch)
		for _, step := range t.Steps {
			fmt.Fprintf(out, "  %-7s %s (%s)\n", step.Phase, step.Content, step.Duration.Round(time.Millisecond))
		}
		if t.Aborted != "" {
			fmt.Fprintf(out, "  aborted: %s\n", t.Aborted)
		}
	}
}

func startCmd(c func() *client) *cobra.Command {
	var stepped bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s loop.Status
			if err := c().do("POST", "/loop/start", nil, map[string]bool{"stepped": stepped}, &s); err != nil {
				return err
			}
			printStatus(cmd, s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stepped, "stepped", false, "Wait for a step before every phase")
	return cmd
}

func postCmd(c func() *client, use, short, path, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c().do("POST", path, nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func stopCmd(c func() *client) *cobra.Command {
	return postCmd(c, "stop", "Stop the loop after the current phase", "/loop/stop", "Stopping.")
}

func stepCmd(c func() *client) *cobra.Command {
	return postCmd(c, "step", "Advance one phase in stepped mode", "/loop/step", "Stepped.")
}

func resetCmd(c func() *client) *cobra.Command {
	return postCmd(c, "reset", "Wipe all memory (loop must be stopped)", "/reset", "Memory wiped.")
}

func modeCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:       "mode stepped|free",
		Short:     "Switch between stepped and free-running mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"stepped", "free"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var stepped bool
			switch args[0] {
			case "stepped":
				stepped = true
			case "free":
			default:
				return fmt.Errorf("unknown mode %q", args[0])
			}
			var s loop.Status
			if err := c().do("POST", "/loop/mode", nil, map[string]bool{"stepped": stepped}, &s); err != nil {
				return err
			}
			printStatus(cmd, s)
			return nil
		},
	}
}

func eventsCmd(c func() *client) *cobra.Command {
	var typ, search string
	var limit int
	var archived bool
	var from, to int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			path := "/events"
			switch {
			case search != "":
				path = "/events/search"
				q.Set("q", search)
			case archived:
				path = "/events/archive"
				if from > 0 {
					q.Set("from", strconv.Itoa(from))
				}
				if to > 0 {
					q.Set("to", strconv.Itoa(to))
				}
			}
			if typ != "" {
				q.Set("type", typ)
			}
			var events []memory.Event
			if err := c().do("GET", path, q, nil, &events); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No events.")
				return nil
			}
			for _, ev := range events {
				kind := ev.Type
				if ev.Subtype != "" {
					kind += "/" + ev.Subtype
				}
				fmt.Fprintf(out, "[%d] %-20s %s: %s\n", ev.Epoch, kind, ev.Creator, ev.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Only events of this type")
	cmd.Flags().StringVar(&search, "search", "", "Semantic search query")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	cmd.Flags().BoolVar(&archived, "archive", false, "Read from the PostgreSQL archive")
	cmd.Flags().IntVar(&from, "from", 0, "First epoch (archive only)")
	cmd.Flags().IntVar(&to, "to", 0, "Last epoch (archive only)")
	return cmd
}

func knowledgeCmd(c func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "List unique knowledge",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []memory.Knowledge
			if err := c().do("GET", "/knowledge", nil, nil, &items); err != nil {
				return err
			}
			printKnowledge(cmd, items)
			return nil
		},
	}

	var source string
	add := &cobra.Command{
		Use:   "add <content>",
		Short: "Add a knowledge item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k memory.Knowledge
			body := map[string]string{"content": strings.Join(args, " "), "source": source}
			if err := c().do("POST", "/knowledge", nil, body, &k); err != nil {
				return err
			}
			if k.Unique {
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", k.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s as a near-duplicate of %s (%.2f)\n", k.ID, k.RelatedTo, k.Similarity)
			}
			return nil
		},
	}
	add.Flags().StringVar(&source, "source", "nukactl", "Source recorded with the item")

	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Find knowledge relevant to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}, "limit": {strconv.Itoa(limit)}}
			var items []memory.Knowledge
			if err := c().do("GET", "/knowledge/search", q, nil, &items); err != nil {
				return err
			}
			printKnowledge(cmd, items)
			return nil
		},
	}
	search.Flags().IntVar(&limit, "limit", 10, "Maximum number of items")

	forget := &cobra.Command{
		Use:   "forget <content>",
		Short: "Remove the knowledge item closest to content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]bool
			if err := c().do("POST", "/knowledge/forget", nil, map[string]string{"content": strings.Join(args, " ")}, &res); err != nil {
				return err
			}
			if res["removed"] {
				fmt.Fprintln(cmd.OutOrStdout(), "Forgotten.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing close enough to forget.")
			}
			return nil
		},
	}

	cmd.AddCommand(add, search, forget)
	return cmd
}

func printKnowledge(cmd *cobra.Command, items []memory.Knowledge) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No knowledge.")
		return
	}
	for _, k := range items {
		fmt.Fprintf(out, "[%d] %s\n", k.Epoch, k.Content)
	}
}

type actionSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func actionsCmd(c func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List registered actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []actionSummary
			if err := c().do("GET", "/actions", nil, nil, &list); err != nil {
				return err
			}
			for _, a := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", a.Name, a.Description)
			}
			return nil
		},
	}

	var argVals map[string]string
	use := &cobra.Command{
		Use:   "use <name>",
		Short: "Run an action by hand (loop must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := make(map[string]interface{}, len(argVals))
			for k, v := range argVals {
				body[k] = v
			}
			var res action.Result
			if err := c().do("POST", "/actions/"+url.PathEscape(args[0])+"/use", nil, body, &res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s: %s", args[0], res.Response)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", res.Result)
			return nil
		},
	}
	use.Flags().StringToStringVar(&argVals, "arg", nil, "Action argument as key=value")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c().do("DELETE", "/actions/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(use, remove)
	return cmd
}

func tasksCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks [title]",
		Short: "Show the task list, or add a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				var t tasks.Task
				if err := c().do("POST", "/tasks", nil, map[string]string{"title": strings.Join(args, " ")}, &t); err != nil {
					return err
				}
				fmt.Fprintf(out, "Added task %s\n", t.Title)
				return nil
			}
			var all []tasks.Task
			if err := c().do("GET", "/tasks", nil, nil, &all); err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(out, "No tasks.")
				return nil
			}
			for _, t := range all {
				mark := " "
				if t.Done {
					mark = "x"
				}
				fmt.Fprintf(out, "[%s] %s\n", mark, t.Title)
			}
			return nil
		},
	}
}

func providersCmd(c func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show LLM providers in fallback order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats []provider.Stats
			if err := c().do("GET", "/providers", nil, nil, &stats); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(stats) == 0 {
				fmt.Fprintln(out, "No providers configured.")
				return nil
			}
			for _, s := range stats {
				fmt.Fprintf(out, "%-12s %d calls, %d failures", s.ID, s.Calls, s.Failures)
				if !s.CoolingUntil.IsZero() {
					fmt.Fprintf(out, ", cooling until %s", s.CoolingUntil.Local().Format(time.Kitchen))
				}
				fmt.Fprintln(out)
				if s.LastError != "" {
					fmt.Fprintf(out, "             last error: %s\n", s.LastError)
				}
			}
			return nil
		},
	}

	health := &cobra.Command{
		Use:   "health <id>",
		Short: "Check that a provider answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]string
			if err := c().do("GET", "/providers/"+url.PathEscape(args[0])+"/health", nil, nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res["status"])
			return nil
		},
	}

	models := &cobra.Command{
		Use:   "models <id>",
		Short: "List a provider's models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []provider.Model
			if err := c().do("GET", "/providers/"+url.PathEscape(args[0])+"/models", nil, nil, &list); err != nil {
				return err
			}
			for _, m := range list {
				fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			}
			return nil
		},
	}

	cmd.AddCommand(health, models)
	return cmd
}
