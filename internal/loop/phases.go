package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loop/internal/composer"
	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/nidhogg/nuka-loop/internal/provider"
	"github.com/nidhogg/nuka-loop/internal/tokens"
	"go.uber.org/zap"
)

// cycleState is what one cycle carries from phase to phase.
type cycleState struct {
	c         composer.Context
	available []string
	action    string
}

type phaseFunc func(ctx context.Context, s *cycleState) (string, error)

// cycle runs the four phases once, pausing after each. The trace is
// published before every pause so status reflects the parked phase.
func (e *Engine) cycle(ctx context.Context, r *run) error {
	trace := newTrace()
	phases := []struct {
		phase Phase
		fn    phaseFunc
	}{
		{PhaseObserve, e.observe},
		{PhaseOrient, e.orient},
		{PhaseDecide, e.decide},
		{PhaseAct, e.act},
	}

	s := &cycleState{c: composer.Context{}}
	for _, p := range phases {
		e.setPhase(p.phase)
		started := time.Now()
		note, err := p.fn(ctx, s)
		if p.phase == PhaseObserve {
			e.mu.Lock()
			trace.Epoch = e.epoch
			e.mu.Unlock()
		}
		if err != nil {
			reason := abortReason(err)
			if reason == "" {
				e.publish(trace)
				return fmt.Errorf("%s: %w", p.phase, err)
			}
			trace.Aborted = reason
			e.publish(trace)
			if err := e.emitAbort(ctx, p.phase, reason, err); err != nil {
				return err
			}
			if !e.rest(r) {
				return errStopped
			}
			return nil
		}
		trace.add(p.phase, note, started)
		if p.phase == PhaseAct {
			e.mu.Lock()
			e.cycles++
			e.mu.Unlock()
		}
		e.publish(trace)
		if !e.pause(r) {
			return errStopped
		}
	}
	return nil
}

func (e *Engine) publish(t *Trace) {
	snap := *t
	snap.Steps = append([]TraceStep(nil), t.Steps...)
	snap.finish()
	e.mu.Lock()
	e.lastTrace = &snap
	e.mu.Unlock()
}

// abortReason names the errors that cost only the current cycle.
func abortReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, tokens.ErrItemTooLarge):
		return "context_overflow"
	}
	return ""
}

func (e *Engine) emitAbort(ctx context.Context, phase Phase, reason string, cause error) error {
	e.logger.Warn("cycle aborted",
		zap.String("phase", string(phase)),
		zap.String("reason", reason),
		zap.Error(cause))
	_, err := e.store.CreateEvent(ctx, fmt.Sprintf("Cycle aborted during %s: %v", phase, cause),
		memory.EventError, reason, e.cfg.AgentID, map[string]any{"phase": string(phase)})
	return err
}

func (e *Engine) observe(ctx context.Context, s *cycleState) (string, error) {
	epoch, err := e.store.IncrementEpoch(ctx)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.epoch = epoch
	e.mu.Unlock()

	if epoch == 1 {
		if _, err := e.store.CreateEvent(ctx, "I just woke up.", memory.EventSystem, "wake", e.cfg.AgentID, nil); err != nil {
			return "", err
		}
	}

	s.c["epoch"] = strconv.Itoa(epoch)
	s.c["last_epoch"] = strconv.Itoa(epoch - 1)

	events, err := e.store.GetEvents(ctx, memory.EventFilter{Limit: e.cfg.EventLimit})
	if err != nil {
		return "", err
	}
	if s.c["events"], err = e.store.FormatEvents(events); err != nil {
		return "", err
	}

	knowledge, err := e.store.GetKnowledge(ctx, e.cfg.KnowledgeLimit)
	if err != nil {
		return "", err
	}
	if s.c["knowledge"], err = e.store.FormatKnowledge(knowledge); err != nil {
		return "", err
	}

	s.c = e.composer.Build(ctx, s.c)
	return fmt.Sprintf("epoch %d: %d events, %d knowledge items", epoch, len(events), len(knowledge)), nil
}

func (e *Engine) orient(ctx context.Context, s *cycleState) (string, error) {
	s.c = e.composer.Build(ctx, s.c)
	comp, err := e.llm.Complete(ctx, composer.Compose(orientPrompt, s.c), orientFunction())
	if err != nil {
		return "", err
	}

	summary := stringArg(comp.Arguments, "summary")
	if summary == "" {
		summary = strings.TrimSpace(comp.Text)
	}
	observer := stringArg(comp.Arguments, "observer_summary")

	added := 0
	for _, item := range knowledgeItems(comp.Arguments["knowledge"]) {
		k, err := e.store.AddKnowledge(ctx, item.Content, item.KnowledgeMeta, 0)
		if err != nil {
			return "", err
		}
		if k.Unique {
			added++
		}
	}
	s.c["summary"] = summary
	s.c["observer_summary"] = observer

	relevant, err := e.store.SearchKnowledge(ctx, summary, e.cfg.RelevantLimit)
	if err != nil {
		return "", err
	}
	// Least relevant first, so trimming drops it and the best match sits
	// next to the question.
	for i, j := 0, len(relevant)-1; i < j; i, j = i+1, j-1 {
		relevant[i], relevant[j] = relevant[j], relevant[i]
	}
	if s.c["relevant_knowledge"], err = e.store.FormatKnowledge(relevant); err != nil {
		return "", err
	}

	listings, err := e.registry.Available(ctx, summary)
	if err != nil {
		return "", err
	}
	s.available = s.available[:0]
	for _, l := range listings {
		s.available = append(s.available, l.Action.Name)
	}
	if s.c["available_actions"], err = e.registry.FormatAvailable(listings); err != nil {
		return "", err
	}

	_, err = e.store.CreateEvent(ctx, summary, memory.EventSummary, "", e.cfg.AgentID, map[string]any{
		"observer":        observer,
		"knowledge_added": added,
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

func (e *Engine) decide(ctx context.Context, s *cycleState) (string, error) {
	s.c = e.composer.Build(ctx, s.c)
	comp, err := e.llm.Complete(ctx, composer.Compose(decidePrompt, s.c), decideFunction(s.available))
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(stringArg(comp.Arguments, "action_name"))
	reasoning := stringArg(comp.Arguments, "reasoning")
	observer := stringArg(comp.Arguments, "observer_reasoning")

	_, err = e.store.CreateEvent(ctx, reasoning, memory.EventReasoning, "", e.cfg.AgentID, map[string]any{
		"action":   name,
		"observer": observer,
	})
	if err != nil {
		return "", err
	}
	s.action = name
	s.c["action_name"] = name
	s.c["reasoning"] = reasoning
	s.c["observer_reasoning"] = observer
	return name, nil
}

func (e *Engine) act(ctx context.Context, s *cycleState) (string, error) {
	s.c = e.composer.Build(ctx, s.c)
	a, ok := e.registry.Get(s.action)
	if !ok {
		_, err := e.store.CreateEvent(ctx, fmt.Sprintf("Action %q not found", s.action),
			memory.EventError, "action_not_found", e.cfg.AgentID, map[string]any{"action": s.action})
		if err != nil {
			return "", err
		}
		return "action not found: " + s.action, nil
	}

	args := map[string]interface{}{}
	if a.NeedsArguments() {
		prompt, fn := a.Compose(s.c)
		comp, err := e.llm.Complete(ctx, prompt, fn)
		if err != nil {
			return "", err
		}
		if comp.Arguments != nil {
			args = comp.Arguments
		}
	}

	res, err := e.registry.Use(ctx, a.Name, args)
	if err != nil {
		return "", err
	}

	text := describe(res.Result)
	if !res.Success {
		text = res.Response
	}
	encoded, _ := json.Marshal(args)
	_, err = e.store.CreateEvent(ctx, text, memory.EventAction, a.Name, e.cfg.AgentID, map[string]any{
		"success":   res.Success,
		"arguments": string(encoded),
	})
	if err != nil {
		return "", err
	}
	return a.Name + ": " + text, nil
}

func describe(v interface{}) string {
	switch r := v.(type) {
	case nil:
		return "done"
	case string:
		return r
	case fmt.Stringer:
		return r.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

type knowledgeItem struct {
	Content string
	memory.KnowledgeMeta
}

// knowledgeItems accepts either objects or bare strings.
func knowledgeItems(raw interface{}) []knowledgeItem {
	list, _ := raw.([]interface{})
	out := make([]knowledgeItem, 0, len(list))
	for _, v := range list {
		switch item := v.(type) {
		case string:
			if strings.TrimSpace(item) != "" {
				out = append(out, knowledgeItem{Content: item})
			}
		case map[string]interface{}:
			content := strings.TrimSpace(stringArg(item, "content"))
			if content == "" {
				continue
			}
			out = append(out, knowledgeItem{
				Content: content,
				KnowledgeMeta: memory.KnowledgeMeta{
					Source:       stringArg(item, "source"),
					Relationship: stringArg(item, "relationship"),
				},
			})
		}
	}
	return out
}
