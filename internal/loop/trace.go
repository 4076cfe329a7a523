package loop

import (
	"time"
)

// Phase names one step of the cycle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseObserve Phase = "observe"
	PhaseOrient  Phase = "orient"
	PhaseDecide  Phase = "decide"
	PhaseAct     Phase = "act"
)

// Trace records what one cycle did, phase by phase.
type Trace struct {
	Epoch     int           `json:"epoch"`
	Steps     []TraceStep   `json:"steps"`
	Aborted   string        `json:"aborted,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// TraceStep is one completed phase.
type TraceStep struct {
	Phase     Phase         `json:"phase"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

func newTrace() *Trace {
	return &Trace{StartedAt: time.Now()}
}

func (t *Trace) add(phase Phase, content string, started time.Time) {
	t.Steps = append(t.Steps, TraceStep{
		Phase:     phase,
		Content:   content,
		Timestamp: started,
		Duration:  time.Since(started),
	})
}

func (t *Trace) finish() {
	t.Duration = time.Since(t.StartedAt)
}
