// Package types defines the wire and in-memory data model shared by the
// streaming engine: protocol events, message variants and send options.
package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// EventType is the discriminator carried in every wire fragment.
type EventType string

const (
	EventStart            EventType = "start"
	EventOrchestratorStep EventType = "orchestrator_step"
	EventWorkerStep       EventType = "worker_step"
	EventResponse         EventType = "response"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// Known reports whether t is one of the protocol tags.
func (t EventType) Known() bool {
	switch t {
	case EventStart, EventOrchestratorStep, EventWorkerStep, EventResponse, EventError, EventDone:
		return true
	}
	return false
}

// Event is one decoded protocol event.
type Event interface {
	EventType() EventType
}

// Envelope is the JSON framing of a single fragment: {"type": ..., "data": ...}.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartEvent signals that the response channel opened.
type StartEvent struct{}

func (StartEvent) EventType() EventType { return EventStart }

// OrchestratorStep is a planning or synthesis fragment from the top-level agent.
type OrchestratorStep struct {
	Phase      string  `json:"phase"`
	Reasoning  string  `json:"reasoning"`
	Output     string  `json:"output"`
	DurationMS float64 `json:"duration_ms"`
	Tokens     int     `json:"tokens"`
}

// UnmarshalJSON accepts any JSON number for tokens and truncates it.
func (s *OrchestratorStep) UnmarshalJSON(b []byte) error {
	type plain OrchestratorStep
	var raw struct {
		plain
		Tokens json.Number `json:"tokens"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	tokens, err := wholeNumber(raw.Tokens)
	if err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	*s = OrchestratorStep(raw.plain)
	s.Tokens = tokens
	return nil
}

// OrchestratorStepEvent wraps an OrchestratorStep.
type OrchestratorStepEvent struct {
	Step OrchestratorStep
}

func (OrchestratorStepEvent) EventType() EventType { return EventOrchestratorStep }

// Document is a retrieved document reported by a worker.
type Document struct {
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// WorkerStep reports the result of one parallel sub-task.
// Workers do not report tokens.
type WorkerStep struct {
	TaskID     string     `json:"task_id"`
	TaskType   string     `json:"task_type"`
	Tool       string     `json:"tool"`
	DurationMS float64    `json:"duration_ms"`
	Success    bool       `json:"success"`
	Documents  []Document `json:"documents"`
}

// WorkerStepEvent wraps a WorkerStep.
type WorkerStepEvent struct {
	Step WorkerStep
}

func (WorkerStepEvent) EventType() EventType { return EventWorkerStep }

// UsageStats are the token and cost counters of a turn.
type UsageStats struct {
	TotalTokens        int     `json:"total_tokens"`
	OrchestratorTokens int     `json:"orchestrator_tokens"`
	WorkerTokens       int     `json:"worker_tokens"`
	CostUSD            float64 `json:"cost_usd"`
}

// UnmarshalJSON accepts any JSON number for the token counters.
func (u *UsageStats) UnmarshalJSON(b []byte) error {
	var raw struct {
		TotalTokens        json.Number `json:"total_tokens"`
		OrchestratorTokens json.Number `json:"orchestrator_tokens"`
		WorkerTokens       json.Number `json:"worker_tokens"`
		CostUSD            float64     `json:"cost_usd"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out UsageStats
	for _, f := range []struct {
		name string
		n    json.Number
		dst  *int
	}{
		{"total_tokens", raw.TotalTokens, &out.TotalTokens},
		{"orchestrator_tokens", raw.OrchestratorTokens, &out.OrchestratorTokens},
		{"worker_tokens", raw.WorkerTokens, &out.WorkerTokens},
	} {
		v, err := wholeNumber(f.n)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	out.CostUSD = raw.CostUSD
	*u = out
	return nil
}

// SourceRef is a citation attached to an answer.
type SourceRef struct {
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Excerpt    string  `json:"excerpt,omitempty"`
}

// AgentTrace is the final, server-side record of the steps of a turn.
type AgentTrace struct {
	OrchestratorSteps []OrchestratorStep `json:"orchestrator_steps,omitempty"`
	WorkerSteps       []WorkerStep       `json:"worker_steps,omitempty"`
	Stats             *UsageStats        `json:"stats,omitempty"`
}

// ResponsePayload is the terminal success payload.
type ResponsePayload struct {
	Content string      `json:"content"`
	Sources []SourceRef `json:"sources,omitempty"`
	Stats   *UsageStats `json:"stats,omitempty"`
	Trace   *AgentTrace `json:"trace,omitempty"`

	// Server-issued ids of the persisted user and assistant messages.
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
}

// ResponseEvent carries the synthesized answer.
type ResponseEvent struct {
	Payload ResponsePayload
}

func (ResponseEvent) EventType() EventType { return EventResponse }

// ErrorPayload is the terminal failure payload.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ErrorEvent is a terminal failure. Synthetic is set when the client produced
// it (transport failure, premature close) rather than the backend.
type ErrorEvent struct {
	Message   string
	Synthetic bool
}

func (ErrorEvent) EventType() EventType { return EventError }

// DoneEvent releases the turn. It carries no business data.
type DoneEvent struct {
	Synthetic bool
}

func (DoneEvent) EventType() EventType { return EventDone }

// IsTerminal reports whether ev ends the turn-specific callbacks.
func IsTerminal(ev Event) bool {
	switch ev.EventType() {
	case EventResponse, EventError, EventDone:
		return true
	}
	return false
}

// wholeNumber converts a JSON number to an int, dropping any fraction.
// An absent number is zero.
func wholeNumber(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s is out of range", n)
	}
	return int(f), nil
}
