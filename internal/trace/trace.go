// Package trace folds protocol events into a LiveTrace, the in-progress view
// of an agent's intermediate steps for the current turn.
package trace

import (
	"slices"
	"time"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Synthetic phases set by the accumulator rather than by an orchestrator step.
const (
	PhaseStarting  = "starting"
	PhaseExecuting = "executing"
)

// LiveTrace is the accumulated state of one in-flight turn. It is a value:
// Fold never mutates the slices of the trace it was given.
type LiveTrace struct {
	OrchestratorSteps []types.OrchestratorStep `json:"orchestrator_steps"`
	WorkerSteps       []types.WorkerStep       `json:"worker_steps"`
	Stats             types.UsageStats         `json:"stats"`
	CurrentPhase      string                   `json:"current_phase"`
	StartTime         time.Time                `json:"start_time"`
}

// New returns the trace a turn starts with.
func New(now time.Time) LiveTrace {
	return LiveTrace{
		OrchestratorSteps: []types.OrchestratorStep{},
		WorkerSteps:       []types.WorkerStep{},
		CurrentPhase:      PhaseStarting,
		StartTime:         now,
	}
}

// Fold applies ev to lt and returns the result.
//
// Terminal events are not folded; the controller consumes them and discards
// the trace. Worker steps carry no tokens, so WorkerTokens is only ever known
// from the final response stats.
func Fold(lt LiveTrace, ev types.Event, now time.Time) LiveTrace {
	switch e := ev.(type) {
	case types.StartEvent:
		return New(now)

	case types.OrchestratorStepEvent:
		lt.OrchestratorSteps = appendCopy(lt.OrchestratorSteps, e.Step)
		lt.Stats.OrchestratorTokens += e.Step.Tokens
		lt.Stats.TotalTokens += e.Step.Tokens
		lt.CurrentPhase = e.Step.Phase

	case types.WorkerStepEvent:
		lt.WorkerSteps = appendCopy(lt.WorkerSteps, e.Step)
		lt.CurrentPhase = PhaseExecuting
	}
	return lt
}

// Elapsed is the time since the turn started.
func (lt LiveTrace) Elapsed(now time.Time) time.Duration {
	if lt.StartTime.IsZero() {
		return 0
	}
	return now.Sub(lt.StartTime)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (lt LiveTrace) Clone() LiveTrace {
	lt.OrchestratorSteps = slices.Clone(lt.OrchestratorSteps)
	lt.WorkerSteps = slices.Clone(lt.WorkerSteps)
	for i := range lt.WorkerSteps {
		lt.WorkerSteps[i].Documents = slices.Clone(lt.WorkerSteps[i].Documents)
	}
	return lt
}

// appendCopy appends v to a fresh backing array so earlier values of the
// trace keep seeing their own steps.
func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}
