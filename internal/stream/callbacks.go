package stream

import "github.com/telnet2/go-practice/agentstream/pkg/types"

// Callbacks receive the events of one turn. They are invoked from the turn's
// goroutine, one at a time and in arrival order. Nil callbacks are ignored.
//
// OnResponse and OnError are mutually exclusive and fire at most once.
// OnDone fires exactly once and always last, including after Abort.
type Callbacks struct {
	OnStart            func()
	OnOrchestratorStep func(types.OrchestratorStep)
	OnWorkerStep       func(types.WorkerStep)
	OnResponse         func(types.ResponsePayload)
	OnError            func(message string)
	OnDone             func()
}

func (c *Callbacks) defaults() *Callbacks {
	c.OnStart = func() {}
	c.OnOrchestratorStep = func(types.OrchestratorStep) {}
	c.OnWorkerStep = func(types.WorkerStep) {}
	c.OnResponse = func(types.ResponsePayload) {}
	c.OnError = func(string) {}
	c.OnDone = func() {}
	return c
}

func (c *Callbacks) with(cb Callbacks) *Callbacks {
	if cb.OnStart != nil {
		c.OnStart = cb.OnStart
	}
	if cb.OnOrchestratorStep != nil {
		c.OnOrchestratorStep = cb.OnOrchestratorStep
	}
	if cb.OnWorkerStep != nil {
		c.OnWorkerStep = cb.OnWorkerStep
	}
	if cb.OnResponse != nil {
		c.OnResponse = cb.OnResponse
	}
	if cb.OnError != nil {
		c.OnError = cb.OnError
	}
	if cb.OnDone != nil {
		c.OnDone = cb.OnDone
	}
	return c
}

// dispatch routes a non-done event to its callback.
func (c *Callbacks) dispatch(ev types.Event) {
	switch e := ev.(type) {
	case types.StartEvent:
		c.OnStart()
	case types.OrchestratorStepEvent:
		c.OnOrchestratorStep(e.Step)
	case types.WorkerStepEvent:
		c.OnWorkerStep(e.Step)
	case types.ResponseEvent:
		c.OnResponse(e.Payload)
	case types.ErrorEvent:
		c.OnError(e.Message)
	}
}
