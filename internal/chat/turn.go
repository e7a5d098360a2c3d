package chat

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/internal/reconcile"
	"github.com/telnet2/go-practice/agentstream/internal/stream"
	"github.com/telnet2/go-practice/agentstream/internal/trace"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Outcome is how a turn ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	}
	return "pending"
}

// Turn is one in-flight or finished send.
type Turn struct {
	sender       *Sender
	sessionID    string
	text         string
	attachments  []types.AttachmentInfo
	placeholders reconcile.Placeholders

	resolveCtx    context.Context
	cancelResolve context.CancelFunc

	mu        sync.Mutex
	handle    *stream.Handle
	live      *trace.LiveTrace
	loading   bool
	outcome   Outcome
	err       string
	user      *types.ConfirmedMessage
	assistant *types.ConfirmedMessage
}

// ID is the turn id.
func (t *Turn) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil {
		return ""
	}
	return t.handle.TurnID()
}

// SessionID is the session the turn was sent to.
func (t *Turn) SessionID() string { return t.sessionID }

// Placeholders are the optimistic messages inserted for the turn.
func (t *Turn) Placeholders() reconcile.Placeholders { return t.placeholders }

// LiveTrace returns a copy of the in-progress trace. ok is false before the
// stream started and after the turn resolved.
func (t *Turn) LiveTrace() (lt trace.LiveTrace, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live == nil {
		return trace.LiveTrace{}, false
	}
	return t.live.Clone(), true
}

// IsLoading reports whether the turn has not seen done yet.
func (t *Turn) IsLoading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

// Outcome reports how the turn ended so far.
func (t *Turn) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err is the error message of a failed turn.
func (t *Turn) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the authoritative messages of a completed turn.
func (t *Turn) Result() (user, assistant *types.ConfirmedMessage, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.user, t.assistant, t.outcome == OutcomeCompleted
}

// Abort cancels the turn. The placeholders are removed and no error banner
// is shown. Safe to call more than once and after the turn finished.
func (t *Turn) Abort() {
	t.cancelResolve()
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		h.Abort()
	}
}

// Done is closed once the turn finished and its state is final.
func (t *Turn) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle.Done()
}

// Wait blocks until the turn is done or ctx ends.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Turn) callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnStart:            func() { t.fold(types.StartEvent{}) },
		OnOrchestratorStep: func(step types.OrchestratorStep) { t.fold(types.OrchestratorStepEvent{Step: step}) },
		OnWorkerStep:       func(step types.WorkerStep) { t.fold(types.WorkerStepEvent{Step: step}) },
		OnResponse:         t.onResponse,
		OnError:            t.onError,
		OnDone:             t.onDone,
	}
}

func (t *Turn) fold(ev types.Event) {
	s := t.sender
	t.mu.Lock()
	lt := trace.LiveTrace{}
	if t.live != nil {
		lt = *t.live
	}
	lt = trace.Fold(lt, ev, s.now())
	t.live = &lt
	snapshot := lt.Clone()
	t.mu.Unlock()

	if ev.EventType() == types.EventStart {
		s.publish(event.TurnStarted, event.TurnStartedData{SessionID: t.sessionID, TurnID: t.ID()})
	}
	s.publish(event.TraceUpdated, event.TraceUpdatedData{SessionID: t.sessionID, TurnID: t.ID(), Trace: snapshot})
}

func (t *Turn) onResponse(p types.ResponsePayload) {
	s := t.sender
	sources := p.Sources
	if s.resolver != nil && len(sources) > 0 {
		resolved, err := s.resolver.ResolveSources(t.resolveCtx, sources)
		if err != nil {
			s.log.Warn().Err(err).Str("sessionID", t.sessionID).Msg("could not resolve sources")
		} else {
			sources = resolved
		}
	}
	if t.resolveCtx.Err() != nil {
		// Aborted while resolving; onDone rolls back.
		return
	}

	now := s.now()
	user := &types.ConfirmedMessage{
		ID:          idOr(p.UserMessageID),
		SessionID:   t.sessionID,
		Role:        types.RoleUser,
		Content:     t.text,
		Attachments: t.attachments,
		CreatedAt:   t.placeholders.User.CreatedAt,
	}
	assistant := &types.ConfirmedMessage{
		ID:        idOr(p.AssistantMessageID),
		SessionID: t.sessionID,
		Role:      types.RoleAssistant,
		Content:   p.Content,
		Sources:   sources,
		Stats:     p.Stats,
		Trace:     p.Trace,
		CreatedAt: now,
	}
	s.messages.CommitSuccess(t.sessionID, user, assistant)

	t.mu.Lock()
	t.live = nil
	t.outcome = OutcomeCompleted
	t.user, t.assistant = user, assistant
	t.mu.Unlock()

	s.publish(event.TurnCompleted, event.TurnCompletedData{
		SessionID: t.sessionID, TurnID: t.ID(), User: user, Assistant: assistant,
	})
}

func (t *Turn) onError(msg string) {
	s := t.sender
	s.messages.CommitFailure(t.sessionID)
	s.setBanner(t.sessionID, msg)

	t.mu.Lock()
	t.live = nil
	t.outcome = OutcomeFailed
	t.err = msg
	t.mu.Unlock()

	s.log.Info().Str("sessionID", t.sessionID).Str("reason", msg).Msg("turn failed")
	s.publish(event.TurnFailed, event.TurnFailedData{SessionID: t.sessionID, TurnID: t.ID(), Error: msg})
}

func (t *Turn) onDone() {
	s := t.sender
	t.mu.Lock()
	unresolved := t.outcome == OutcomePending
	if unresolved {
		t.outcome = OutcomeAborted
		t.live = nil
	}
	t.loading = false
	t.mu.Unlock()

	if unresolved {
		s.messages.CommitFailure(t.sessionID)
		s.publish(event.TurnAborted, event.TurnAbortedData{SessionID: t.sessionID, TurnID: t.ID()})
	}
	t.cancelResolve()
	s.release(t)
}

// idOr returns id, or a fresh one when the server did not send any.
func idOr(id string) string {
	if id != "" {
		return id
	}
	return ulid.Make().String()
}
