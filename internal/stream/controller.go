// Package stream drives one streamed agent turn: it opens the response
// channel, decodes it and delivers the events to the caller's callbacks with
// the ordering and cancellation guarantees the UI relies on.
package stream

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telnet2/go-practice/agentstream/internal/logging"
	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Messages for preconditions that are reported through OnError.
const (
	MsgMissingSession = "no session selected"
	MsgEmptyMessage   = "message is empty"
)

// Option configures a Controller.
type Option func(*Controller)

// WithDecoder replaces the default decoder.
func WithDecoder(d *protocol.Decoder) Option {
	return func(c *Controller) { c.decoder = d }
}

// WithLogger replaces the "stream" component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller opens streams over a Transport.
type Controller struct {
	transport Transport
	decoder   *protocol.Decoder
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string // sessionID -> turnID
}

// NewController creates a Controller.
func NewController(t Transport, opts ...Option) *Controller {
	c := &Controller{
		transport: t,
		log:       logging.Component("stream"),
		inflight:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decoder == nil {
		c.decoder = protocol.NewDecoder(protocol.Options{Logger: &c.log})
	}
	return c
}

// OpenStream starts a turn and returns immediately. It never fails
// synchronously: invalid arguments and transport failures are reported
// through cb.OnError followed by cb.OnDone.
//
// Callers must not open a second stream for a session while one is in
// flight. The controller does not queue or reject such calls; it only logs them.
func (c *Controller) OpenStream(ctx context.Context, sessionID, message string, opts types.SendOptions, cb Callbacks) *Handle {
	turnCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		turnID:    ulid.Make().String(),
		sessionID: sessionID,
		cancel:    cancel,
		callbacks: *(new(Callbacks).defaults().with(cb)),
		done:      make(chan struct{}),
	}
	c.track(h)
	go c.run(turnCtx, h, Request{
		SessionID: sessionID,
		TurnID:    h.turnID,
		Message:   message,
		Options:   opts,
	})
	return h
}

// InFlight reports the turn currently streaming for sessionID, if any.
func (c *Controller) InFlight(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.inflight[sessionID]
	return id, ok
}

func (c *Controller) track(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.inflight[h.sessionID]; ok {
		c.log.Warn().
			Str("sessionID", h.sessionID).
			Str("turnID", h.turnID).
			Str("previousTurnID", prev).
			Msg("stream opened while another turn is in flight for the session")
	}
	c.inflight[h.sessionID] = h.turnID
}

func (c *Controller) untrack(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[h.sessionID] == h.turnID {
		delete(c.inflight, h.sessionID)
	}
}

func (c *Controller) run(ctx context.Context, h *Handle, req Request) {
	log := c.log.With().Str("sessionID", req.SessionID).Str("turnID", req.TurnID).Logger()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "stream.turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("turn.id", req.TurnID),
		attribute.String("agent.mode", string(req.Options.AgentMode)),
	))

	defer func() {
		h.cancel()
		c.untrack(h)
		h.finish()
		span.SetAttributes(attribute.Bool("turn.aborted", h.Aborted()))
		span.End()
		log.Debug().Dur("elapsed", time.Since(start)).Bool("aborted", h.Aborted()).Msg("turn finished")
	}()

	log.Debug().Msg("opening stream")
	for ev := range c.events(ctx, req, log) {
		// Checked before every callback so that Abort wins over buffered events.
		if h.Aborted() {
			span.AddEvent("aborted")
			return
		}
		span.AddEvent(string(ev.EventType()))
		switch e := ev.(type) {
		case types.DoneEvent:
			return
		case types.ErrorEvent:
			span.SetStatus(codes.Error, e.Message)
			log.Info().Str("reason", e.Message).Bool("synthetic", e.Synthetic).Msg("turn failed")
		case types.ResponseEvent:
			log.Debug().Int("sources", len(e.Payload.Sources)).Msg("turn resolved")
		}
		h.deliver(ev)
	}
	if ctx.Err() != nil && !h.Aborted() {
		// The parent context went away; treat it like an abort.
		h.aborted.Store(true)
		log.Debug().Err(context.Cause(ctx)).Msg("turn context cancelled")
	}
}

// events opens the channel and returns the decoded sequence. Every failure
// before decoding starts becomes a synthetic error followed by done.
func (c *Controller) events(ctx context.Context, req Request, log zerolog.Logger) iter.Seq[types.Event] {
	if strings.TrimSpace(req.SessionID) == "" {
		return protocol.Failure(MsgMissingSession)
	}
	if strings.TrimSpace(req.Message) == "" {
		return protocol.Failure(MsgEmptyMessage)
	}
	opts, err := req.Options.Normalize()
	if err != nil {
		return protocol.Failure(err.Error())
	}
	req.Options = opts

	ch, err := c.transport.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return func(func(types.Event) bool) {}
		}
		log.Warn().Err(err).Msg("failed to open stream")
		return protocol.Failure(transportMessage(err))
	}

	return func(yield func(types.Event) bool) {
		defer ch.Body.Close()
		// Closing the body unblocks a pending read once the turn is cancelled.
		stop := context.AfterFunc(ctx, func() { ch.Body.Close() })
		defer stop()
		for ev := range c.decoder.Decode(ctx, ch.Body, ch.Format) {
			if !yield(ev) {
				return
			}
		}
	}
}

// Handle controls one in-flight turn.
type Handle struct {
	turnID    string
	sessionID string
	cancel    context.CancelFunc
	callbacks Callbacks

	deliverMu sync.Mutex
	aborted   atomic.Bool
	abortOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

// TurnID is the client-side id of the turn.
func (h *Handle) TurnID() string { return h.turnID }

// SessionID is the session the turn belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// Abort stops the turn. After Abort returns no callback other than OnDone
// starts; OnDone still runs exactly once. Abort is idempotent and may be
// called from inside a callback. Once the turn is done Abort does nothing.
func (h *Handle) Abort() {
	select {
	case <-h.done:
		return
	default:
	}
	h.abortOnce.Do(func() {
		h.aborted.Store(true)
		h.cancel()
	})
}

// Aborted reports whether the turn was cancelled before it resolved.
func (h *Handle) Aborted() bool { return h.aborted.Load() }

// Done is closed after OnDone has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the turn is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) deliver(ev types.Event) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.Aborted() {
		return
	}
	h.callbacks.dispatch(ev)
}

func (h *Handle) finish() {
	h.doneOnce.Do(func() {
		h.deliverMu.Lock()
		h.callbacks.OnDone()
		h.deliverMu.Unlock()
		close(h.done)
	})
}
