// Package chat is the send flow: it ties the session API, the message
// reconciler, the stream controller and draft persistence together so that a
// caller only has to Send and render.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/agentstream/internal/draft"
	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/internal/logging"
	"github.com/telnet2/go-practice/agentstream/internal/reconcile"
	"github.com/telnet2/go-practice/agentstream/internal/stream"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

var (
	// ErrTurnInFlight is returned when the session already has a turn streaming.
	ErrTurnInFlight = errors.New("a turn is already in progress for this session")
	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoSession is returned when no session id is given and none can be created.
	ErrNoSession = errors.New("no session")
)

const titleLen = 50

// SessionAPI is the subset of the session client the send flow needs.
type SessionAPI interface {
	Ensure(ctx context.Context, id, title string) (*types.Session, bool, error)
	Messages(ctx context.Context, id string) ([]types.Message, error)
}

// Streamer opens turn streams. *stream.Controller satisfies it.
type Streamer interface {
	OpenStream(ctx context.Context, sessionID, message string, opts types.SendOptions, cb stream.Callbacks) *stream.Handle
}

// SourceResolver fills in document ids of answer sources. It is called from
// the turn goroutine with a context that is cancelled on Abort.
type SourceResolver interface {
	ResolveSources(ctx context.Context, refs []types.SourceRef) ([]types.SourceRef, error)
}

// Option configures a Sender.
type Option func(*Sender)

// WithBus publishes turn progress on bus.
func WithBus(bus *event.Bus) Option { return func(s *Sender) { s.bus = bus } }

// WithSourceResolver resolves answer sources before the turn is committed.
func WithSourceResolver(r SourceResolver) Option { return func(s *Sender) { s.resolver = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Sender) { s.now = now } }

// Sender runs turns. Use one Sender per message store.
type Sender struct {
	sessions SessionAPI
	messages *reconcile.Store
	streams  Streamer
	drafts   *draft.Store
	bus      *event.Bus
	resolver SourceResolver
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	turns   map[string]*Turn
	banners map[string]string
}

// NewSender creates a Sender. sessions and drafts may be nil: without
// sessions every Send needs an existing session id, without drafts nothing
// is persisted.
func NewSender(sessions SessionAPI, messages *reconcile.Store, streams Streamer, drafts *draft.Store, opts ...Option) *Sender {
	s := &Sender{
		sessions: sessions,
		messages: messages,
		streams:  streams,
		drafts:   drafts,
		now:      time.Now,
		log:      logging.Component("chat"),
		turns:    make(map[string]*Turn),
		banners:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send starts a turn for sessionID, creating the session first when the id
// is empty or unknown. It returns once the placeholders are in the message
// list and the stream is opening; the outcome is observed through the Turn
// and the bus. ctx bounds the whole turn.
func (s *Sender) Send(ctx context.Context, sessionID, text string, opts types.SendOptions) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	opts, err := opts.Normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid send options: %w", err)
	}
	if sessionID != "" && s.Active(sessionID) != nil {
		return nil, ErrTurnInFlight
	}

	if s.sessions != nil {
		sess, created, err := s.sessions.Ensure(ctx, sessionID, title(text))
		if err != nil {
			return nil, fmt.Errorf("ensure session: %w", err)
		}
		if created {
			s.log.Info().Str("sessionID", sess.ID).Msg("created session for first message")
		}
		sessionID = sess.ID
	} else if sessionID == "" {
		return nil, ErrNoSession
	}

	t := &Turn{
		sender:      s,
		sessionID:   sessionID,
		text:        text,
		attachments: opts.Attachments,
		loading:     true,
	}

	s.mu.Lock()
	if _, busy := s.turns[sessionID]; busy {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	s.turns[sessionID] = t
	delete(s.banners, sessionID)
	s.mu.Unlock()

	if s.drafts != nil {
		s.drafts.Clear(ctx, sessionID)
	}
	t.placeholders = s.messages.BeginTurn(sessionID, text, opts.Attachments)

	t.resolveCtx, t.cancelResolve = context.WithCancel(ctx)
	t.mu.Lock()
	t.handle = s.streams.OpenStream(ctx, sessionID, text, opts, t.callbacks())
	t.mu.Unlock()

	s.log.Debug().Str("sessionID", sessionID).Str("turnID", t.ID()).Str("mode", string(opts.AgentMode)).Msg("turn started")
	return t, nil
}

// Active returns the in-flight turn of sessionID, or nil.
func (s *Sender) Active(sessionID string) *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[sessionID]
}

// Banner returns the error banner of sessionID, empty when there is none.
func (s *Sender) Banner(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banners[sessionID]
}

// DismissError clears the error banner of sessionID.
func (s *Sender) DismissError(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.banners, sessionID)
}

// Open loads the history of sessionID into the message store and returns it.
// While a turn is in flight the current list is kept so its placeholders
// survive navigation.
func (s *Sender) Open(ctx context.Context, sessionID string) (reconcile.Snapshot, error) {
	if s.Active(sessionID) != nil || s.sessions == nil {
		return s.messages.Snapshot(sessionID), nil
	}
	history, err := s.sessions.Messages(ctx, sessionID)
	if err != nil {
		return reconcile.Snapshot{}, fmt.Errorf("load messages: %w", err)
	}
	if s.Active(sessionID) != nil {
		return s.messages.Snapshot(sessionID), nil
	}
	return s.messages.Load(sessionID, history), nil
}

func (s *Sender) release(t *Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns[t.sessionID] == t {
		delete(s.turns, t.sessionID)
	}
}

func (s *Sender) setBanner(sessionID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banners[sessionID] = msg
}

func (s *Sender) publish(t event.EventType, data any) {
	if s.bus != nil {
		s.bus.PublishSync(event.Event{Type: t, Data: data})
	}
}

// title derives a session title from the first line of the message.
func title(text string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(text), "\n", 2)[0])
	if utf8.RuneCountInString(line) <= titleLen {
		return line
	}
	return string([]rune(line)[:titleLen]) + "…"
}
