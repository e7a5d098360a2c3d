package reconcile

import (
	"sync"
	"time"

	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Store holds the current Snapshot of every known session, keyed by session
// id, so a turn that resolves after the user navigated away still lands on
// the session it was started for.
//
// Each change is published synchronously as event.SessionMessagesUpdated, in
// version order. Subscribers may read the store but must not mutate it from
// inside the callback.
type Store struct {
	bus *event.Bus
	now func() time.Time

	publishMu sync.Mutex // orders publications; taken before mu
	mu        sync.RWMutex
	sessions  map[string]Snapshot
}

// NewStore creates a Store. bus may be nil.
func NewStore(bus *event.Bus) *Store {
	return &Store{
		bus:      bus,
		now:      time.Now,
		sessions: make(map[string]Snapshot),
	}
}

// Snapshot returns the current list for sessionID. Unknown sessions have an
// empty list at version 0.
func (s *Store) Snapshot(sessionID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(sessionID)
}

// Load replaces the session's list with history, e.g. after fetching it from
// the server.
func (s *Store) Load(sessionID string, history []types.Message) Snapshot {
	return s.apply(sessionID, func(cur Snapshot) Snapshot {
		return next(cur, append([]types.Message(nil), history...))
	})
}

// BeginTurn inserts the placeholders of a new turn.
func (s *Store) BeginTurn(sessionID, text string, attachments []types.AttachmentInfo) Placeholders {
	var ph Placeholders
	s.apply(sessionID, func(cur Snapshot) Snapshot {
		var out Snapshot
		out, ph = BeginTurn(cur, text, attachments, s.now())
		return out
	})
	return ph
}

// CommitSuccess swaps the placeholders for the authoritative messages.
func (s *Store) CommitSuccess(sessionID string, user, assistant *types.ConfirmedMessage) Snapshot {
	return s.apply(sessionID, func(cur Snapshot) Snapshot {
		return CommitSuccess(cur, user, assistant)
	})
}

// CommitFailure drops the placeholders.
func (s *Store) CommitFailure(sessionID string) Snapshot {
	return s.apply(sessionID, CommitFailure)
}

// Forget drops a session, e.g. when it is deleted.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Store) get(sessionID string) Snapshot {
	if snap, ok := s.sessions[sessionID]; ok {
		return snap
	}
	return Snapshot{SessionID: sessionID, Messages: []types.Message{}}
}

func (s *Store) apply(sessionID string, fn func(Snapshot) Snapshot) Snapshot {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	snap := fn(s.get(sessionID))
	s.sessions[sessionID] = snap
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishSync(event.Event{
			Type: event.SessionMessagesUpdated,
			Data: event.SessionMessagesUpdatedData{
				SessionID: snap.SessionID,
				Version:   snap.Version,
				Messages:  snap.Messages,
			},
		})
	}
	return snap
}
