// Package draft keeps the unsent composer text of each session.
//
// Drafts are written through to a durable KV. When the KV fails (disk full,
// read-only home, permissions) the store logs once and carries on in memory
// for the rest of the process: drafts then survive navigation but not a
// restart. No method returns an error and none blocks a send.
package draft

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/agentstream/internal/event"
	"github.com/telnet2/go-practice/agentstream/internal/logging"
	"github.com/telnet2/go-practice/agentstream/internal/storage"
)

const keyPrefix = "draft"

// KV is the durable backend. *storage.Storage satisfies it.
type KV interface {
	Get(ctx context.Context, key []string, v any) error
	Put(ctx context.Context, key []string, v any) error
	Delete(ctx context.Context, key []string) error
	List(ctx context.Context, prefix []string) ([]string, error)
}

// Draft is the persisted record.
type Draft struct {
	SessionID string    `json:"sessionID"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes drafts.
type Store struct {
	kv  KV
	bus *event.Bus
	log zerolog.Logger

	mu       sync.Mutex
	mem      map[string]string
	degraded bool
}

// New creates a Store. kv nil means memory only from the start; bus may be nil.
func New(kv KV, bus *event.Bus) *Store {
	return &Store{
		kv:       kv,
		bus:      bus,
		log:      logging.Component("draft"),
		mem:      make(map[string]string),
		degraded: kv == nil,
	}
}

func key(sessionID string) []string { return []string{keyPrefix, sessionID} }

// Degraded reports whether the store fell back to memory.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Save stores text verbatim. Saving an empty text clears the draft.
func (s *Store) Save(ctx context.Context, sessionID, text string) {
	if text == "" {
		s.Clear(ctx, sessionID)
		return
	}
	s.mu.Lock()
	s.mem[sessionID] = text
	durable := !s.degraded
	s.mu.Unlock()

	if durable {
		err := s.kv.Put(ctx, key(sessionID), Draft{SessionID: sessionID, Text: text, UpdatedAt: time.Now()})
		s.check(err, "save", sessionID)
	}
	s.publish(event.DraftSaved, event.DraftData{SessionID: sessionID, Text: text})
}

// Load returns the draft for sessionID, or "" when there is none.
func (s *Store) Load(ctx context.Context, sessionID string) string {
	s.mu.Lock()
	text, ok := s.mem[sessionID]
	durable := !s.degraded
	s.mu.Unlock()
	if ok || !durable {
		return text
	}

	var d Draft
	err := s.kv.Get(ctx, key(sessionID), &d)
	if errors.Is(err, storage.ErrNotFound) {
		return ""
	}
	if !s.check(err, "load", sessionID) {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A Save or Clear may have raced the read; memory wins.
	if cur, ok := s.mem[sessionID]; ok {
		return cur
	}
	s.mem[sessionID] = d.Text
	return d.Text
}

// Clear removes the draft of sessionID.
func (s *Store) Clear(ctx context.Context, sessionID string) {
	s.mu.Lock()
	s.mem[sessionID] = ""
	durable := !s.degraded
	s.mu.Unlock()

	if durable {
		s.check(s.kv.Delete(ctx, key(sessionID)), "clear", sessionID)
	}
	s.publish(event.DraftCleared, event.DraftData{SessionID: sessionID})
}

// Sessions lists the sessions that have a non-empty draft.
func (s *Store) Sessions(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string

	s.mu.Lock()
	durable := !s.degraded
	for id, text := range s.mem {
		seen[id] = true
		if text != "" {
			out = append(out, id)
		}
	}
	s.mu.Unlock()

	if durable {
		ids, err := s.kv.List(ctx, []string{keyPrefix})
		if s.check(err, "list", "") {
			for _, id := range ids {
				if !seen[id] {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// check switches to memory-only mode on a backend failure. It reports
// whether err was nil.
func (s *Store) check(err error, op, sessionID string) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, storage.ErrInvalidKey) {
		// The session id cannot be a key; the backend itself is fine.
		s.log.Warn().Err(err).Str("op", op).Str("sessionID", sessionID).Msg("draft kept in memory only")
		return false
	}
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if first {
		s.log.Warn().Err(err).Str("op", op).Str("sessionID", sessionID).
			Msg("draft storage unavailable, keeping drafts in memory")
	}
	return false
}

func (s *Store) publish(t event.EventType, d event.DraftData) {
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: t, Data: d})
	}
}
