// Package reconcile owns the message list of each session and the three
// transitions a turn applies to it: insert optimistic placeholders, replace
// them with the authoritative messages, or drop them on failure.
//
// Every transition returns a new Snapshot with a freshly allocated slice. A
// Messages slice that has been handed out is never modified again, so readers
// may keep and render it without locking.
package reconcile

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Snapshot is one version of a session's message list.
type Snapshot struct {
	SessionID string          `json:"sessionID"`
	Messages  []types.Message `json:"messages"`
	Version   uint64          `json:"version"`
}

// Pending returns the placeholders currently in the list.
func (s Snapshot) Pending() []*types.PendingMessage {
	var out []*types.PendingMessage
	for _, m := range s.Messages {
		if p, ok := m.(*types.PendingMessage); ok {
			out = append(out, p)
		}
	}
	return out
}

// Placeholders are the two optimistic messages inserted for a turn.
type Placeholders struct {
	User      *types.PendingMessage
	Assistant *types.PendingMessage
}

var newLocalID = uuid.NewString

// BeginTurn appends a pending user message carrying text and attachments and
// an empty pending assistant message. Placeholders left over from an earlier
// turn are removed first.
func BeginTurn(s Snapshot, text string, attachments []types.AttachmentInfo, now time.Time) (Snapshot, Placeholders) {
	ph := Placeholders{
		User: &types.PendingMessage{
			LocalID:     newLocalID(),
			Role:        types.RoleUser,
			Content:     text,
			Attachments: slices.Clone(attachments),
			CreatedAt:   now,
		},
		Assistant: &types.PendingMessage{
			LocalID:   newLocalID(),
			Role:      types.RoleAssistant,
			CreatedAt: now,
		},
	}
	msgs := withoutPending(s.Messages, 2)
	msgs = append(msgs, ph.User, ph.Assistant)
	return next(s, msgs), ph
}

// CommitSuccess removes every placeholder and appends user and assistant, in
// that order. A confirmed message already present with the same id is
// replaced rather than duplicated.
func CommitSuccess(s Snapshot, user, assistant *types.ConfirmedMessage) Snapshot {
	msgs := make([]types.Message, 0, len(s.Messages)+2)
	for _, m := range s.Messages {
		if types.IsPending(m) {
			continue
		}
		if id := m.MessageID(); id == user.ID || id == assistant.ID {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, user, assistant)
	return next(s, msgs)
}

// CommitFailure removes every placeholder and leaves the rest untouched.
func CommitFailure(s Snapshot) Snapshot {
	return next(s, withoutPending(s.Messages, 0))
}

func withoutPending(msgs []types.Message, extra int) []types.Message {
	out := make([]types.Message, 0, len(msgs)+extra)
	for _, m := range msgs {
		if !types.IsPending(m) {
			out = append(out, m)
		}
	}
	return out
}

func next(s Snapshot, msgs []types.Message) Snapshot {
	return Snapshot{SessionID: s.SessionID, Messages: msgs, Version: s.Version + 1}
}
