package event

import (
	"github.com/telnet2/go-practice/agentstream/internal/trace"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// SessionMessagesUpdatedData carries a whole replacement of a session's
// message list. Version increases with every replacement for the session.
type SessionMessagesUpdatedData struct {
	SessionID string          `json:"sessionID"`
	Version   uint64          `json:"version"`
	Messages  []types.Message `json:"messages"`
}

// TurnStartedData is the data for turn.started events.
type TurnStartedData struct {
	SessionID string `json:"sessionID"`
	TurnID    string `json:"turnID"`
}

// TraceUpdatedData is the data for turn.trace.updated events.
type TraceUpdatedData struct {
	SessionID string          `json:"sessionID"`
	TurnID    string          `json:"turnID"`
	Trace     trace.LiveTrace `json:"trace"`
}

// TurnCompletedData is the data for turn.completed events.
type TurnCompletedData struct {
	SessionID string                  `json:"sessionID"`
	TurnID    string                  `json:"turnID"`
	User      *types.ConfirmedMessage `json:"user"`
	Assistant *types.ConfirmedMessage `json:"assistant"`
}

// TurnFailedData is the data for turn.failed events.
type TurnFailedData struct {
	SessionID string `json:"sessionID"`
	TurnID    string `json:"turnID"`
	Error     string `json:"error"`
}

// TurnAbortedData is the data for turn.aborted events.
type TurnAbortedData struct {
	SessionID string `json:"sessionID"`
	TurnID    string `json:"turnID"`
}

// DraftData is the data for draft.saved and draft.cleared events.
type DraftData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text,omitempty"`
}
