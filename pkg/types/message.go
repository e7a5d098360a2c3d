package types

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a chat message in one of two lifecycle states: pending (created
// optimistically by the client) or confirmed (issued by the server).
type Message interface {
	MessageID() string
	MessageRole() Role
	MessageContent() string
	isMessage()
}

// PendingMessage is an optimistic placeholder owned by the turn that created
// it. It is replaced, never mutated, once the turn resolves.
type PendingMessage struct {
	LocalID     string           `json:"localID"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func (m *PendingMessage) MessageID() string      { return m.LocalID }
func (m *PendingMessage) MessageRole() Role      { return m.Role }
func (m *PendingMessage) MessageContent() string { return m.Content }
func (m *PendingMessage) isMessage()             {}

// ConfirmedMessage is an authoritative message with a server-issued id.
type ConfirmedMessage struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionID"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	Sources     []SourceRef      `json:"sources,omitempty"`
	Stats       *UsageStats      `json:"stats,omitempty"`
	Trace       *AgentTrace      `json:"trace,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func (m *ConfirmedMessage) MessageID() string      { return m.ID }
func (m *ConfirmedMessage) MessageRole() Role      { return m.Role }
func (m *ConfirmedMessage) MessageContent() string { return m.Content }
func (m *ConfirmedMessage) isMessage()             {}

// IsPending reports whether m is an optimistic placeholder.
func IsPending(m Message) bool {
	_, ok := m.(*PendingMessage)
	return ok
}

// Session is the minimal session record the engine is handed by the session API.
type Session struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Time     SessionTime `json:"time"`
	FolderID string      `json:"folderID,omitempty"`
	Archived bool        `json:"archived,omitempty"`
}

// SessionTime contains session timestamps in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}
