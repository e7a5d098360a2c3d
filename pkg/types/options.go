package types

import "fmt"

// AgentMode selects the backend's reasoning budget. It is passed through
// untouched and does not affect client-side protocol handling.
type AgentMode string

const (
	AgentModeAuto     AgentMode = "auto"
	AgentModeThinking AgentMode = "thinking"
	AgentModeFast     AgentMode = "fast"
)

// ParseAgentMode parses a mode name; the empty string maps to AgentModeAuto.
func ParseAgentMode(s string) (AgentMode, error) {
	switch AgentMode(s) {
	case "":
		return AgentModeAuto, nil
	case AgentModeAuto, AgentModeThinking, AgentModeFast:
		return AgentMode(s), nil
	}
	return "", fmt.Errorf("unknown agent mode %q (want auto|thinking|fast)", s)
}

// AttachmentInfo references an uploaded document attached to a message.
type AttachmentInfo struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// SendOptions are the per-turn options supplied by the caller.
type SendOptions struct {
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	AgentMode   AgentMode        `json:"agent_mode"`
}

// Normalize fills defaults and validates the options.
func (o SendOptions) Normalize() (SendOptions, error) {
	mode, err := ParseAgentMode(string(o.AgentMode))
	if err != nil {
		return o, err
	}
	o.AgentMode = mode
	for i, a := range o.Attachments {
		if a.ID == "" {
			return o, fmt.Errorf("attachment %d: missing id", i)
		}
	}
	return o, nil
}
