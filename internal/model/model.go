// Package model defines the session state and message types shared across
// the server.
package model

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolState is the normalized execution state of a tool call.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// ToolCall is a single tool invocation observed in an assistant message.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    interface{}            `json:"result,omitempty"`
	State     ToolState              `json:"state"`
}

// MessagePart is either a text span or a tool call. Exactly one of Text
// and Tool is meaningful, discriminated by Type.
type MessagePart struct {
	Type string    `json:"type"` // "text" or "tool"
	Text string    `json:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty"`
}

// TextPart builds a text message part.
func TextPart(text string) MessagePart {
	return MessagePart{Type: "text", Text: text}
}

// ToolPart builds a tool message part.
func ToolPart(call *ToolCall) MessagePart {
	return MessagePart{Type: "tool", Tool: call}
}

// Message is one entry in a session transcript.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []MessagePart `json:"parts"`
	Timestamp int64         `json:"timestamp"` // unix milliseconds
}

// SessionState is the durable root entity for one session. Mutated only
// by the session actor.
type SessionState struct {
	SessionID        string    `json:"sessionId"`
	Repo             string    `json:"repo"`
	UserID           string    `json:"userId"`
	SelectedModel    string    `json:"selectedModel,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	SandboxID        string    `json:"sandboxId,omitempty"`
	SandboxURL       string    `json:"sandboxUrl,omitempty"`
	SnapshotID       string    `json:"snapshotId,omitempty"`
	AgentSessionID   string    `json:"agentSessionId,omitempty"`
	Status           Status    `json:"status"`
	IsProcessing     bool      `json:"isProcessing"`
	Messages         []Message `json:"messages"`
	StreamingMessage *Message  `json:"streamingMessage,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        int64     `json:"createdAt"`
	UpdatedAt        int64     `json:"updatedAt"`
}

// SessionStateView is the client-facing projection of SessionState: the
// in-progress streaming message, if any, is folded into Messages and the
// raw field is not exposed.
type SessionStateView struct {
	SessionID      string    `json:"sessionId"`
	Repo           string    `json:"repo"`
	UserID         string    `json:"userId"`
	SelectedModel  string    `json:"selectedModel,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	SandboxID      string    `json:"sandboxId,omitempty"`
	SandboxURL     string    `json:"sandboxUrl,omitempty"`
	SnapshotID     string    `json:"snapshotId,omitempty"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	Status         Status    `json:"status"`
	IsProcessing   bool      `json:"isProcessing"`
	Messages       []Message `json:"messages"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      int64     `json:"createdAt"`
	UpdatedAt      int64     `json:"updatedAt"`
}

// View builds the client-facing projection.
func (s *SessionState) View() SessionStateView {
	messages := make([]Message, len(s.Messages), len(s.Messages)+1)
	copy(messages, s.Messages)
	if s.StreamingMessage != nil {
		messages = append(messages, *s.StreamingMessage)
	}
	return SessionStateView{
		SessionID:      s.SessionID,
		Repo:           s.Repo,
		UserID:         s.UserID,
		SelectedModel:  s.SelectedModel,
		Provider:       s.Provider,
		SandboxID:      s.SandboxID,
		SandboxURL:     s.SandboxURL,
		SnapshotID:     s.SnapshotID,
		AgentSessionID: s.AgentSessionID,
		Status:         s.Status,
		IsProcessing:   s.IsProcessing,
		Messages:       messages,
		Error:          s.Error,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Touch advances UpdatedAt, keeping it monotonic even when the clock
// does not move between writes.
func (s *SessionState) Touch() {
	now := NowMillis()
	if now <= s.UpdatedAt {
		now = s.UpdatedAt + 1
	}
	s.UpdatedAt = now
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
