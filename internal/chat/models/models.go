// Package models defines the chat domain types shared by the store,
// session manager and transport layers.
package models

import "time"

// Tool identifies which agent CLI backs a conversation.
type Tool string

const (
	ToolClaude      Tool = "claude"
	ToolCursorAgent Tool = "cursor-agent"
	ToolGemini      Tool = "gemini"
	ToolCustom      Tool = "custom"
)

// Valid reports whether the tool is a known value.
func (t Tool) Valid() bool {
	switch t {
	case ToolClaude, ToolCursorAgent, ToolGemini, ToolCustom:
		return true
	}
	return false
}

// Mode is the agent operating mode requested for a conversation.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModePlan  Mode = "plan"
	ModeAsk   Mode = "ask"
)

// PermissionMode controls how tool approvals are handled.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypass"
	PermissionDontAsk     PermissionMode = "dontAsk"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusEnded     Status = "ended"
)

// Conversation is one chat with an agent CLI. Only its owning session
// or the session manager mutate it after creation.
type Conversation struct {
	ID             string         `json:"id" db:"id"`
	Tool           Tool           `json:"tool" db:"tool"`
	Topic          string         `json:"topic" db:"topic"`
	Model          string         `json:"model,omitempty" db:"model"`
	Mode           Mode           `json:"mode" db:"mode"`
	PermissionMode PermissionMode `json:"permissionMode" db:"permission_mode"`
	ProjectPath    string         `json:"projectPath" db:"project_path"`
	Status         Status         `json:"status" db:"status"`
	// SessionID is the opaque resume token some CLIs hand out
	// (Claude's session_id). Empty when the tool cannot resume.
	SessionID    string    `json:"sessionId,omitempty" db:"session_id"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
	LastActivity time.Time `json:"lastActivity" db:"last_activity"`
}

// ConversationFilter narrows listConversations.
type ConversationFilter struct {
	ProjectPath string
	Status      Status
	// ActiveSince keeps conversations whose lastActivity is within
	// the window. Zero means no activity filter.
	ActiveSince time.Time
}

// ListMessagesOptions paginates message history. Before is a block id
// cursor; results are ordered by (timestamp, insertion).
type ListMessagesOptions struct {
	Limit  int
	Before string
}

// PendingApproval tracks one in-flight tool approval.
type PendingApproval struct {
	ConversationID string    `json:"conversationId"`
	BlockID        string    `json:"blockId"`
	ToolID         string    `json:"toolId"`
	ToolName       string    `json:"toolName"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PendingNotification is a queued turn-completion signal for a
// conversation that had no visible subscriber when the turn finished.
type PendingNotification struct {
	ConversationID string    `json:"conversationId"`
	Topic          string    `json:"topic"`
	IsTurnComplete bool      `json:"isTurnComplete"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionRuntimeConfig is the mutable slice of session configuration
// exposed over the config endpoint. Updates publish atomically to the
// sweeper and the capacity check.
type SessionRuntimeConfig struct {
	InactivityTimeoutMs   int  `json:"inactivityTimeoutMs"`
	MaxConcurrentSessions int  `json:"maxConcurrentSessions"`
	AutoResumeEnabled     bool `json:"autoResumeEnabled"`
}
