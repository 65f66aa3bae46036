package wire

import "encoding/json"

// Inbound WebSocket message types (client to server).
const (
	ClientTypeAuth         = "auth"
	ClientTypeChatAttach   = "chatAttach"
	ClientTypeChatDetach   = "chatDetach"
	ClientTypeChatMessage  = "chatMessage"
	ClientTypeChatCancel   = "chatCancel"
	ClientTypeChatApproval = "chatApproval"
	ClientTypeChatInput    = "chatInput"
	ClientTypeWatch        = "watch"
	ClientTypeUnwatch      = "unwatch"
)

// Outbound WebSocket message types (server to client).
const (
	ServerTypeAuth                 = "auth"
	ServerTypeChatAttached         = "chatAttached"
	ServerTypeChatContentBlocks    = "chatContentBlocks"
	ServerTypeChatHistory          = "chatHistory"
	ServerTypeChatEvent            = "chatEvent"
	ServerTypeChatData             = "chatData"
	ServerTypeChatMessageSent      = "chatMessageSent"
	ServerTypeChatSessionSuspended = "chatSessionSuspended"
	ServerTypeChatSessionEnded     = "chatSessionEnded"
	ServerTypeChatCancelled        = "chatCancelled"
	ServerTypeChatError            = "chatError"
)

// ClientMessage is the envelope for every inbound WebSocket message.
// Type is required; the remaining fields are populated per type.
type ClientMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// chatMessage / chatInput
	Content string `json:"content,omitempty"`

	// chatApproval
	BlockID  string `json:"blockId,omitempty"`
	Approved *bool  `json:"approved,omitempty"`

	// watch marks the conversation the client is visibly rendering;
	// at most one per client.
	Visible bool `json:"visible,omitempty"`
}

// ServerMessage is the envelope for every outbound WebSocket message.
type ServerMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`

	// chatContentBlocks / chatHistory
	Blocks []*Block `json:"blocks,omitempty"`

	// chatEvent
	Block *Block `json:"block,omitempty"`

	// chatData raw passthrough fallback
	Data string `json:"data,omitempty"`

	// chatSessionSuspended / chatSessionEnded
	Reason string `json:"reason,omitempty"`

	// chatError
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// auth ack
	OK bool `json:"ok,omitempty"`
}

// Encode marshals the message for the socket.
func (m *ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
