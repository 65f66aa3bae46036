// Package events provides event types and utilities for the tetherd event system.
package events

import "fmt"

// Event types for chat conversations. Sessions publish these; the
// WebSocket gateway and the notification queue consume them.
const (
	// ChatBlock carries one parsed content block in Data["block"].
	ChatBlock = "chat.block"
	// ChatRawData carries unparsed output for conversations whose
	// parser declared incapacity. Data["data"] holds the raw string.
	ChatRawData = "chat.raw_data"
	// ChatTurnComplete signals the end of a turn.
	ChatTurnComplete = "chat.turn_complete"
	// ChatSessionStarted signals a live agent process became ready.
	ChatSessionStarted = "chat.session.started"
	// ChatSessionSuspended signals the session was suspended.
	// Data["reason"] is "inactivity", "io" or "shutdown".
	ChatSessionSuspended = "chat.session.suspended"
	// ChatSessionEnded signals the session ended for good.
	ChatSessionEnded = "chat.session.ended"
	// ChatCancelled signals a turn was cancelled.
	ChatCancelled = "chat.cancelled"
)

// Subject prefixes. Per-conversation subjects keep ordering within a
// conversation while letting consumers subscribe with a wildcard.
const (
	subjectBlocks    = "chat.blocks"
	subjectLifecycle = "chat.lifecycle"
)

// BlockSubject returns the subject blocks of one conversation are
// published on.
func BlockSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", subjectBlocks, conversationID)
}

// BlockSubjectAll matches the block subjects of every conversation.
func BlockSubjectAll() string {
	return subjectBlocks + ".*"
}

// LifecycleSubject returns the subject lifecycle events of one
// conversation are published on.
func LifecycleSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", subjectLifecycle, conversationID)
}

// LifecycleSubjectAll matches the lifecycle subjects of every conversation.
func LifecycleSubjectAll() string {
	return subjectLifecycle + ".*"
}
