// Package store persists conversations and messages. The SQL
// implementation is the source of truth; history buffers and WebSocket
// delivery are best-effort caches in front of it.
package store

import (
	"context"
	"time"

	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/pkg/wire"
)

// ConversationPatch is an atomic partial update. Nil fields are left
// untouched.
type ConversationPatch struct {
	Topic        *string
	Model        *string
	Status       *models.Status
	SessionID    *string
	LastActivity *time.Time
}

// Store is the durable conversation and message store.
//
// AppendMessage is append-only for terminal blocks. For partial blocks
// it upserts by block id: content is last-write-wins, input keys are
// merged, the original timestamp and insertion order are kept. A block
// already finalized (isPartial=false) is terminal; appending the same
// id again is a no-op.
type Store interface {
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error
	// DeleteConversation tombstones the row and cascades to messages.
	// Deleting a missing or already-deleted conversation succeeds.
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, filter models.ConversationFilter) ([]*models.Conversation, error)

	AppendMessage(ctx context.Context, conversationID string, block *wire.Block) error
	GetMessages(ctx context.Context, conversationID string, opts models.ListMessagesOptions) ([]*wire.Block, error)
	// CopyMessages duplicates all messages of src under dst. Used by fork.
	CopyMessages(ctx context.Context, srcConversationID, dstConversationID string) error
	// LastTextBlocks returns up to limit most recent finalized text
	// blocks in chronological order. Used for transcript-replay resume.
	LastTextBlocks(ctx context.Context, conversationID string, limit int) ([]*wire.Block, error)

	// MarkActiveSuspended flips every active conversation to suspended.
	// Called once at boot: no live PTY survives a restart.
	MarkActiveSuspended(ctx context.Context) (int64, error)

	Close() error
}
