// Package history keeps a bounded in-memory ring of recent blocks per
// conversation for reconnect replay. It is a cache: eviction never
// touches the store.
package history

import (
	"sync"

	"github.com/tetherdev/tetherd/pkg/wire"
)

// Buffer is a per-conversation bounded deque of recent blocks.
type Buffer struct {
	mu      sync.RWMutex
	cap     int
	entries map[string][]*wire.Block
}

// NewBuffer creates a buffer holding up to capacity blocks per
// conversation.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &Buffer{
		cap:     capacity,
		entries: make(map[string][]*wire.Block),
	}
}

// Append records a block. Partial updates replace the buffered entry
// with the same id so replay carries the latest accumulated state; a
// new id evicts from the head when the cap is reached.
func (b *Buffer) Append(conversationID string, block *wire.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blocks := b.entries[conversationID]
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].ID == block.ID {
			blocks[i] = block.Clone()
			return
		}
	}

	blocks = append(blocks, block.Clone())
	if len(blocks) > b.cap {
		// Copy down rather than re-slicing so evicted heads get freed.
		copy(blocks, blocks[len(blocks)-b.cap:])
		blocks = blocks[:b.cap]
	}
	b.entries[conversationID] = blocks
}

// Snapshot copies the buffered blocks of a conversation in insertion
// order.
func (b *Buffer) Snapshot(conversationID string) []*wire.Block {
	b.mu.RLock()
	defer b.mu.RUnlock()

	blocks := b.entries[conversationID]
	out := make([]*wire.Block, len(blocks))
	for i, blk := range blocks {
		out[i] = blk.Clone()
	}
	return out
}

// Drop discards the buffer of a conversation.
func (b *Buffer) Drop(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, conversationID)
}

// Len returns the number of buffered blocks for a conversation.
func (b *Buffer) Len(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries[conversationID])
}
