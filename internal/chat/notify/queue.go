// Package notify queues turn-completion signals for conversations that
// had no visible subscriber when the turn finished. The queue is
// in-memory and drained destructively by the pending endpoint.
package notify

import (
	"sync"
	"time"

	"github.com/tetherdev/tetherd/internal/chat/models"
)

const defaultPerConversation = 8

// Queue is a bounded per-conversation pending-notification buffer.
// When a conversation's bound is reached the oldest entry is dropped:
// the newest completion is the one worth telling the user about.
type Queue struct {
	mu      sync.Mutex
	bound   int
	entries map[string][]models.PendingNotification
}

// NewQueue creates a queue holding up to bound entries per conversation.
func NewQueue(bound int) *Queue {
	if bound <= 0 {
		bound = defaultPerConversation
	}
	return &Queue{
		bound:   bound,
		entries: make(map[string][]models.PendingNotification),
	}
}

// Enqueue records a turn completion for a conversation.
func (q *Queue) Enqueue(conversationID, topic string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.entries[conversationID]
	list = append(list, models.PendingNotification{
		ConversationID: conversationID,
		Topic:          topic,
		IsTurnComplete: true,
		CreatedAt:      time.Now(),
	})
	if len(list) > q.bound {
		list = list[len(list)-q.bound:]
	}
	q.entries[conversationID] = list
}

// Drain returns all queued notifications and empties the queue. There
// is no ack cursor: a crash between drain and display loses them.
func (q *Queue) Drain() []models.PendingNotification {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.PendingNotification
	for _, list := range q.entries {
		out = append(out, list...)
	}
	q.entries = make(map[string][]models.PendingNotification)
	return out
}

// Drop discards pending notifications for one conversation, used when
// a client attaches and will see the blocks directly.
func (q *Queue) Drop(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, conversationID)
}

// Len reports the total queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, list := range q.entries {
		n += len(list)
	}
	return n
}
