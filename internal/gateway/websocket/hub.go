// Package websocket is the realtime gateway. A single hub fans bus
// events out to attached clients; each client holds a bounded outbound
// queue and the set of conversations it follows.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/chat/history"
	"github.com/tetherdev/tetherd/internal/chat/manager"
	"github.com/tetherdev/tetherd/internal/chat/notify"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/internal/events"
	"github.com/tetherdev/tetherd/internal/events/bus"
	"github.com/tetherdev/tetherd/pkg/wire"
)

// Hub routes conversation events to attached WebSocket clients.
type Hub struct {
	manager *manager.Manager
	hist    *history.Buffer
	pending *notify.Queue
	bus     bus.EventBus
	logger  *logger.Logger

	queueSize int

	mu          sync.RWMutex
	clients     map[*Client]bool
	attachments map[string]map[*Client]bool

	subs []bus.Subscription
}

// NewHub creates a hub. Call Start to begin consuming bus events.
func NewHub(mgr *manager.Manager, hist *history.Buffer, pending *notify.Queue, eb bus.EventBus, queueSize int, log *logger.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		manager:     mgr,
		hist:        hist,
		pending:     pending,
		bus:         eb,
		logger:      log.WithFields(zap.String("component", "ws_hub")),
		queueSize:   queueSize,
		clients:     make(map[*Client]bool),
		attachments: make(map[string]map[*Client]bool),
	}
}

// Start subscribes to the block and lifecycle subjects of every
// conversation.
func (h *Hub) Start() error {
	blockSub, err := h.bus.Subscribe(events.BlockSubjectAll(), h.handleBlockEvent)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, blockSub)

	lifeSub, err := h.bus.Subscribe(events.LifecycleSubjectAll(), h.handleLifecycleEvent)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, lifeSub)
	return nil
}

// Stop drops the bus subscriptions and disconnects every client.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister removes a client and all of its attachments, then closes
// its send queue so the write pump exits.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for id, set := range h.attachments {
		delete(set, c)
		if len(set) == 0 {
			delete(h.attachments, id)
		}
	}
	h.mu.Unlock()

	c.closeSend()
}

// Attach subscribes a client to the block stream of a conversation.
func (h *Hub) Attach(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachLocked(c, conversationID)
}

func (h *Hub) attachLocked(c *Client, conversationID string) {
	set := h.attachments[conversationID]
	if set == nil {
		set = make(map[*Client]bool)
		h.attachments[conversationID] = set
	}
	set[c] = true
}

// AttachReplay replays the buffered history to a client and subscribes
// it, atomically with respect to block delivery. The snapshot goes out
// before the subscription takes effect, so a block is either in the
// chatHistory frame or delivered live, never both.
func (h *Hub) AttachReplay(c *Client, conversationID string) error {
	attached, err := (&wire.ServerMessage{
		Type:           wire.ServerTypeChatAttached,
		ConversationID: conversationID,
	}).Encode()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	replay, err := (&wire.ServerMessage{
		Type:           wire.ServerTypeChatHistory,
		ConversationID: conversationID,
		Blocks:         h.hist.Snapshot(conversationID),
	}).Encode()
	if err != nil {
		return err
	}
	c.trySend(attached)
	c.trySend(replay)
	h.attachLocked(c, conversationID)
	return nil
}

// Detach unsubscribes a client from a conversation.
func (h *Hub) Detach(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.attachments[conversationID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.attachments, conversationID)
	}
}

// hasVisible reports whether any attached client is rendering the
// conversation on screen. Pending notifications are only queued when
// nobody is.
func (h *Hub) hasVisible(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.attachments[conversationID] {
		if c.VisibleConversation() == conversationID {
			return true
		}
	}
	return false
}

// handleBlockEvent translates block subjects into chatEvent,
// chatContentBlocks or chatData frames.
func (h *Hub) handleBlockEvent(ctx context.Context, event *bus.Event) error {
	conversationID, _ := event.Data["conversation_id"].(string)
	if conversationID == "" {
		return nil
	}

	switch event.Type {
	case events.ChatBlock:
		if v, ok := event.Data["blocks"]; ok {
			blocks, err := decodeBlocks(v)
			if err != nil {
				h.logger.Warn("undecodable block batch event", zap.Error(err))
				return nil
			}
			h.deliverBlocks(conversationID, blocks)
			return nil
		}
		block, err := decodeBlock(event.Data["block"])
		if err != nil {
			h.logger.Warn("undecodable block event", zap.Error(err))
			return nil
		}
		h.deliverBlocks(conversationID, []*wire.Block{block})
	case events.ChatRawData:
		data, _ := event.Data["data"].(string)
		h.broadcast(conversationID, &wire.ServerMessage{
			Type:           wire.ServerTypeChatData,
			ConversationID: conversationID,
			Data:           data,
		})
	}
	return nil
}

// handleLifecycleEvent translates lifecycle subjects into session
// frames and feeds the pending notification queue.
func (h *Hub) handleLifecycleEvent(ctx context.Context, event *bus.Event) error {
	conversationID, _ := event.Data["conversation_id"].(string)
	if conversationID == "" {
		return nil
	}

	switch event.Type {
	case events.ChatTurnComplete:
		if !h.hasVisible(conversationID) {
			topic, _ := event.Data["topic"].(string)
			h.pending.Enqueue(conversationID, topic)
		}
	case events.ChatSessionSuspended:
		reason, _ := event.Data["reason"].(string)
		h.broadcast(conversationID, &wire.ServerMessage{
			Type:           wire.ServerTypeChatSessionSuspended,
			ConversationID: conversationID,
			Reason:         reason,
		})
	case events.ChatSessionEnded:
		h.broadcast(conversationID, &wire.ServerMessage{
			Type:           wire.ServerTypeChatSessionEnded,
			ConversationID: conversationID,
		})
	case events.ChatCancelled:
		h.broadcast(conversationID, &wire.ServerMessage{
			Type:           wire.ServerTypeChatCancelled,
			ConversationID: conversationID,
		})
	}
	return nil
}

// deliverBlocks appends parsed blocks to the history buffer and fans
// them out in one critical section, so an attach replay can never race
// a duplicate in. Multi-block batches ship as one chatContentBlocks
// frame; a single block stays a chatEvent frame.
func (h *Hub) deliverBlocks(conversationID string, blocks []*wire.Block) {
	if len(blocks) == 0 {
		return
	}
	msg := &wire.ServerMessage{ConversationID: conversationID}
	if len(blocks) == 1 {
		msg.Type = wire.ServerTypeChatEvent
		msg.Block = blocks[0]
	} else {
		msg.Type = wire.ServerTypeChatContentBlocks
		msg.Blocks = blocks
	}
	data, err := msg.Encode()
	if err != nil {
		h.logger.Error("failed to encode frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	for _, blk := range blocks {
		h.hist.Append(conversationID, blk)
	}
	dropped := h.fanOutLocked(conversationID, data)
	h.mu.Unlock()

	h.reportDropped(conversationID, dropped)
}

// broadcast delivers a frame to every client attached to the
// conversation.
func (h *Hub) broadcast(conversationID string, msg *wire.ServerMessage) {
	data, err := msg.Encode()
	if err != nil {
		h.logger.Error("failed to encode frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	dropped := h.fanOutLocked(conversationID, data)
	h.mu.Unlock()

	h.reportDropped(conversationID, dropped)
}

// fanOutLocked sends a frame to every attached client. A client whose
// queue is full loses the attachment rather than stalling the hub; the
// detached clients are returned. Caller holds h.mu.
func (h *Hub) fanOutLocked(conversationID string, data []byte) []*Client {
	var dropped []*Client
	for c := range h.attachments[conversationID] {
		if !c.trySend(data) {
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		set := h.attachments[conversationID]
		delete(set, c)
		if len(set) == 0 {
			delete(h.attachments, conversationID)
		}
	}
	return dropped
}

// reportDropped tells detached clients why their stream stopped.
func (h *Hub) reportDropped(conversationID string, dropped []*Client) {
	if len(dropped) == 0 {
		return
	}
	notice, err := (&wire.ServerMessage{
		Type:           wire.ServerTypeChatError,
		ConversationID: conversationID,
		Code:           "BackpressureDropped",
		Message:        "outbound queue overflow, re-attach to resume",
	}).Encode()
	if err != nil {
		return
	}
	for _, c := range dropped {
		h.logger.Warn("dropping slow subscriber",
			zap.String("client_id", c.ID),
			zap.String("conversation_id", conversationID))
		c.trySend(notice)
	}
}

// decodeBlock recovers a block from event data. The in-process bus
// hands the pointer through; a NATS hop degrades it to a JSON map.
func decodeBlock(v interface{}) (*wire.Block, error) {
	if block, ok := v.(*wire.Block); ok {
		return block, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var block wire.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// decodeBlocks recovers a block batch from event data.
func decodeBlocks(v interface{}) ([]*wire.Block, error) {
	if blocks, ok := v.([]*wire.Block); ok {
		return blocks, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var blocks []*wire.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}
