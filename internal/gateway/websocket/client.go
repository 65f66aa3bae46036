package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/auth"
	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/internal/chat/session"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection
type Client struct {
	ID    string
	conn  *websocket.Conn
	hub   *Hub
	token *auth.Token
	send  chan []byte

	mu          sync.RWMutex
	authed      bool
	closed      bool
	attachments map[string]bool
	visible     string

	logger *logger.Logger
}

// NewClient creates a new WebSocket client. The connection starts
// unauthenticated unless the upgrade request carried a valid token.
func NewClient(id string, conn *websocket.Conn, hub *Hub, token *auth.Token, authed bool, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         hub,
		token:       token,
		send:        make(chan []byte, hub.queueSize),
		authed:      authed,
		attachments: make(map[string]bool),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// VisibleConversation returns the conversation this client is visibly
// rendering, or empty.
func (c *Client) VisibleConversation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visible
}

func (c *Client) isAuthed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendErrorCode("", "BadRequest", "invalid message format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, msg *wire.ClientMessage) {
	c.logger.Debug("Received message",
		zap.String("type", msg.Type),
		zap.String("conversation_id", msg.ConversationID))

	if msg.Type == wire.ClientTypeAuth {
		c.handleAuth(msg)
		return
	}
	if !c.isAuthed() {
		c.sendErrorCode(msg.ConversationID, models.ErrorCode(models.ErrUnauthorized), "authenticate first")
		return
	}

	switch msg.Type {
	case wire.ClientTypeChatAttach:
		c.handleAttach(ctx, msg)
	case wire.ClientTypeChatDetach:
		c.handleDetach(msg)
	case wire.ClientTypeChatMessage:
		c.handleChatMessage(ctx, msg)
	case wire.ClientTypeChatCancel:
		c.withSession(ctx, msg, func(s *session.Session) error {
			return s.Cancel(ctx)
		})
	case wire.ClientTypeChatApproval:
		c.handleApproval(ctx, msg)
	case wire.ClientTypeChatInput:
		c.withSession(ctx, msg, func(s *session.Session) error {
			return s.WriteInput(msg.Content)
		})
	case wire.ClientTypeWatch:
		c.handleWatch(msg)
	case wire.ClientTypeUnwatch:
		c.handleUnwatch(msg)
	default:
		c.sendErrorCode(msg.ConversationID, "BadRequest", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleAuth verifies the bearer token sent as the first frame.
func (c *Client) handleAuth(msg *wire.ClientMessage) {
	if !c.token.Verify(msg.Token) {
		c.sendErrorCode("", models.ErrorCode(models.ErrUnauthorized), "invalid token")
		c.conn.Close()
		return
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.sendMessage(&wire.ServerMessage{Type: wire.ServerTypeAuth, OK: true})
}

// handleAttach subscribes the client to a conversation and replays the
// buffered history so the UI can render without a cold REST fetch.
func (c *Client) handleAttach(ctx context.Context, msg *wire.ClientMessage) {
	if msg.ConversationID == "" {
		c.sendErrorCode("", "BadRequest", "conversationId is required")
		return
	}
	if _, err := c.hub.manager.Attach(ctx, msg.ConversationID); err != nil {
		c.sendError(msg.ConversationID, err)
		return
	}

	c.mu.Lock()
	c.attachments[msg.ConversationID] = true
	c.mu.Unlock()

	// Attaching means the client will see the blocks directly.
	c.hub.pending.Drop(msg.ConversationID)

	if err := c.hub.AttachReplay(c, msg.ConversationID); err != nil {
		c.sendError(msg.ConversationID, err)
	}
}

func (c *Client) handleDetach(msg *wire.ClientMessage) {
	if msg.ConversationID == "" {
		return
	}
	c.hub.Detach(c, msg.ConversationID)
	c.mu.Lock()
	delete(c.attachments, msg.ConversationID)
	if c.visible == msg.ConversationID {
		c.visible = ""
	}
	c.mu.Unlock()
}

func (c *Client) handleChatMessage(ctx context.Context, msg *wire.ClientMessage) {
	if msg.Content == "" {
		c.sendErrorCode(msg.ConversationID, "BadRequest", "content is required")
		return
	}
	sess, err := c.hub.manager.Attach(ctx, msg.ConversationID)
	if err != nil {
		c.sendError(msg.ConversationID, err)
		return
	}
	if err := sess.SendMessage(ctx, msg.Content); err != nil {
		c.sendError(msg.ConversationID, err)
		return
	}
	c.sendMessage(&wire.ServerMessage{
		Type:           wire.ServerTypeChatMessageSent,
		ConversationID: msg.ConversationID,
	})
}

func (c *Client) handleApproval(ctx context.Context, msg *wire.ClientMessage) {
	if msg.BlockID == "" || msg.Approved == nil {
		c.sendErrorCode(msg.ConversationID, "BadRequest", "blockId and approved are required")
		return
	}
	c.withSession(ctx, msg, func(s *session.Session) error {
		return s.Approve(ctx, msg.BlockID, *msg.Approved)
	})
}

// handleWatch marks the conversation as visibly rendered. A client
// watches at most one conversation; watching a new one replaces it.
func (c *Client) handleWatch(msg *wire.ClientMessage) {
	if msg.ConversationID == "" {
		c.sendErrorCode("", "BadRequest", "conversationId is required")
		return
	}
	c.mu.Lock()
	c.visible = msg.ConversationID
	c.mu.Unlock()
}

func (c *Client) handleUnwatch(msg *wire.ClientMessage) {
	c.mu.Lock()
	if msg.ConversationID == "" || c.visible == msg.ConversationID {
		c.visible = ""
	}
	c.mu.Unlock()
}

// withSession resolves the session for a message and applies op,
// reporting failures as chatError frames.
func (c *Client) withSession(ctx context.Context, msg *wire.ClientMessage, op func(*session.Session) error) {
	if msg.ConversationID == "" {
		c.sendErrorCode("", "BadRequest", "conversationId is required")
		return
	}
	sess, err := c.hub.manager.Attach(ctx, msg.ConversationID)
	if err != nil {
		c.sendError(msg.ConversationID, err)
		return
	}
	if err := op(sess); err != nil {
		c.sendError(msg.ConversationID, err)
	}
}

// trySend queues a frame without blocking. The closed flag is checked
// under the same lock closeSend takes, so a frame is never sent on a
// closed channel.
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound queue exactly once, stopping the write
// pump. Further trySend calls report failure instead of panicking.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// sendMessage queues a frame, logging on overflow.
func (c *Client) sendMessage(msg *wire.ServerMessage) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("Client send buffer full")
	}
}

func (c *Client) sendError(conversationID string, err error) {
	c.sendErrorCode(conversationID, models.ErrorCode(err), err.Error())
}

func (c *Client) sendErrorCode(conversationID, code, message string) {
	c.sendMessage(&wire.ServerMessage{
		Type:           wire.ServerTypeChatError,
		ConversationID: conversationID,
		Code:           code,
		Message:        message,
	})
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
