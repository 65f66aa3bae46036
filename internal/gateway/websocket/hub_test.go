package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/tetherdev/tetherd/internal/chat/history"
	"github.com/tetherdev/tetherd/internal/chat/notify"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/internal/events"
	"github.com/tetherdev/tetherd/internal/events/bus"
	"github.com/tetherdev/tetherd/pkg/wire"
)

func testHub(t *testing.T, queueSize int) (*Hub, *bus.MemoryEventBus, *notify.Queue) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	eb := bus.NewMemoryEventBus(log)
	pending := notify.NewQueue(8)
	h := NewHub(nil, history.NewBuffer(16), pending, eb, queueSize, log)
	if err := h.Start(); err != nil {
		t.Fatalf("hub start failed: %v", err)
	}
	t.Cleanup(h.Stop)
	return h, eb, pending
}

func attachedClient(t *testing.T, h *Hub, conversationID string) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	c := NewClient("test-client", nil, h, nil, true, log)
	h.Register(c)
	h.Attach(c, conversationID)
	return c
}

func nextFrame(t *testing.T, c *Client) *wire.ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg wire.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("undecodable frame %s: %v", data, err)
		}
		return &msg
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestBlockEventBecomesChatEventFrame(t *testing.T) {
	h, eb, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")

	block := &wire.Block{ID: "b1", Type: wire.BlockTypeText, Content: "hi", Timestamp: 5}
	err := eb.Publish(context.Background(), events.BlockSubject("c1"),
		bus.NewEvent(events.ChatBlock, "session", map[string]interface{}{
			"conversation_id": "c1",
			"block":           block,
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := nextFrame(t, c)
	if msg.Type != wire.ServerTypeChatEvent || msg.ConversationID != "c1" {
		t.Errorf("frame = %+v", msg)
	}
	if msg.Block == nil || msg.Block.ID != "b1" || msg.Block.Content != "hi" {
		t.Errorf("block = %+v", msg.Block)
	}
}

func TestBlockEventOnlyReachesAttachedConversation(t *testing.T) {
	h, eb, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")

	err := eb.Publish(context.Background(), events.BlockSubject("other"),
		bus.NewEvent(events.ChatBlock, "session", map[string]interface{}{
			"conversation_id": "other",
			"block":           &wire.Block{ID: "b1", Type: wire.BlockTypeText},
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case data := <-c.send:
		t.Errorf("client attached to c1 received frame for other: %s", data)
	default:
	}
}

func TestRawDataEventBecomesChatDataFrame(t *testing.T) {
	h, eb, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")

	err := eb.Publish(context.Background(), events.BlockSubject("c1"),
		bus.NewEvent(events.ChatRawData, "session", map[string]interface{}{
			"conversation_id": "c1",
			"data":            "\x1b[2Jraw terminal output",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := nextFrame(t, c)
	if msg.Type != wire.ServerTypeChatData {
		t.Errorf("frame type = %s", msg.Type)
	}
	if msg.Data != "\x1b[2Jraw terminal output" {
		t.Errorf("data = %q", msg.Data)
	}
}

func TestLifecycleFrames(t *testing.T) {
	h, eb, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")
	ctx := context.Background()

	err := eb.Publish(ctx, events.LifecycleSubject("c1"),
		bus.NewEvent(events.ChatSessionSuspended, "session", map[string]interface{}{
			"conversation_id": "c1",
			"reason":          "inactivity",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	msg := nextFrame(t, c)
	if msg.Type != wire.ServerTypeChatSessionSuspended || msg.Reason != "inactivity" {
		t.Errorf("frame = %+v", msg)
	}

	err = eb.Publish(ctx, events.LifecycleSubject("c1"),
		bus.NewEvent(events.ChatSessionEnded, "session", map[string]interface{}{
			"conversation_id": "c1",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if msg := nextFrame(t, c); msg.Type != wire.ServerTypeChatSessionEnded {
		t.Errorf("frame type = %s", msg.Type)
	}

	err = eb.Publish(ctx, events.LifecycleSubject("c1"),
		bus.NewEvent(events.ChatCancelled, "session", map[string]interface{}{
			"conversation_id": "c1",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if msg := nextFrame(t, c); msg.Type != wire.ServerTypeChatCancelled {
		t.Errorf("frame type = %s", msg.Type)
	}
}

func TestTurnCompleteQueuesNotificationWhenNobodyWatches(t *testing.T) {
	h, eb, pending := testHub(t, 8)
	attachedClient(t, h, "c1")

	err := eb.Publish(context.Background(), events.LifecycleSubject("c1"),
		bus.NewEvent(events.ChatTurnComplete, "session", map[string]interface{}{
			"conversation_id": "c1",
			"topic":           "refactor",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := pending.Drain()
	if len(got) != 1 {
		t.Fatalf("pending = %d, want 1", len(got))
	}
	if got[0].ConversationID != "c1" || got[0].Topic != "refactor" || !got[0].IsTurnComplete {
		t.Errorf("notification = %+v", got[0])
	}
}

func TestTurnCompleteSkipsNotificationForVisibleConversation(t *testing.T) {
	h, eb, pending := testHub(t, 8)
	c := attachedClient(t, h, "c1")
	c.mu.Lock()
	c.visible = "c1"
	c.mu.Unlock()

	err := eb.Publish(context.Background(), events.LifecycleSubject("c1"),
		bus.NewEvent(events.ChatTurnComplete, "session", map[string]interface{}{
			"conversation_id": "c1",
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if n := pending.Len(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestSlowSubscriberLosesAttachment(t *testing.T) {
	h, eb, _ := testHub(t, 1)
	c := attachedClient(t, h, "c1")
	ctx := context.Background()

	publish := func(id string) {
		err := eb.Publish(ctx, events.BlockSubject("c1"),
			bus.NewEvent(events.ChatBlock, "session", map[string]interface{}{
				"conversation_id": "c1",
				"block":           &wire.Block{ID: id, Type: wire.BlockTypeText},
			}))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	publish("b1")
	publish("b2")

	h.mu.RLock()
	_, attached := h.attachments["c1"][c]
	h.mu.RUnlock()
	if attached {
		t.Error("overflowing client must lose the attachment")
	}

	if msg := nextFrame(t, c); msg.Block == nil || msg.Block.ID != "b1" {
		t.Errorf("first frame = %+v", msg)
	}

	publish("b3")
	select {
	case data := <-c.send:
		t.Errorf("detached client still receives frames: %s", data)
	default:
	}
}

func TestBlockBatchBecomesContentBlocksFrame(t *testing.T) {
	h, eb, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")

	err := eb.Publish(context.Background(), events.BlockSubject("c1"),
		bus.NewEvent(events.ChatBlock, "session", map[string]interface{}{
			"conversation_id": "c1",
			"blocks": []*wire.Block{
				{ID: "b1", Type: wire.BlockTypeText, Content: "one"},
				{ID: "b2", Type: wire.BlockTypeText, Content: "two"},
			},
		}))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := nextFrame(t, c)
	if msg.Type != wire.ServerTypeChatContentBlocks || msg.ConversationID != "c1" {
		t.Errorf("frame = %+v", msg)
	}
	if len(msg.Blocks) != 2 || msg.Blocks[0].ID != "b1" || msg.Blocks[1].ID != "b2" {
		t.Errorf("blocks = %+v", msg.Blocks)
	}
	if n := h.hist.Len("c1"); n != 2 {
		t.Errorf("history holds %d blocks, want 2", n)
	}
}

func TestAttachReplaySeparatesHistoryFromLive(t *testing.T) {
	h, eb, _ := testHub(t, 8)
	ctx := context.Background()

	publish := func(id string) {
		err := eb.Publish(ctx, events.BlockSubject("c1"),
			bus.NewEvent(events.ChatBlock, "session", map[string]interface{}{
				"conversation_id": "c1",
				"block":           &wire.Block{ID: id, Type: wire.BlockTypeText},
			}))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	// Buffered before anyone attaches.
	publish("b1")

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	c := NewClient("replay-client", nil, h, nil, true, log)
	h.Register(c)
	if err := h.AttachReplay(c, "c1"); err != nil {
		t.Fatalf("attach replay failed: %v", err)
	}

	publish("b2")

	if msg := nextFrame(t, c); msg.Type != wire.ServerTypeChatAttached {
		t.Fatalf("first frame = %s, want chatAttached", msg.Type)
	}
	replay := nextFrame(t, c)
	if replay.Type != wire.ServerTypeChatHistory {
		t.Fatalf("second frame = %s, want chatHistory", replay.Type)
	}
	if len(replay.Blocks) != 1 || replay.Blocks[0].ID != "b1" {
		t.Errorf("history blocks = %+v, want b1 only", replay.Blocks)
	}
	live := nextFrame(t, c)
	if live.Type != wire.ServerTypeChatEvent || live.Block == nil || live.Block.ID != "b2" {
		t.Errorf("live frame = %+v, want chatEvent b2", live)
	}
	select {
	case data := <-c.send:
		t.Errorf("unexpected extra frame: %s", data)
	default:
	}
}

func TestBroadcastDuringUnregisterDoesNotPanic(t *testing.T) {
	h, eb, _ := testHub(t, 1)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = eb.Publish(ctx, events.BlockSubject("c1"),
				bus.NewEvent(events.ChatBlock, "session", map[string]interface{}{
					"conversation_id": "c1",
					"block":           &wire.Block{ID: "b", Type: wire.BlockTypeText},
				}))
		}
	}()

	for i := 0; i < 500; i++ {
		c := attachedClient(t, h, "c1")
		// Pre-fill the queue so deliveries overflow while unregistering.
		c.trySend([]byte("{}"))
		h.Unregister(c)
	}
	close(stop)
	wg.Wait()
}

func TestTrySendAfterUnregisterReportsFailure(t *testing.T) {
	h, _, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")

	h.Unregister(c)
	if c.trySend([]byte("{}")) {
		t.Error("trySend on a closed client must report failure")
	}
}

func TestDecodeBlocksFromJSONSlice(t *testing.T) {
	degraded := []interface{}{
		map[string]interface{}{"id": "b1", "type": "text", "content": "one"},
		map[string]interface{}{"id": "b2", "type": "text", "content": "two"},
	}
	blocks, err := decodeBlocks(degraded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(blocks) != 2 || blocks[0].ID != "b1" || blocks[1].ID != "b2" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestDecodeBlockFromJSONMap(t *testing.T) {
	degraded := map[string]interface{}{
		"id":        "b1",
		"type":      "toolUseStart",
		"timestamp": float64(9),
		"toolName":  "bash",
		"input":     map[string]interface{}{"command": "ls"},
	}
	block, err := decodeBlock(degraded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if block.ID != "b1" || block.Type != wire.BlockTypeToolUseStart || block.Timestamp != 9 {
		t.Errorf("block = %+v", block)
	}
	if block.Input["command"] != "ls" {
		t.Errorf("input = %v", block.Input)
	}
}

func TestUnregisterClosesSendQueue(t *testing.T) {
	h, _, _ := testHub(t, 8)
	c := attachedClient(t, h, "c1")

	h.Unregister(c)
	h.Unregister(c)

	if _, open := <-c.send; open {
		t.Error("send queue must be closed after unregister")
	}
	h.mu.RLock()
	n := len(h.attachments["c1"])
	h.mu.RUnlock()
	if n != 0 {
		t.Errorf("attachments remain after unregister: %d", n)
	}
}
