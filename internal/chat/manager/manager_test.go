package manager

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tetherdev/tetherd/internal/chat/history"
	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/internal/chat/session"
	"github.com/tetherdev/tetherd/internal/chat/store"
	"github.com/tetherdev/tetherd/internal/common/config"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/internal/db"
	"github.com/tetherdev/tetherd/internal/events/bus"
	"github.com/tetherdev/tetherd/pkg/wire"
)

func testManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	path := filepath.Join(t.TempDir(), "chat.db")
	writer, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := store.New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	cfg := config.SessionConfig{
		InactivityTimeoutMs:   60_000,
		MaxConcurrentSessions: 2,
		HistoryBufferSize:     50,
		TurnIdleTimeoutMs:     2_000,
		PTYCols:               80,
		PTYRows:               24,
		ReplayPrefaceBlocks:   20,
	}
	m := New(repo, history.NewBuffer(50), bus.NewMemoryEventBus(log), cfg, log)
	return m, repo
}

func suspendedConversation(t *testing.T, st store.Store, id string, tool models.Tool) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		ID:             id,
		Tool:           tool,
		Mode:           models.ModeAgent,
		PermissionMode: models.PermissionDefault,
		ProjectPath:    "/tmp",
		Status:         models.StatusSuspended,
	}
	if err := st.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
	return conv
}

func TestCreateRejectsUnknownTool(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Create(context.Background(), CreateRequest{Tool: "vim", ProjectPath: "/tmp"})
	if !errors.Is(err, models.ErrConflict) {
		t.Errorf("create with unknown tool = %v, want ErrConflict", err)
	}
}

func TestCreateRollsBackWhenSpawnFails(t *testing.T) {
	if _, err := exec.LookPath("claude"); err == nil {
		t.Skip("claude binary installed, spawn would succeed")
	}
	m, st := testManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{Tool: models.ToolClaude, ProjectPath: "/tmp"})
	if err == nil {
		t.Fatal("create without agent binary must fail")
	}

	convs, err := st.ListConversations(ctx, models.ConversationFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("failed create left %d conversations behind", len(convs))
	}
}

func TestAttachRevivesSuspendedConversation(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()
	suspendedConversation(t, st, "c1", models.ToolClaude)

	sess, err := m.Attach(ctx, "c1")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if sess.State() != session.StateSuspended {
		t.Errorf("revived session state = %s, want suspended", sess.State())
	}

	again, err := m.Attach(ctx, "c1")
	if err != nil {
		t.Fatalf("second attach failed: %v", err)
	}
	if again != sess {
		t.Error("attach must return the registered session, not a new one")
	}
}

func TestAttachUnknownConversation(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.Attach(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("attach unknown = %v, want ErrNotFound", err)
	}
}

func TestAttachEndedConversation(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()
	conv := suspendedConversation(t, st, "c1", models.ToolClaude)
	status := models.StatusEnded
	if err := st.UpdateConversation(ctx, conv.ID, store.ConversationPatch{Status: &status}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if _, err := m.Attach(ctx, "c1"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("attach ended = %v, want ErrConflict", err)
	}
}

func TestFork(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()
	suspendedConversation(t, st, "src", models.ToolClaude)
	for i := 0; i < 3; i++ {
		blk := &wire.Block{ID: wire.NewID(), Type: wire.BlockTypeText, Content: "m", Timestamp: int64(i)}
		if err := st.AppendMessage(ctx, "src", blk); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	dup, err := m.Fork(ctx, "src")
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	if dup.ID == "src" {
		t.Error("fork must mint a new id")
	}
	if dup.Status != models.StatusSuspended {
		t.Errorf("fork status = %s, want suspended", dup.Status)
	}
	if dup.SessionID != "" {
		t.Error("fork must not inherit the native session token")
	}

	msgs, err := st.GetMessages(ctx, dup.ID, models.ListMessagesOptions{})
	if err != nil {
		t.Fatalf("get messages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("fork copied %d messages, want 3", len(msgs))
	}
}

func TestListResumable(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()
	suspendedConversation(t, st, "claude", models.ToolClaude)
	suspendedConversation(t, st, "gemini", models.ToolGemini)
	suspendedConversation(t, st, "custom", models.ToolCustom)

	convs, err := m.ListResumable(ctx)
	if err != nil {
		t.Fatalf("list resumable failed: %v", err)
	}
	got := make(map[string]bool)
	for _, c := range convs {
		got[c.ID] = true
	}
	if !got["claude"] || !got["gemini"] {
		t.Errorf("resumable set missing entries: %v", got)
	}
	if got["custom"] {
		t.Error("custom tool cannot resume, must be excluded")
	}
}

func TestReserveSlotEnforcesCap(t *testing.T) {
	m, _ := testManager(t)

	if err := m.reserveSlot(); err != nil {
		t.Fatalf("first reservation = %v, want nil", err)
	}
	if err := m.reserveSlot(); err != nil {
		t.Fatalf("second reservation = %v, want nil", err)
	}
	if err := m.reserveSlot(); !errors.Is(err, models.ErrCapacity) {
		t.Errorf("reservation beyond cap = %v, want ErrCapacity", err)
	}

	m.releaseSlot()
	if err := m.reserveSlot(); err != nil {
		t.Errorf("reservation after release = %v, want nil", err)
	}
	m.releaseSlot()
	m.releaseSlot()
}

func TestConcurrentCreatesCannotExceedCap(t *testing.T) {
	m, _ := testManager(t)
	m.UpdateConfig(models.SessionRuntimeConfig{MaxConcurrentSessions: 1})

	// Hold the only slot, as an in-flight spawn would.
	if err := m.reserveSlot(); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}
	defer m.releaseSlot()

	_, err := m.Create(context.Background(), CreateRequest{Tool: models.ToolClaude, ProjectPath: "/tmp"})
	if !errors.Is(err, models.ErrCapacity) {
		t.Errorf("create with all slots reserved = %v, want ErrCapacity", err)
	}
}

func TestResumeBeyondCapFails(t *testing.T) {
	m, st := testManager(t)
	m.UpdateConfig(models.SessionRuntimeConfig{MaxConcurrentSessions: 1})
	ctx := context.Background()
	suspendedConversation(t, st, "c1", models.ToolClaude)

	if err := m.reserveSlot(); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}
	defer m.releaseSlot()

	if _, err := m.Resume(ctx, "c1"); !errors.Is(err, models.ErrCapacity) {
		t.Errorf("resume with all slots reserved = %v, want ErrCapacity", err)
	}
}

func TestRecentWindow(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()

	suspendedConversation(t, st, "fresh", models.ToolClaude)
	stale := suspendedConversation(t, st, "stale", models.ToolClaude)
	old := time.Now().Add(-48 * time.Hour)
	if err := st.UpdateConversation(ctx, stale.ID, store.ConversationPatch{LastActivity: &old}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	convs, err := m.Recent(ctx, 24)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "fresh" {
		t.Errorf("recent returned %d rows", len(convs))
	}
}

func TestUpdateConfig(t *testing.T) {
	m, _ := testManager(t)

	got := m.UpdateConfig(models.SessionRuntimeConfig{InactivityTimeoutMs: 5_000, AutoResumeEnabled: true})
	if got.InactivityTimeoutMs != 5_000 {
		t.Errorf("inactivityTimeoutMs = %d, want 5000", got.InactivityTimeoutMs)
	}
	if !got.AutoResumeEnabled {
		t.Error("autoResumeEnabled not applied")
	}
	if got.MaxConcurrentSessions != 2 {
		t.Errorf("zero field overwrote maxConcurrentSessions: %d", got.MaxConcurrentSessions)
	}

	if m.Config().InactivityTimeoutMs != 5_000 {
		t.Error("config update not visible to readers")
	}
}

func TestEndUnregisteredConversation(t *testing.T) {
	m, _ := testManager(t)
	if err := m.End(context.Background(), "ghost"); err != nil {
		t.Errorf("end of unregistered conversation = %v, want nil", err)
	}
}
