// Package session runs one live agent conversation: it owns the PTY
// child, the output parser, the state machine and the pending-approval
// table. Blocks flow store-first, then the event bus; the WebSocket
// gateway consumes the bus and never reaches back in.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/chat/agents"
	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/internal/chat/store"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/internal/events"
	"github.com/tetherdev/tetherd/internal/events/bus"
	"github.com/tetherdev/tetherd/internal/parser"
	"github.com/tetherdev/tetherd/internal/ptyhost"
	"github.com/tetherdev/tetherd/pkg/wire"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting         State = "starting"
	StateIdle             State = "idle"
	StateAwaiting         State = "awaiting"
	StateAwaitingApproval State = "awaitingApproval"
	StateSuspended        State = "suspended"
	StateEnding           State = "ending"
	StateEnded            State = "ended"
)

// Live reports whether the state owns a child process.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateIdle, StateAwaiting, StateAwaitingApproval:
		return true
	}
	return false
}

// Suspension reasons carried on lifecycle events.
const (
	ReasonInactivity = "inactivity"
	ReasonIO         = "io"
	ReasonShutdown   = "shutdown"
)

// Config is the per-session tuning the manager passes down.
type Config struct {
	TurnIdleTimeout     time.Duration
	PTYCols             int
	PTYRows             int
	ReplayPrefaceBlocks int
}

// Session is one live (or suspendable) agent conversation.
type Session struct {
	conv  *models.Conversation
	store store.Store
	bus   bus.EventBus
	cfg   Config
	log   *logger.Logger

	mu     sync.Mutex
	state  State
	handle *ptyhost.Handle
	parser parser.Parser

	lastActivity time.Time
	lastOutput   time.Time
	turnOpen     bool

	// pendingPrompt holds a message sent before sessionStart arrived.
	pendingPrompt string

	// approvals is keyed by approvalRequest block id. At most one
	// in-flight approval per toolId.
	approvals       map[string]*models.PendingApproval
	approvalsByTool map[string]string

	// expectExit suppresses ChildFailed handling for exits the session
	// initiated itself.
	expectExit bool

	// generation increments per spawn so loops from a previous child
	// cannot touch the state of its successor.
	generation int

	endOnce sync.Once
	done    chan struct{}
}

// New creates a session for a conversation. Call Start to spawn the
// child.
func New(conv *models.Conversation, st store.Store, eb bus.EventBus, cfg Config, log *logger.Logger) *Session {
	if cfg.TurnIdleTimeout <= 0 {
		cfg.TurnIdleTimeout = 2 * time.Second
	}
	if cfg.ReplayPrefaceBlocks <= 0 {
		cfg.ReplayPrefaceBlocks = 20
	}
	return &Session{
		conv:            conv,
		store:           st,
		bus:             eb,
		cfg:             cfg,
		log:             log.WithFields(zap.String("conversation_id", conv.ID), zap.String("tool", string(conv.Tool))),
		state:           StateSuspended,
		approvals:       make(map[string]*models.PendingApproval),
		approvalsByTool: make(map[string]string),
		lastActivity:    time.Now(),
		done:            make(chan struct{}),
	}
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.conv.ID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns a copy of the conversation row.
func (s *Session) Conversation() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.conv
}

// LastActivity returns the activity clock, used by the sweeper.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// PendingApprovals lists in-flight approvals.
func (s *Session) PendingApprovals() []models.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PendingApproval, 0, len(s.approvals))
	for _, pa := range s.approvals {
		out = append(out, *pa)
	}
	return out
}

// Start spawns the agent child and begins parsing its output.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Live() {
		return fmt.Errorf("%w: session already live", models.ErrConflict)
	}
	return s.spawnLocked(ctx, "")
}

// spawnLocked starts the child process. Caller holds s.mu. preface is
// prepended to the next prompt when resuming by transcript replay.
func (s *Session) spawnLocked(ctx context.Context, resumeSessionID string) error {
	spec, err := agents.BuildInvocation(s.conv.Tool, agents.Options{
		Mode:            s.conv.Mode,
		PermissionMode:  s.conv.PermissionMode,
		Model:           s.conv.Model,
		ProjectPath:     s.conv.ProjectPath,
		ResumeSessionID: resumeSessionID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrChildFailed, err)
	}

	handle, err := ptyhost.Spawn(ptyhost.Spec{
		Argv: spec.Argv,
		Env:  spec.Env,
		Dir:  spec.Dir,
		Cols: s.cfg.PTYCols,
		Rows: s.cfg.PTYRows,
	}, s.log)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrChildFailed, err)
	}

	s.handle = handle
	s.parser = parser.ForTool(s.conv.Tool)
	s.state = StateStarting
	s.expectExit = false
	s.turnOpen = false
	s.lastActivity = time.Now()
	s.generation++
	gen := s.generation

	now := time.Now()
	_ = s.store.UpdateConversation(ctx, s.conv.ID, store.ConversationPatch{
		Status:       statusPtr(models.StatusActive),
		LastActivity: &now,
	})
	s.conv.Status = models.StatusActive

	go s.outputLoop(gen, handle, s.parser)
	go s.exitLoop(gen, handle)
	if !s.parser.DetectsTurnEnd() {
		go s.quiescenceLoop(gen)
	}

	s.log.Info("agent session spawned", zap.Int("pid", handle.PID()))
	return nil
}

// Resume respawns a suspended session without a prompt, reattaching
// the native session when the tool hands out resume tokens.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Live() {
		return nil
	}
	if s.state == StateEnding || s.state == StateEnded {
		return fmt.Errorf("%w: session has ended", models.ErrConflict)
	}
	resumeID := ""
	if agents.SupportsResume(s.conv.Tool) && s.conv.SessionID != "" {
		resumeID = s.conv.SessionID
	}
	return s.spawnLocked(ctx, resumeID)
}

// SendMessage submits a user prompt. From Suspended it respawns the
// child first, resuming natively when the tool supports it and by
// transcript replay otherwise.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAwaiting, StateAwaitingApproval:
		return fmt.Errorf("%w: a turn is in progress", models.ErrBusy)
	case StateEnding, StateEnded:
		return fmt.Errorf("%w: session has ended", models.ErrConflict)
	case StateSuspended:
		preface := ""
		resumeID := ""
		if agents.SupportsResume(s.conv.Tool) && s.conv.SessionID != "" {
			resumeID = s.conv.SessionID
		} else {
			preface = s.replayPrefaceLocked(ctx)
		}
		if err := s.spawnLocked(ctx, resumeID); err != nil {
			return err
		}
		if preface != "" {
			content = preface + "\n\n" + content
		}
		s.pendingPrompt = content
		return nil
	case StateStarting:
		s.pendingPrompt = content
		return nil
	}

	return s.writePromptLocked(content)
}

// writePromptLocked writes a prompt to the child and opens a turn.
// Caller holds s.mu and has verified state is Idle.
func (s *Session) writePromptLocked(content string) error {
	payload := agents.PromptPayload(s.conv.Tool, content)
	if _, err := s.handle.WriteStdin(payload); err != nil {
		if errors.Is(err, ptyhost.ErrBackpressure) {
			return fmt.Errorf("%w: agent stdin is full", models.ErrBusy)
		}
		return s.failIOLocked(err)
	}
	s.state = StateAwaiting
	s.turnOpen = false
	s.touchLocked()
	return nil
}

// replayPrefaceLocked composes a plain-text preface from the stored
// transcript for tools that cannot resume natively.
func (s *Session) replayPrefaceLocked(ctx context.Context) string {
	blocks, err := s.store.LastTextBlocks(ctx, s.conv.ID, s.cfg.ReplayPrefaceBlocks)
	if err != nil || len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context from our previous conversation:\n")
	for _, blk := range blocks {
		role := blk.Role
		if role == "" {
			role = wire.RoleAssistant
		}
		fmt.Fprintf(&b, "[%s] %s\n", role, blk.Content)
	}
	return b.String()
}

// Approve answers a pending approval. Answering an unknown or already
// answered block returns NotFound.
func (s *Session) Approve(ctx context.Context, blockID string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pa, ok := s.approvals[blockID]
	if !ok {
		return fmt.Errorf("%w: no pending approval for block", models.ErrNotFound)
	}
	data, ok := s.parser.ApprovalResponse(blockID, approved)
	if !ok {
		delete(s.approvals, blockID)
		delete(s.approvalsByTool, pa.ToolID)
		return fmt.Errorf("%w: approval expired", models.ErrNotFound)
	}
	if _, err := s.handle.WriteStdin(data); err != nil {
		if errors.Is(err, ptyhost.ErrBackpressure) {
			return fmt.Errorf("%w: agent stdin is full", models.ErrBusy)
		}
		return s.failIOLocked(err)
	}

	delete(s.approvals, blockID)
	delete(s.approvalsByTool, pa.ToolID)
	if s.state == StateAwaitingApproval {
		s.state = StateAwaiting
	}
	s.touchLocked()
	return nil
}

// WriteInput passes raw keystrokes through to the child, used by
// clients driving an interactive prompt directly.
func (s *Session) WriteInput(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() {
		return fmt.Errorf("%w: session not live", models.ErrConflict)
	}
	if _, err := s.handle.WriteStdin([]byte(data)); err != nil {
		if errors.Is(err, ptyhost.ErrBackpressure) {
			return fmt.Errorf("%w: agent stdin is full", models.ErrBusy)
		}
		return s.failIOLocked(err)
	}
	s.touchLocked()
	return nil
}

// failIOLocked handles a non-backpressure stdin failure: the child side
// of the PTY is gone, so the session suspends with the io reason and
// stays resumable. Caller holds s.mu; the suspension runs off-lock.
func (s *Session) failIOLocked(err error) error {
	s.expectExit = true
	go func() {
		if serr := s.Suspend(context.Background(), ReasonIO); serr != nil {
			s.log.Warn("io suspend failed", zap.Error(serr))
		}
	}()
	return fmt.Errorf("%w: %v", models.ErrIO, err)
}

// Cancel interrupts the current turn with SIGINT. The session stays
// alive and settles back to Idle on the next turn boundary.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		return fmt.Errorf("%w: session not live", models.ErrConflict)
	}
	handle := s.handle
	s.state = StateAwaiting
	s.mu.Unlock()

	if err := handle.Interrupt(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	cancelled := &wire.Block{
		ID:        wire.NewID(),
		Type:      wire.BlockTypeChatCancelled,
		Timestamp: time.Now().UnixMilli(),
		Role:      wire.RoleSystem,
	}
	s.emitBlock(ctx, cancelled)
	s.publishLifecycle(ctx, events.ChatCancelled, nil)
	return nil
}

// Suspend tears the child down but keeps the conversation resumable.
func (s *Session) Suspend(ctx context.Context, reason string) error {
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		if s.state == StateSuspended {
			return nil
		}
		return fmt.Errorf("%w: session not live", models.ErrConflict)
	}
	s.expectExit = true
	// Invalidate the output, exit and quiescence loops of this child.
	s.generation++
	handle := s.handle
	p := s.parser
	s.mu.Unlock()

	if handle != nil {
		_ = handle.Terminate()
		s.waitExit(handle, 3*time.Second)
		_ = handle.Close()
	}

	// Finalize open partial blocks so nothing stays partial forever.
	s.drainParser(ctx, p)

	s.mu.Lock()
	s.state = StateSuspended
	s.handle = nil
	s.clearApprovalsLocked()
	s.conv.Status = models.StatusSuspended
	sessionID := s.conv.SessionID
	if p != nil && p.SessionID() != "" {
		sessionID = p.SessionID()
		s.conv.SessionID = sessionID
	}
	now := time.Now()
	s.mu.Unlock()

	_ = s.store.UpdateConversation(ctx, s.conv.ID, store.ConversationPatch{
		Status:       statusPtr(models.StatusSuspended),
		SessionID:    &sessionID,
		LastActivity: &now,
	})

	end := &wire.Block{
		ID:        wire.NewID(),
		Type:      wire.BlockTypeSessionEnd,
		Timestamp: now.UnixMilli(),
		Role:      wire.RoleSystem,
		Suspended: true,
	}
	s.emitBlock(ctx, end)
	s.publishLifecycle(ctx, events.ChatSessionSuspended, map[string]interface{}{"reason": reason})
	s.log.Info("session suspended", zap.String("reason", reason))
	return nil
}

// End terminates the session for good.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateEnding {
		s.mu.Unlock()
		return nil
	}
	wasLive := s.state.Live()
	s.state = StateEnding
	s.expectExit = true
	// Invalidate the output, exit and quiescence loops of this child.
	s.generation++
	handle := s.handle
	p := s.parser
	s.mu.Unlock()

	if wasLive && handle != nil {
		_ = handle.Terminate()
		s.waitExit(handle, 3*time.Second)
		_ = handle.Close()
		s.drainParser(ctx, p)
	}

	s.mu.Lock()
	s.state = StateEnded
	s.handle = nil
	s.clearApprovalsLocked()
	s.conv.Status = models.StatusEnded
	now := time.Now()
	s.mu.Unlock()

	_ = s.store.UpdateConversation(ctx, s.conv.ID, store.ConversationPatch{
		Status:       statusPtr(models.StatusEnded),
		LastActivity: &now,
	})

	if wasLive {
		end := &wire.Block{
			ID:        wire.NewID(),
			Type:      wire.BlockTypeSessionEnd,
			Timestamp: now.UnixMilli(),
			Role:      wire.RoleSystem,
		}
		s.emitBlock(ctx, end)
	}
	s.publishLifecycle(ctx, events.ChatSessionEnded, nil)
	s.endOnce.Do(func() { close(s.done) })
	return nil
}

// Done closes once the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// outputLoop is the dedicated reader task: PTY chunks in, blocks out.
func (s *Session) outputLoop(gen int, handle *ptyhost.Handle, p parser.Parser) {
	ctx := context.Background()
	for chunk := range handle.Output() {
		s.mu.Lock()
		stale := gen != s.generation
		s.lastOutput = time.Now()
		s.mu.Unlock()
		if stale {
			return
		}

		if p.Degraded() {
			s.publishRawData(ctx, chunk)
			continue
		}
		s.onBlocks(ctx, p.Feed(chunk))
		if p.Degraded() {
			// The declaring feed may ride along with raw output.
			s.publishRawData(ctx, chunk)
		}
	}
}

// exitLoop reaps the child. Unexpected exits end or suspend the session
// depending on how it died.
func (s *Session) exitLoop(gen int, handle *ptyhost.Handle) {
	ev := <-handle.Done()
	ctx := context.Background()

	s.mu.Lock()
	if gen != s.generation || s.expectExit {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if ev.Code != 0 {
		s.log.Warn("agent child failed",
			zap.Int("exit_code", ev.Code),
			zap.String("signal", ev.Signal))
		s.emitBlock(ctx, &wire.Block{
			ID:        wire.NewID(),
			Type:      wire.BlockTypeError,
			Timestamp: time.Now().UnixMilli(),
			Role:      wire.RoleSystem,
			Message:   fmt.Sprintf("agent exited with code %d", ev.Code),
			ErrorCode: "ChildFailed",
		})
	}
	_ = s.End(ctx)
}

// quiescenceLoop closes turns for parsers without explicit boundaries:
// no output for the idle window while a turn is open means the turn is
// done.
func (s *Session) quiescenceLoop(gen int) {
	ticker := time.NewTicker(s.cfg.TurnIdleTimeout / 4)
	defer ticker.Stop()
	ctx := context.Background()

	for range ticker.C {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		quiet := s.state == StateAwaiting && s.turnOpen &&
			time.Since(s.lastOutput) >= s.cfg.TurnIdleTimeout
		p := s.parser
		s.mu.Unlock()

		if !quiet {
			continue
		}
		s.drainParser(ctx, p)
		s.onBlock(ctx, &wire.Block{
			ID:        wire.NewID(),
			Type:      wire.BlockTypeTurnComplete,
			Timestamp: time.Now().UnixMilli(),
			Role:      wire.RoleSystem,
		})
	}
}

// onBlocks is the single emission pipeline: persist, publish, then
// apply state machine effects. Persisting before the publish keeps the
// store ahead of every subscriber. A parser feed that yields several
// blocks rides one event so the gateway can batch the frame.
func (s *Session) onBlocks(ctx context.Context, blocks []*wire.Block) {
	if len(blocks) == 0 {
		return
	}
	for _, blk := range blocks {
		if err := s.store.AppendMessage(ctx, s.conv.ID, blk); err != nil {
			s.log.Error("failed to persist block", zap.String("block_id", blk.ID), zap.Error(err))
		}
	}

	data := map[string]interface{}{"conversation_id": s.conv.ID}
	if len(blocks) == 1 {
		data["block"] = blocks[0].Clone()
	} else {
		clones := make([]*wire.Block, len(blocks))
		for i, blk := range blocks {
			clones[i] = blk.Clone()
		}
		data["blocks"] = clones
	}
	event := bus.NewEvent(events.ChatBlock, "session", data)
	if err := s.bus.Publish(ctx, events.BlockSubject(s.conv.ID), event); err != nil {
		s.log.Warn("failed to publish blocks", zap.Error(err))
	}

	for _, blk := range blocks {
		s.applyBlockEffects(ctx, blk)
	}
}

// onBlock emits a single block through the pipeline.
func (s *Session) onBlock(ctx context.Context, blk *wire.Block) {
	s.onBlocks(ctx, []*wire.Block{blk})
}

// applyBlockEffects drives the state machine from parser output.
func (s *Session) applyBlockEffects(ctx context.Context, blk *wire.Block) {
	s.mu.Lock()

	switch blk.Type {
	case wire.BlockTypeSessionStart:
		if s.state == StateStarting {
			s.state = StateIdle
		}
		var newSessionID string
		if sid := s.parser.SessionID(); sid != "" && sid != s.conv.SessionID {
			s.conv.SessionID = sid
			newSessionID = sid
		}
		prompt := s.pendingPrompt
		s.pendingPrompt = ""
		if prompt != "" && s.state == StateIdle {
			if err := s.writePromptLocked(prompt); err != nil {
				s.log.Warn("failed to write queued prompt", zap.Error(err))
			}
		}
		s.mu.Unlock()
		if newSessionID != "" {
			_ = s.store.UpdateConversation(ctx, s.conv.ID, store.ConversationPatch{SessionID: &newSessionID})
		}
		s.publishLifecycle(ctx, events.ChatSessionStarted, nil)
		return

	case wire.BlockTypeApprovalRequest:
		// One in-flight approval per toolId: a re-prompt replaces it.
		if prev, ok := s.approvalsByTool[blk.ToolID]; ok {
			delete(s.approvals, prev)
		}
		s.approvals[blk.ID] = &models.PendingApproval{
			ConversationID: s.conv.ID,
			BlockID:        blk.ID,
			ToolID:         blk.ToolID,
			ToolName:       blk.ToolName,
			CreatedAt:      time.Now(),
		}
		s.approvalsByTool[blk.ToolID] = blk.ID
		if s.state == StateAwaiting || s.state == StateIdle {
			s.state = StateAwaitingApproval
		}

	case wire.BlockTypeTurnComplete:
		if s.state == StateAwaiting || s.state == StateAwaitingApproval {
			s.state = StateIdle
		}
		s.turnOpen = false
		s.touchLocked()
		topic := s.conv.Topic
		s.mu.Unlock()
		s.publishLifecycle(ctx, events.ChatTurnComplete, map[string]interface{}{"topic": topic})
		return

	case wire.BlockTypeText, wire.BlockTypeThinking, wire.BlockTypeToolUseStart,
		wire.BlockTypeToolUseResult, wire.BlockTypeCommand, wire.BlockTypeCode,
		wire.BlockTypeFileDiff:
		s.turnOpen = true
		s.lastOutput = time.Now()
	}

	s.mu.Unlock()
}

// publishRawData forwards unparsed output for degraded conversations.
func (s *Session) publishRawData(ctx context.Context, chunk []byte) {
	event := bus.NewEvent(events.ChatRawData, "session", map[string]interface{}{
		"conversation_id": s.conv.ID,
		"data":            string(chunk),
	})
	if err := s.bus.Publish(ctx, events.BlockSubject(s.conv.ID), event); err != nil {
		s.log.Warn("failed to publish raw data", zap.Error(err))
	}
}

// emitBlock routes synthetic blocks through the normal pipeline.
func (s *Session) emitBlock(ctx context.Context, blk *wire.Block) {
	s.onBlock(ctx, blk)
}

func (s *Session) publishLifecycle(ctx context.Context, eventType string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["conversation_id"] = s.conv.ID
	event := bus.NewEvent(eventType, "session", data)
	if err := s.bus.Publish(ctx, events.LifecycleSubject(s.conv.ID), event); err != nil {
		s.log.Warn("failed to publish lifecycle event", zap.String("type", eventType), zap.Error(err))
	}
}

// drainParser flushes and emits whatever the parser still holds.
func (s *Session) drainParser(ctx context.Context, p parser.Parser) {
	if p == nil {
		return
	}
	s.onBlocks(ctx, p.Flush())
}

// waitExit waits for the child to die, up to the grace period.
func (s *Session) waitExit(handle *ptyhost.Handle, grace time.Duration) {
	select {
	case <-handle.Done():
	case <-time.After(grace):
	}
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

func (s *Session) clearApprovalsLocked() {
	s.approvals = make(map[string]*models.PendingApproval)
	s.approvalsByTool = make(map[string]string)
}

func statusPtr(st models.Status) *models.Status { return &st }
