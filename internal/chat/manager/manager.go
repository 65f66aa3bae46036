// Package manager keeps the session registry: it creates and resolves
// live sessions, enforces the concurrency cap, and suspends idle ones.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/chat/agents"
	"github.com/tetherdev/tetherd/internal/chat/history"
	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/internal/chat/session"
	"github.com/tetherdev/tetherd/internal/chat/store"
	"github.com/tetherdev/tetherd/internal/common/config"
	"github.com/tetherdev/tetherd/internal/common/logger"
	"github.com/tetherdev/tetherd/internal/events/bus"
)

// CreateRequest is the payload for a new conversation.
type CreateRequest struct {
	Tool           models.Tool           `json:"tool"`
	ProjectPath    string                `json:"projectPath"`
	Topic          string                `json:"topic,omitempty"`
	Model          string                `json:"model,omitempty"`
	Mode           models.Mode           `json:"mode"`
	PermissionMode models.PermissionMode `json:"permissionMode"`
	InitialPrompt  string                `json:"initialPrompt,omitempty"`
}

// Manager owns the set of sessions keyed by conversation id.
type Manager struct {
	store store.Store
	hist  *history.Buffer
	bus   bus.EventBus
	log   *logger.Logger

	sessionCfg config.SessionConfig

	mu       sync.RWMutex
	sessions map[string]*session.Session
	// reserved counts spawns in flight, so concurrent creates cannot
	// slip past the capacity cap between check and registration.
	reserved int

	cfgMu   sync.RWMutex
	runtime models.SessionRuntimeConfig

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a manager. Call StartSweeper to enable inactivity
// suspension.
func New(st store.Store, hist *history.Buffer, eb bus.EventBus, cfg config.SessionConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:      st,
		hist:       hist,
		bus:        eb,
		log:        log.WithFields(zap.String("component", "session-manager")),
		sessionCfg: cfg,
		sessions:   make(map[string]*session.Session),
		runtime: models.SessionRuntimeConfig{
			InactivityTimeoutMs:   cfg.InactivityTimeoutMs,
			MaxConcurrentSessions: cfg.MaxConcurrentSessions,
			AutoResumeEnabled:     cfg.AutoResumeEnabled,
		},
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Config returns the current runtime configuration.
func (m *Manager) Config() models.SessionRuntimeConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.runtime
}

// UpdateConfig swaps the runtime configuration atomically. The sweeper
// reads fresh values on its next scan.
func (m *Manager) UpdateConfig(cfg models.SessionRuntimeConfig) models.SessionRuntimeConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if cfg.InactivityTimeoutMs > 0 {
		m.runtime.InactivityTimeoutMs = cfg.InactivityTimeoutMs
	}
	if cfg.MaxConcurrentSessions > 0 {
		m.runtime.MaxConcurrentSessions = cfg.MaxConcurrentSessions
	}
	m.runtime.AutoResumeEnabled = cfg.AutoResumeEnabled
	return m.runtime
}

// liveCountLocked counts sessions that own a child process. Caller
// holds m.mu.
func (m *Manager) liveCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.State().Live() {
			n++
		}
	}
	return n
}

// reserveSlot claims a capacity slot for a spawn. The check and the
// claim share one critical section.
func (m *Manager) reserveSlot() error {
	max := m.Config().MaxConcurrentSessions
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveCountLocked()+m.reserved >= max {
		return fmt.Errorf("%w: %d sessions already running", models.ErrCapacity, max)
	}
	m.reserved++
	return nil
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
}

// Create makes a conversation, spawns its session and, when an initial
// prompt is given, submits it. Creation beyond the cap fails Capacity.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Conversation, error) {
	if !req.Tool.Valid() {
		return nil, fmt.Errorf("%w: unknown tool %q", models.ErrConflict, req.Tool)
	}
	if req.Mode == "" {
		req.Mode = models.ModeAgent
	}
	if req.PermissionMode == "" {
		req.PermissionMode = models.PermissionDefault
	}

	if err := m.reserveSlot(); err != nil {
		return nil, err
	}
	defer m.releaseSlot()

	now := time.Now()
	conv := &models.Conversation{
		ID:             uuid.New().String(),
		Tool:           req.Tool,
		Topic:          req.Topic,
		Model:          req.Model,
		Mode:           req.Mode,
		PermissionMode: req.PermissionMode,
		ProjectPath:    req.ProjectPath,
		Status:         models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivity:   now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	sess := session.New(conv, m.store, m.bus, m.sessionConfig(), m.log)
	if err := sess.Start(ctx); err != nil {
		_ = m.store.DeleteConversation(ctx, conv.ID)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[conv.ID] = sess
	m.mu.Unlock()

	if req.InitialPrompt != "" {
		if err := sess.SendMessage(ctx, req.InitialPrompt); err != nil {
			m.log.Warn("initial prompt rejected", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	m.log.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("tool", string(conv.Tool)),
		zap.String("project_path", conv.ProjectPath))
	out := sess.Conversation()
	return &out, nil
}

// Get resolves a live or registered session by conversation id.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Attach resolves a session, reviving a suspended conversation from the
// store when none is registered. The revived session stays suspended
// until a message arrives.
func (m *Manager) Attach(ctx context.Context, id string) (*session.Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	conv, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.StatusEnded {
		return nil, fmt.Errorf("%w: conversation has ended", models.ErrConflict)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	sess := session.New(conv, m.store, m.bus, m.sessionConfig(), m.log)
	m.sessions[id] = sess
	return sess, nil
}

// Resume respawns a suspended session, subject to the capacity cap.
func (m *Manager) Resume(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State().Live() {
		return sess, nil
	}
	if err := m.reserveSlot(); err != nil {
		return nil, err
	}
	defer m.releaseSlot()
	if err := sess.Resume(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Suspend suspends a session by id.
func (m *Manager) Suspend(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: no session for conversation", models.ErrNotFound)
	}
	return sess.Suspend(ctx, session.ReasonInactivity)
}

// End terminates a session and drops it from the registry.
func (m *Manager) End(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if ok {
		if err := sess.End(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Delete ends the session and tombstones the conversation. Repeated
// deletes succeed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.End(ctx, id); err != nil {
		return err
	}
	m.hist.Drop(id)
	return m.store.DeleteConversation(ctx, id)
}

// Fork duplicates a conversation with its history. The copy starts
// suspended with no native session token.
func (m *Manager) Fork(ctx context.Context, id string) (*models.Conversation, error) {
	src, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dup := &models.Conversation{
		ID:             uuid.New().String(),
		Tool:           src.Tool,
		Topic:          src.Topic,
		Model:          src.Model,
		Mode:           src.Mode,
		PermissionMode: src.PermissionMode,
		ProjectPath:    src.ProjectPath,
		Status:         models.StatusSuspended,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivity:   now,
	}
	if err := m.store.CreateConversation(ctx, dup); err != nil {
		return nil, err
	}
	if err := m.store.CopyMessages(ctx, id, dup.ID); err != nil {
		_ = m.store.DeleteConversation(ctx, dup.ID)
		return nil, err
	}
	return dup, nil
}

// ListResumable returns suspended conversations whose tool can restore
// context, natively or by transcript replay.
func (m *Manager) ListResumable(ctx context.Context) ([]*models.Conversation, error) {
	convs, err := m.store.ListConversations(ctx, models.ConversationFilter{Status: models.StatusSuspended})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Conversation, 0, len(convs))
	for _, c := range convs {
		if agents.CanResume(c.Tool) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Recent returns conversations active within the window.
func (m *Manager) Recent(ctx context.Context, hours int) ([]*models.Conversation, error) {
	if hours <= 0 {
		hours = 24
	}
	return m.store.ListConversations(ctx, models.ConversationFilter{
		ActiveSince: time.Now().Add(-time.Duration(hours) * time.Hour),
	})
}

// StartSweeper runs the inactivity scan until Shutdown.
func (m *Manager) StartSweeper() {
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep suspends every live session idle beyond the timeout.
func (m *Manager) sweep() {
	timeout := time.Duration(m.Config().InactivityTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-timeout)

	m.mu.RLock()
	var idle []*session.Session
	for _, s := range m.sessions {
		switch s.State() {
		case session.StateIdle, session.StateAwaiting:
			if s.LastActivity().Before(cutoff) {
				idle = append(idle, s)
			}
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.log.Info("suspending idle session", zap.String("conversation_id", s.ID()))
		if err := s.Suspend(context.Background(), session.ReasonInactivity); err != nil {
			m.log.Warn("idle suspend failed", zap.String("conversation_id", s.ID()), zap.Error(err))
		}
	}
}

// Shutdown stops the sweeper and suspends every live session so the
// store reflects reality before the process exits.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.sweepStop)
	select {
	case <-m.sweepDone:
	case <-time.After(time.Second):
	}

	m.mu.RLock()
	all := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		switch s.State() {
		case session.StateStarting, session.StateIdle, session.StateAwaiting, session.StateAwaitingApproval:
			if err := s.Suspend(ctx, session.ReasonShutdown); err != nil {
				m.log.Warn("shutdown suspend failed", zap.String("conversation_id", s.ID()), zap.Error(err))
			}
		}
	}
}

func (m *Manager) sessionConfig() session.Config {
	return session.Config{
		TurnIdleTimeout:     m.sessionCfg.TurnIdleTimeout(),
		PTYCols:             m.sessionCfg.PTYCols,
		PTYRows:             m.sessionCfg.PTYRows,
		ReplayPrefaceBlocks: m.sessionCfg.ReplayPrefaceBlocks,
	}
}
