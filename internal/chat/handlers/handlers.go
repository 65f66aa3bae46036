// Package handlers exposes the REST surface. Everything lives under
// /api behind bearer auth; the WebSocket gateway covers the
// interactive paths, these endpoints cover everything that works
// without a live socket.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tetherdev/tetherd/internal/chat/agents"
	"github.com/tetherdev/tetherd/internal/chat/manager"
	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/internal/chat/notify"
	"github.com/tetherdev/tetherd/internal/chat/store"
	"github.com/tetherdev/tetherd/internal/common/logger"
)

// ChatHandlers serves the conversation REST API.
type ChatHandlers struct {
	manager      *manager.Manager
	store        store.Store
	pending      *notify.Queue
	availability *agents.AvailabilityChecker
	catalogue    *agents.Catalogue
	version      string
	logger       *logger.Logger
}

// New creates the REST handler set.
func New(mgr *manager.Manager, st store.Store, pending *notify.Queue, avail *agents.AvailabilityChecker, cat *agents.Catalogue, version string, log *logger.Logger) *ChatHandlers {
	return &ChatHandlers{
		manager:      mgr,
		store:        st,
		pending:      pending,
		availability: avail,
		catalogue:    cat,
		version:      version,
		logger:       log.WithFields(zap.String("component", "chat_handlers")),
	}
}

// RegisterRoutes wires the REST endpoints onto an authenticated group.
func (h *ChatHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/system/info", h.systemInfo)
	api.GET("/system/models", h.systemModels)

	conv := api.Group("/conversations")
	{
		conv.GET("", h.listConversations)
		conv.POST("", h.createConversation)

		// Static segments register before :id so gin does not treat
		// them as conversation ids.
		conv.GET("/sessions/resumable", h.listResumable)
		conv.GET("/sessions/recent", h.listRecent)
		conv.GET("/sessions/config", h.getSessionConfig)
		conv.PUT("/sessions/config", h.updateSessionConfig)
		conv.GET("/notifications/pending", h.drainNotifications)
		conv.GET("/tools/availability", h.toolAvailability)

		conv.GET("/:id", h.getConversation)
		conv.PATCH("/:id", h.patchConversation)
		conv.DELETE("/:id", h.deleteConversation)
		conv.POST("/:id/fork", h.forkConversation)
		conv.GET("/:id/messages", h.listMessages)
		conv.POST("/:id/message", h.sendMessage)
		conv.POST("/:id/resume", h.resumeConversation)
		conv.POST("/:id/approval", h.approve)
	}
}

func (h *ChatHandlers) systemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "tetherd",
		"version": h.version,
		"status":  "ok",
	})
}

func (h *ChatHandlers) systemModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.catalogue.All()})
}

func (h *ChatHandlers) listConversations(c *gin.Context) {
	filter := models.ConversationFilter{
		ProjectPath: c.Query("projectPath"),
		Status:      models.Status(c.Query("status")),
	}
	convs, err := h.store.ListConversations(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err, "failed to list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
		"total":         len(convs),
	})
}

func (h *ChatHandlers) createConversation(c *gin.Context) {
	var req manager.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})
		return
	}
	if req.Tool == "" || req.ProjectPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "tool and projectPath are required"})
		return
	}

	conv, err := h.manager.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "failed to create conversation")
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *ChatHandlers) getConversation(c *gin.Context) {
	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "conversation not found")
		return
	}
	resp := gin.H{"conversation": conv}
	if sess, ok := h.manager.Get(conv.ID); ok {
		resp["state"] = sess.State()
		resp["pendingApprovals"] = sess.PendingApprovals()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandlers) patchConversation(c *gin.Context) {
	var req struct {
		Topic *string `json:"topic"`
		Model *string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})
		return
	}
	if req.Topic == nil && req.Model == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "nothing to update"})
		return
	}

	id := c.Param("id")
	patch := store.ConversationPatch{Topic: req.Topic, Model: req.Model}
	if err := h.store.UpdateConversation(c.Request.Context(), id, patch); err != nil {
		h.fail(c, err, "failed to update conversation")
		return
	}
	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to reload conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ChatHandlers) deleteConversation(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to delete conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *ChatHandlers) forkConversation(c *gin.Context) {
	conv, err := h.manager.Fork(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to fork conversation")
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *ChatHandlers) listMessages(c *gin.Context) {
	opts := models.ListMessagesOptions{
		Limit:  100,
		Before: c.Query("before"),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			opts.Limit = parsed
		}
	}

	id := c.Param("id")
	// Existence check so a bad id is NotFound, not an empty page.
	if _, err := h.store.GetConversation(c.Request.Context(), id); err != nil {
		h.fail(c, err, "conversation not found")
		return
	}
	blocks, err := h.store.GetMessages(c.Request.Context(), id, opts)
	if err != nil {
		h.fail(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": blocks,
		"total":    len(blocks),
	})
}

func (h *ChatHandlers) sendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "content is required"})
		return
	}

	sess, err := h.manager.Attach(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "conversation not found")
		return
	}
	if err := sess.SendMessage(c.Request.Context(), req.Content); err != nil {
		h.fail(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

func (h *ChatHandlers) resumeConversation(c *gin.Context) {
	sess, err := h.manager.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to resume conversation")
		return
	}
	conv := sess.Conversation()
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"state":        sess.State(),
	})
}

func (h *ChatHandlers) approve(c *gin.Context) {
	var req struct {
		BlockID  string `json:"blockId"`
		Approved *bool  `json:"approved"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.BlockID == "" || req.Approved == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": "blockId and approved are required"})
		return
	}

	sess, ok := h.manager.Get(c.Param("id"))
	if !ok {
		h.fail(c, models.ErrNotFound, "no live session")
		return
	}
	if err := sess.Approve(c.Request.Context(), req.BlockID, *req.Approved); err != nil {
		h.fail(c, err, "failed to apply approval")
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

func (h *ChatHandlers) listResumable(c *gin.Context) {
	convs, err := h.manager.ListResumable(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list resumable sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": convs,
		"total":    len(convs),
	})
}

func (h *ChatHandlers) listRecent(c *gin.Context) {
	hours := 24
	if hs := c.Query("hours"); hs != "" {
		if parsed, err := strconv.Atoi(hs); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	convs, err := h.manager.Recent(c.Request.Context(), hours)
	if err != nil {
		h.fail(c, err, "failed to list recent sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": convs,
		"total":    len(convs),
	})
}

func (h *ChatHandlers) getSessionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Config())
}

func (h *ChatHandlers) updateSessionConfig(c *gin.Context) {
	var req models.SessionRuntimeConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.manager.UpdateConfig(req))
}

func (h *ChatHandlers) drainNotifications(c *gin.Context) {
	notifications := h.pending.Drain()
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"total":         len(notifications),
	})
}

func (h *ChatHandlers) toolAvailability(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.availability.CheckAll()})
}

// fail maps error kinds onto HTTP statuses and logs server faults.
func (h *ChatHandlers) fail(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   models.ErrorCode(err),
		"message": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrChildFailed), errors.Is(err, models.ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
