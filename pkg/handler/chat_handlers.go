// Chat HTTP handlers - visitor-facing API
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/infirad/hadi/pkg/models"
	"github.com/infirad/hadi/pkg/service"
	"github.com/infirad/hadi/pkg/utils"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService *service.ChatService
	publicURL   string
	logger      *slog.Logger
}

// NewChatHandler creates a new chat handler. publicURL is advertised by
// /embed; when empty it is derived from the request.
func NewChatHandler(chatService *service.ChatService, publicURL string) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		publicURL:   publicURL,
		logger:      utils.GetLogger(),
	}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.POST("/chat", h.Chat)
	r.GET("/session/new", h.NewSession)
	r.GET("/session/:id", h.GetSession)
	r.GET("/embed", h.Embed)
}

// Root describes the service
// GET /
func (h *ChatHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Hadi Chat API - INFIRAD AI Assistant",
		"version": "1.0.0",
		"status":  "running",
		"endpoints": gin.H{
			"chat":        "/chat",
			"health":      "/health",
			"new_session": "/session/new",
			"session":     "/session/{id}",
			"widget":      "/widget",
			"embed":       "/embed",
			"events":      "/ws",
		},
	})
}

// Health reports liveness and the live session count
// GET /health
func (h *ChatHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:         "healthy",
		Service:        models.ServiceName,
		Timestamp:      time.Now().UTC(),
		SessionsActive: h.chatService.ActiveSessions(c.Request.Context()),
	})
}

// Chat runs one visitor turn
// POST /chat
func (h *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	resp, err := h.chatService.Chat(c.Request.Context(), service.ChatTurn{
		Message:   req.Message,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if errors.Is(err, service.ErrEmptyMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Chat turn failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// NewSession provisions a session for the widget
// GET /session/new?user_id=
func (h *ChatHandler) NewSession(c *gin.Context) {
	sess, err := h.chatService.NewSession(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		h.logger.Error("Failed to create session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.NewSessionResponse{
		SessionID: sess.ID,
		Message:   "New session created",
		Timestamp: time.Now().UTC(),
	})
}

// GetSession describes a live session
// GET /session/:id
func (h *ChatHandler) GetSession(c *gin.Context) {
	info, err := h.chatService.SessionInfo(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Embed returns the snippet for placing the widget on another site
// GET /embed
func (h *ChatHandler) Embed(c *gin.Context) {
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	c.JSON(http.StatusOK, gin.H{
		"instructions": "Add the following snippet before the closing </body> tag of your page.",
		"script":       fmt.Sprintf(`<script src="%s/widget.js" data-api="%s" defer></script>`, base, base),
		"iframe":       fmt.Sprintf(`<iframe src="%s/widget" style="border:0;width:380px;height:560px"></iframe>`, base),
		"widget_url":   base + "/widget",
	})
}
