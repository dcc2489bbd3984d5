// Admin API handlers - leads, history, stats and exports
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/event"
	"github.com/infirad/hadi/pkg/models"
	"github.com/infirad/hadi/pkg/service"
	"github.com/infirad/hadi/pkg/utils"
)

// AdminHandler handles operator requests
type AdminHandler struct {
	store         *service.ChatStoreService
	chatService   *service.ChatService
	exportService *service.ExportService
	emitter       *event.Emitter
	token         string
	logger        *slog.Logger
}

// NewAdminHandler creates a new admin handler. An empty token leaves the
// routes open.
func NewAdminHandler(store *service.ChatStoreService, chatService *service.ChatService, exportService *service.ExportService, emitter *event.Emitter, token string) *AdminHandler {
	if emitter == nil {
		emitter = event.Global()
	}
	return &AdminHandler{
		store:         store,
		chatService:   chatService,
		exportService: exportService,
		emitter:       emitter,
		token:         token,
		logger:        utils.GetLogger(),
	}
}

// RegisterRoutes registers admin routes
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin", BearerAuth(h.token))
	{
		admin.GET("/stats", h.Stats)
		admin.GET("/requests", h.ListRequests)
		admin.GET("/requests/:id", h.GetRequest)
		admin.PUT("/requests/:id/status", h.UpdateRequestStatus)
		admin.GET("/sessions", h.ListSessions)
		admin.GET("/sessions/:id/history", h.SessionHistory)
		admin.POST("/sessions/cleanup", h.CleanupSessions)
		admin.GET("/export.xlsx", h.ExportExcel)
		admin.GET("/export.json", h.ExportJSON)
	}
}

// Stats returns the aggregate counts
// GET /admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_sessions":   stats.TotalSessions,
		"total_messages":   stats.TotalMessages,
		"total_requests":   stats.TotalRequests,
		"pending_requests": stats.PendingRequests,
		"active_sessions":  h.chatService.ActiveSessions(c.Request.Context()),
	})
}

// ListRequests lists leads, optionally filtered by status
// GET /admin/requests?status=new
func (h *AdminHandler) ListRequests(c *gin.Context) {
	var (
		reqs []db.ClientRequest
		err  error
	)
	if status := c.Query("status"); status != "" {
		if !db.ValidRequestStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status %q", status)})
			return
		}
		reqs, err = h.store.GetRequestsByStatus(c.Request.Context(), status)
	} else {
		reqs, err = h.store.GetAllRequests(c.Request.Context())
	}
	if err != nil {
		h.logger.Error("Failed to list requests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list requests"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs, "count": len(reqs)})
}

func parseRequestID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return 0, false
	}
	return uint(id), true
}

// GetRequest returns one lead
// GET /admin/requests/:id
func (h *AdminHandler) GetRequest(c *gin.Context) {
	id, ok := parseRequestID(c)
	if !ok {
		return
	}
	req, err := h.store.GetClientRequest(c.Request.Context(), id)
	if errors.Is(err, service.ErrRequestNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get request", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get request"})
		return
	}
	c.JSON(http.StatusOK, req)
}

// UpdateRequestStatus moves a lead through its workflow
// PUT /admin/requests/:id/status
func (h *AdminHandler) UpdateRequestStatus(c *gin.Context) {
	id, ok := parseRequestID(c)
	if !ok {
		return
	}
	var body models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	err := h.store.UpdateClientRequestStatus(c.Request.Context(), id, body.Status)
	switch {
	case errors.Is(err, service.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	case err != nil:
		h.logger.Error("Failed to update request status", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update request status"})
		return
	}

	h.emitter.Emit(event.LeadStatusChangedEvent{RequestID: id, Status: body.Status})
	c.JSON(http.StatusOK, gin.H{"id": id, "status": body.Status})
}

// ListSessions lists logged session summaries
// GET /admin/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions, err := h.store.GetAllSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// SessionHistory returns the logged turns of one session
// GET /admin/sessions/:id/history
func (h *AdminHandler) SessionHistory(c *gin.Context) {
	id := c.Param("id")
	history, err := h.store.GetSessionHistory(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get session history", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "messages": history, "count": len(history)})
}

// CleanupSessions evicts idle sessions now
// POST /admin/sessions/cleanup
func (h *AdminHandler) CleanupSessions(c *gin.Context) {
	evicted, err := h.chatService.CleanupSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to clean up sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clean up sessions"})
		return
	}
	if evicted == nil {
		evicted = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"evicted": evicted, "count": len(evicted)})
}

func exportName(ext string) string {
	return fmt.Sprintf("hadi_data_%s.%s", time.Now().Format("20060102_150405"), ext)
}

// ExportExcel streams the workbook
// GET /admin/export.xlsx
func (h *AdminHandler) ExportExcel(c *gin.Context) {
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportName("xlsx")))
	if err := h.exportService.WriteExcel(c.Request.Context(), c.Writer); err != nil {
		h.logger.Error("Failed to export workbook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export data"})
	}
}

// ExportJSON streams the JSON bundle
// GET /admin/export.json
func (h *AdminHandler) ExportJSON(c *gin.Context) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportName("json")))
	if err := h.exportService.ExportJSON(c.Request.Context(), c.Writer); err != nil {
		h.logger.Error("Failed to export bundle", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export data"})
	}
}
