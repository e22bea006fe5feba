package conversation

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/askgen/internal/api/response"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/service"
)

// Handler handles conversation API requests
type Handler struct {
	generationService *service.GenerationService
}

// NewHandler creates a new conversation handler
func NewHandler(generationService *service.GenerationService) *Handler {
	return &Handler{generationService: generationService}
}

// RegisterRoutes registers conversation routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	conversations := r.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("/:id", h.GetConversation)
		conversations.GET("/:id/messages", h.ListMessages)
		conversations.POST("/:id/messages", h.SubmitMessage)
		conversations.GET("/:id/messages/:message_id/status", h.GetStatus)
	}
}

// CreateConversation handles POST /conversations
func (h *Handler) CreateConversation(c *gin.Context) {
	var req domain.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}

	conv, err := h.generationService.CreateConversation(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// GetConversation handles GET /conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.generationService.Conversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// ListMessages handles GET /conversations/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	skip, err := queryInt(c, "skip", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit", service.DefaultMessageLimit)
	if err != nil {
		response.Error(c, err)
		return
	}

	msgs, err := h.generationService.Messages(c.Request.Context(), c.Param("id"), skip, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, msgs)
}

// SubmitMessage handles POST /conversations/:id/messages. Generation runs
// in the background; the answer is read by polling or over the websocket.
func (h *Handler) SubmitMessage(c *gin.Context) {
	var req domain.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}

	resp, err := h.generationService.Submit(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetStatus handles GET /conversations/:id/messages/:message_id/status
func (h *Handler) GetStatus(c *gin.Context) {
	resp, err := h.generationService.Status(c.Request.Context(), c.Param("id"), c.Param("message_id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidRequest, key)
	}
	return n, nil
}
