package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"omnichat-go/internal/service"
	"omnichat-go/pkg/errorx"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// CreateConversationRequest 定义了新建对话的请求体结构。
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// ListConversations 返回当前用户的全部对话。
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	owner := currentOwner(c)

	convs, err := h.service.List(c.Request.Context(), owner.ID)
	if err != nil {
		fail(c, "list conversations", err)
		return
	}
	success(c, http.StatusOK, "success", gin.H{"conversations": convs})
}

// CreateConversation 新建一个对话，请求体可以为空。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	owner := currentOwner(c)

	var req CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, "create conversation", errorx.NewValidation("title", "invalid request body"))
			return
		}
	}

	conv, err := h.service.Create(c.Request.Context(), owner.ID, req.Title)
	if err != nil {
		fail(c, "create conversation", err)
		return
	}
	success(c, http.StatusOK, "success", gin.H{"conversation": conv})
}

// GetConversation 返回对话及其消息。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	owner := currentOwner(c)

	detail, err := h.service.Get(c.Request.Context(), owner.ID, c.Param("conversationId"))
	if err != nil {
		fail(c, "get conversation", err)
		return
	}
	success(c, http.StatusOK, "success", detail)
}

// DeleteConversation 删除对话。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	owner := currentOwner(c)

	if err := h.service.Delete(c.Request.Context(), owner.ID, c.Param("conversationId")); err != nil {
		fail(c, "delete conversation", err)
		return
	}
	success(c, http.StatusOK, "Conversation deleted successfully", nil)
}
