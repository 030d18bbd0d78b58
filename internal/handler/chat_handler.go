package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"omnichat-go/internal/service"
	"omnichat-go/pkg/errorx"
	"omnichat-go/pkg/llm"
	"omnichat-go/pkg/storage"
)

// ChatHandler 处理文本、语音和图片消息。
type ChatHandler struct {
	chatService service.ChatService
	uploader    *Uploader
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, uploader *Uploader) *ChatHandler {
	return &ChatHandler{chatService: chatService, uploader: uploader}
}

// SendMessageRequest 定义了发送文本消息的请求体结构。
type SendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessage 处理文本消息。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	owner := currentOwner(c)

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "send message", errorx.NewValidation("message", "message is required"))
		return
	}

	reply, err := h.chatService.ProcessText(c.Request.Context(), owner.ID, c.Param("conversationId"), req.Message)
	if err != nil {
		fail(c, "send message", err)
		return
	}
	success(c, http.StatusOK, "success", gin.H{"replyText": reply})
}

// SendVoice 处理语音消息。
func (h *ChatHandler) SendVoice(c *gin.Context) {
	owner := currentOwner(c)

	up, err := h.uploader.receive(c, "audio", storage.CategoryAudio, audioTypes)
	if err != nil {
		fail(c, "send voice", err)
		return
	}

	res, err := h.chatService.ProcessVoice(c.Request.Context(), owner.ID, c.Param("conversationId"), up.data, up.ref)
	if err != nil {
		if unreferenced(err) {
			h.uploader.discard(c.Request.Context(), up.ref)
		}
		fail(c, "send voice", err)
		return
	}
	success(c, http.StatusOK, "success", res)
}

// SendImage 处理图片消息，prompt 为可选表单字段。
func (h *ChatHandler) SendImage(c *gin.Context) {
	owner := currentOwner(c)

	up, err := h.uploader.receive(c, "image", storage.CategoryImages, imageTypes)
	if err != nil {
		fail(c, "send image", err)
		return
	}

	res, err := h.chatService.ProcessImage(c.Request.Context(), owner.ID, c.Param("conversationId"), up.data, c.PostForm("prompt"), up.ref)
	if err != nil {
		if unreferenced(err) {
			h.uploader.discard(c.Request.Context(), up.ref)
		}
		fail(c, "send image", err)
		return
	}
	success(c, http.StatusOK, "success", res)
}

// unreferenced 判断失败是否发生在写入任何消息之前，此时暂存文件不会被引用。
func unreferenced(err error) bool {
	var te *errorx.TranscriptionError
	var pe *errorx.ProviderError
	switch {
	case errorx.IsNotFound(err), errors.As(err, &te):
		return true
	case errors.As(err, &pe):
		return pe.Capability == llm.CapabilityAnalyze
	}
	return false
}
