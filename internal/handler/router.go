package handler

import (
	"github.com/gin-gonic/gin"
	"omnichat-go/internal/middleware"
	"omnichat-go/internal/model"
)

// RegisterRoutes 注册全部 HTTP 路由。principal 负责注入当前用户。
func RegisterRoutes(r *gin.Engine, principal gin.HandlerFunc, conv *ConversationHandler, chat *ChatHandler) {
	r.GET("/health", Health)

	api := r.Group("/api/chat")
	api.Use(principal)
	{
		api.GET("/conversations", conv.ListConversations)
		api.POST("/conversations", conv.CreateConversation)
		api.GET("/conversations/:conversationId", conv.GetConversation)
		api.DELETE("/conversations/:conversationId", conv.DeleteConversation)

		api.POST("/conversations/:conversationId/messages", chat.SendMessage)
		api.POST("/conversations/:conversationId/voice", chat.SendVoice)
		api.POST("/conversations/:conversationId/image", chat.SendImage)
	}
}

func currentOwner(c *gin.Context) *model.Owner {
	return c.MustGet(middleware.OwnerKey).(*model.Owner)
}
