package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"omnichat-go/internal/model"
	"omnichat-go/internal/repository"
	"omnichat-go/pkg/log"
)

// OwnerKey 是当前用户在 gin.Context 中的键。
const OwnerKey = "owner"

// Principal 创建一个 Gin 中间件，把固定的默认用户注入上下文。
// 用户在首次请求时查找或创建，成功后缓存在进程内。
func Principal(owners repository.OwnerRepository, username, email string) gin.HandlerFunc {
	var mu sync.Mutex
	var cached *model.Owner

	return func(c *gin.Context) {
		mu.Lock()
		owner := cached
		if owner == nil {
			o, err := owners.FindOrCreate(c.Request.Context(), username, email)
			if err != nil {
				mu.Unlock()
				log.Error("加载默认用户失败", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":      http.StatusInternalServerError,
					"message":   "Sorry, something went wrong while processing your request.",
					"errorCode": "store_error",
					"data":      nil,
				})
				return
			}
			cached, owner = o, o
		}
		mu.Unlock()

		c.Set(OwnerKey, owner)
		c.Next()
	}
}
