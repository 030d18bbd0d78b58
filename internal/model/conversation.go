// Package model 包含了应用的数据模型定义。
package model

import "time"

// DefaultConversationTitle 是新建对话的占位标题，也是标题生成失败时的回退值。
const DefaultConversationTitle = "New Conversation"

// ChatMessage 是消息的 {role, content} 投影，用作补全上下文和 Redis 历史缓存条目。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation 是属于某个用户的一组有序消息。
// UpdatedAt 在每次追加消息时刷新，列表按其倒序展示。
type Conversation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID   uint      `gorm:"index;not null" json:"ownerId"`
	Owner     *Owner    `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `gorm:"precision:6" json:"createdAt"`
	UpdatedAt time.Time `gorm:"precision:6;index" json:"updatedAt"`
	Messages  []Message `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}
