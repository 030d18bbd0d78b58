package model

import "time"

// Role 是消息的发送方角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid 判断角色是否合法。
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Modality 是消息的输入通道。
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	ModalityImage Modality = "image"
)

// Valid 判断输入通道是否合法。
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityVoice, ModalityImage:
		return true
	}
	return false
}

// Message 对应于数据库中的 'messages' 表，是对话中的一轮发言。
// 消息只追加不修改，随所属对话级联删除。
// 语音和图片消息的 Content 是转写文本或提示语，原始文件只通过 ArtifactRef 引用。
type Message struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1" json:"conversationId"`
	Role           Role      `gorm:"type:varchar(20);not null;check:chk_messages_role,role IN ('user','assistant','system')" json:"role"`
	Modality       Modality  `gorm:"type:varchar(20);not null;default:'text';check:chk_messages_modality,modality IN ('text','voice','image')" json:"modality"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	ArtifactRef    *string   `gorm:"type:varchar(500)" json:"artifactRef,omitempty"`
	CreatedAt      time.Time `gorm:"precision:6;index:idx_messages_conversation_created,priority:2" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}

// Turn 把消息投影为补全上下文中的一轮。
func (m Message) Turn() ChatMessage {
	return ChatMessage{Role: string(m.Role), Content: m.Content}
}
