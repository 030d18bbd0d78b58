// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Owner 对应于数据库中的 'owners' 表，是对话的归属者。
// 系统只有一个固定用户，首次使用时自动创建。
type Owner struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Owner) TableName() string {
	return "owners"
}
