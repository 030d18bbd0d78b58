// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"

	"gorm.io/gorm"
	"omnichat-go/internal/model"
	"omnichat-go/pkg/errorx"
)

// OwnerRepository 接口定义了对话归属者的持久化操作。
type OwnerRepository interface {
	FindOrCreate(ctx context.Context, username, email string) (*model.Owner, error)
}

// ownerRepository 是 OwnerRepository 接口的 GORM 实现。
type ownerRepository struct {
	db *gorm.DB
}

// NewOwnerRepository 创建一个新的 OwnerRepository 实例。
func NewOwnerRepository(db *gorm.DB) OwnerRepository {
	return &ownerRepository{db: db}
}

// FindOrCreate 按用户名查找用户，不存在则创建。
func (r *ownerRepository) FindOrCreate(ctx context.Context, username, email string) (*model.Owner, error) {
	return findOrCreateOwner(r.db.WithContext(ctx), username, email)
}

func findOrCreateOwner(db *gorm.DB, username, email string) (*model.Owner, error) {
	owner := model.Owner{Username: username, Email: email}
	if err := db.Where(model.Owner{Username: username}).FirstOrCreate(&owner).Error; err != nil {
		return nil, errorx.NewStore("find or create owner", err)
	}
	return &owner, nil
}
