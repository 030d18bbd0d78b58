package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"omnichat-go/internal/model"
	"omnichat-go/pkg/errorx"
)

// ConversationRepository 定义了对话与消息的持久化操作。
type ConversationRepository interface {
	CreateConversation(ctx context.Context, ownerID uint, title string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, ownerID uint) ([]model.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, role model.Role, modality model.Modality, content string, artifactRef *string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	UpdateTitle(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, id string) error
}

type gormConversationRepository struct {
	db           *gorm.DB
	defaultOwner model.Owner
	now          func() time.Time
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
// defaultOwner 用于在归属者不存在时自动创建默认用户。
func NewConversationRepository(db *gorm.DB, defaultOwner model.Owner) ConversationRepository {
	return &gormConversationRepository{db: db, defaultOwner: defaultOwner, now: time.Now}
}

// AutoMigrate 创建或更新 owners / conversations / messages 三张表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Owner{}, &model.Conversation{}, &model.Message{})
}

// CreateConversation 创建一个新对话。归属者不存在时先创建默认用户。
func (r *gormConversationRepository) CreateConversation(ctx context.Context, ownerID uint, title string) (*model.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = model.DefaultConversationTitle
	}
	var conv model.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner model.Owner
		err := tx.Take(&owner, "id = ?", ownerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created, cerr := findOrCreateOwner(tx, r.defaultOwner.Username, r.defaultOwner.Email)
			if cerr != nil {
				return cerr
			}
			owner = *created
		} else if err != nil {
			return err
		}

		now := r.now()
		conv = model.Conversation{
			ID:        uuid.NewString(),
			OwnerID:   owner.ID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&conv).Error
	})
	if err != nil {
		return nil, wrapStoreErr("create conversation", err)
	}
	return &conv, nil
}

// GetConversation 根据 ID 获取对话，不存在时返回 NotFoundError。
func (r *gormConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Take(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errorx.NewNotFound("conversation", id)
	}
	if err != nil {
		return nil, errorx.NewStore("get conversation", err)
	}
	return &conv, nil
}

// ListConversations 按最近更新时间倒序列出用户的对话。
func (r *gormConversationRepository) ListConversations(ctx context.Context, ownerID uint) ([]model.Conversation, error) {
	convs := make([]model.Conversation, 0)
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, errorx.NewStore("list conversations", err)
	}
	return convs, nil
}

// AppendMessage 在同一事务内写入消息并刷新对话的 updated_at。
// 新时间戳严格大于对话上一次的 updated_at，保证同一对话内消息按时间严格有序。
func (r *gormConversationRepository) AppendMessage(ctx context.Context, conversationID string, role model.Role, modality model.Modality, content string, artifactRef *string) (*model.Message, error) {
	if !role.Valid() {
		return nil, errorx.NewValidation("role", "unsupported role "+string(role))
	}
	if !modality.Valid() {
		return nil, errorx.NewValidation("modality", "unsupported modality "+string(modality))
	}

	var msg model.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		// SQLite 方言会忽略行锁子句
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "updated_at").
			Take(&conv, "id = ?", conversationID).Error
		if err != nil {
			return err
		}

		now := r.now()
		if !now.After(conv.UpdatedAt) {
			now = conv.UpdatedAt.Add(time.Microsecond)
		}

		msg = model.Message{
			ConversationID: conversationID,
			Role:           role,
			Modality:       modality,
			Content:        content,
			ArtifactRef:    artifactRef,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			UpdateColumn("updated_at", now).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errorx.NewNotFound("conversation", conversationID)
	}
	if err != nil {
		return nil, errorx.NewStore("append message", err)
	}
	return &msg, nil
}

// ListMessages 按创建时间正序返回对话的全部消息。
func (r *gormConversationRepository) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs := make([]model.Message, 0)
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, errorx.NewStore("list messages", err)
	}
	return msgs, nil
}

// UpdateTitle 更新对话标题，不影响 updated_at。
func (r *gormConversationRepository) UpdateTitle(ctx context.Context, conversationID, title string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		UpdateColumn("title", title)
	if res.Error != nil {
		return errorx.NewStore("update title", res.Error)
	}
	if res.RowsAffected == 0 {
		return errorx.NewNotFound("conversation", conversationID)
	}
	return nil
}

// DeleteConversation 删除对话及其全部消息。
func (r *gormConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Conversation{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return errorx.NewStore("delete conversation", err)
	}
	if affected == 0 {
		return errorx.NewNotFound("conversation", id)
	}
	return nil
}

// wrapStoreErr 保留已经分类的错误，其余包装为 StoreError。
func wrapStoreErr(op string, err error) error {
	var se *errorx.StoreError
	if errors.As(err, &se) {
		return err
	}
	return errorx.NewStore(op, err)
}
