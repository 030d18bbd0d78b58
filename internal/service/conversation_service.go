package service

import (
	"context"
	"strings"
	"time"

	"omnichat-go/internal/model"
	"omnichat-go/internal/repository"
	"omnichat-go/pkg/errorx"
	"omnichat-go/pkg/events"
	"omnichat-go/pkg/keylock"
	"omnichat-go/pkg/log"
)

// ConversationService 定义了对话管理的接口。
type ConversationService interface {
	Create(ctx context.Context, ownerID uint, title string) (*model.Conversation, error)
	List(ctx context.Context, ownerID uint) ([]model.Conversation, error)
	Get(ctx context.Context, ownerID uint, conversationID string) (*ConversationDetail, error)
	Delete(ctx context.Context, ownerID uint, conversationID string) error
}

// ConversationDetail 是对话及其按时间排序的全部消息。
type ConversationDetail struct {
	Conversation *model.Conversation `json:"conversation"`
	Messages     []model.Message     `json:"messages"`
}

type conversationService struct {
	repo         repository.ConversationRepository
	cache        repository.HistoryCache
	publisher    events.Publisher
	locks        *keylock.KeyLock
	storeTimeout time.Duration
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(
	repo repository.ConversationRepository,
	cache repository.HistoryCache,
	publisher events.Publisher,
	locks *keylock.KeyLock,
	storeTimeout time.Duration,
) ConversationService {
	if locks == nil {
		locks = keylock.New()
	}
	return &conversationService{
		repo:         repo,
		cache:        cache,
		publisher:    publisher,
		locks:        locks,
		storeTimeout: storeTimeout,
	}
}

// Create 新建对话，标题为空时使用占位标题。
func (s *conversationService) Create(ctx context.Context, ownerID uint, title string) (*model.Conversation, error) {
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	conv, err := s.repo.CreateConversation(sctx, ownerID, strings.TrimSpace(title))
	if err != nil {
		return nil, err
	}
	log.Infof("创建对话成功: conversation=%s, owner=%d", conv.ID, conv.OwnerID)
	publish(ctx, s.publisher, events.ConversationEvent{
		Type:           events.TypeCreated,
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Title:          conv.Title,
		At:             conv.CreatedAt,
	})
	return conv, nil
}

// List 按最近更新倒序返回用户的全部对话。
func (s *conversationService) List(ctx context.Context, ownerID uint) ([]model.Conversation, error) {
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.repo.ListConversations(sctx, ownerID)
}

// Get 返回对话及其消息。
func (s *conversationService) Get(ctx context.Context, ownerID uint, conversationID string) (*ConversationDetail, error) {
	conv, err := s.owned(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	msgs, err := s.repo.ListMessages(sctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{Conversation: conv, Messages: msgs}, nil
}

// Delete 删除对话及其消息，随后清理缓存并发布删除事件，由后台任务清理暂存文件。
func (s *conversationService) Delete(ctx context.Context, ownerID uint, conversationID string) error {
	conv, err := s.owned(ctx, ownerID, conversationID)
	if err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	msgs, err := s.repo.ListMessages(sctx, conversationID)
	if err != nil {
		return err
	}
	var artifacts []string
	for _, m := range msgs {
		if m.ArtifactRef != nil && *m.ArtifactRef != "" {
			artifacts = append(artifacts, *m.ArtifactRef)
		}
	}

	if err := s.repo.DeleteConversation(sctx, conversationID); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, conversationID); err != nil {
			log.Warnf("清理历史缓存失败: conversation=%s, error=%v", conversationID, err)
		}
	}
	log.Infof("删除对话成功: conversation=%s, 暂存文件数=%d", conversationID, len(artifacts))
	publish(ctx, s.publisher, events.ConversationEvent{
		Type:           events.TypeDeleted,
		ConversationID: conversationID,
		OwnerID:        conv.OwnerID,
		Title:          conv.Title,
		Artifacts:      artifacts,
		At:             time.Now(),
	})
	return nil
}

func (s *conversationService) owned(ctx context.Context, ownerID uint, conversationID string) (*model.Conversation, error) {
	sctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	conv, err := s.repo.GetConversation(sctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, errorx.NewNotFound("conversation", conversationID)
	}
	return conv, nil
}
