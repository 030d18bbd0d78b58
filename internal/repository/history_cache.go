package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"omnichat-go/internal/model"
)

// HistoryCache 是对话历史在 Redis 中的只读副本，数据库始终是权威来源。
type HistoryCache interface {
	// Load 返回缓存的历史以及是否命中。
	Load(ctx context.Context, conversationID string) ([]model.ChatMessage, bool, error)
	// Fill 用完整历史覆盖缓存。
	Fill(ctx context.Context, conversationID string, turns []model.ChatMessage) error
	// Append 只在缓存已存在时追加，避免产生残缺的历史。
	Append(ctx context.Context, conversationID string, turns ...model.ChatMessage) error
	Invalidate(ctx context.Context, conversationID string) error
}

type redisHistoryCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewHistoryCache 创建一个基于 Redis 列表的 HistoryCache 实例。
func NewHistoryCache(redisClient *redis.Client, ttl time.Duration) HistoryCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &redisHistoryCache{redisClient: redisClient, ttl: ttl}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:history", conversationID)
}

// Load 从 Redis 读取对话历史。
func (r *redisHistoryCache) Load(ctx context.Context, conversationID string) ([]model.ChatMessage, bool, error) {
	items, err := r.redisClient.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get conversation history: %w", err)
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	turns := make([]model.ChatMessage, 0, len(items))
	for _, item := range items {
		var turn model.ChatMessage
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal conversation history: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, true, nil
}

// Fill 重建整个历史列表并刷新过期时间。
func (r *redisHistoryCache) Fill(ctx context.Context, conversationID string, turns []model.ChatMessage) error {
	if len(turns) == 0 {
		return nil
	}
	values, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	key := historyKey(conversationID)
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

// Append 使用 RPUSHX 追加，列表不存在时什么也不做。
func (r *redisHistoryCache) Append(ctx context.Context, conversationID string, turns ...model.ChatMessage) error {
	if len(turns) == 0 {
		return nil
	}
	values, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	key := historyKey(conversationID)
	n, err := r.redisClient.RPushX(ctx, key, values...).Result()
	if err != nil {
		return fmt.Errorf("failed to append conversation history: %w", err)
	}
	if n > 0 {
		r.redisClient.Expire(ctx, key, r.ttl)
	}
	return nil
}

// Invalidate 删除缓存的历史。
func (r *redisHistoryCache) Invalidate(ctx context.Context, conversationID string) error {
	if err := r.redisClient.Del(ctx, historyKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation history: %w", err)
	}
	return nil
}

func encodeTurns(turns []model.ChatMessage) ([]interface{}, error) {
	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation history: %w", err)
		}
		values = append(values, string(data))
	}
	return values, nil
}
