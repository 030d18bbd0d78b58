// Package events defines conversation lifecycle events and their in-process delivery.
package events

import (
	"context"
	"time"
)

// Type 是事件类型。
type Type string

const (
	TypeCreated Type = "conversation.created"
	TypeTitled  Type = "conversation.titled"
	TypeDeleted Type = "conversation.deleted"
)

// ConversationEvent 描述一次对话生命周期变化。
// Artifacts 只在删除事件中携带，是该对话所有消息引用的暂存文件。
type ConversationEvent struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        uint      `json:"owner_id"`
	Title          string    `json:"title,omitempty"`
	Artifacts      []string  `json:"artifacts,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher 发布对话事件。发布失败由调用方记录日志，不影响主流程。
type Publisher interface {
	Publish(ctx context.Context, ev ConversationEvent) error
	Close() error
}

// Handler 消费对话事件。
type Handler interface {
	Handle(ctx context.Context, ev ConversationEvent) error
}

// HandlerFunc 把普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, ev ConversationEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev ConversationEvent) error {
	return f(ctx, ev)
}
