// Package pipeline 定义了对话事件的后台处理流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"omnichat-go/pkg/events"
	"omnichat-go/pkg/log"
	"omnichat-go/pkg/storage"
)

// Janitor 在对话被删除后清理其消息引用的暂存文件。
type Janitor struct {
	stager storage.Stager
}

// NewJanitor 创建一个新的 Janitor 实例。
func NewJanitor(stager storage.Stager) *Janitor {
	return &Janitor{stager: stager}
}

// Handle 实现 events.Handler。非删除事件只记录日志。
// 部分文件删除失败时返回合并后的错误，已删除的文件在重试时会被视为成功。
func (j *Janitor) Handle(ctx context.Context, ev events.ConversationEvent) error {
	if ev.Type != events.TypeDeleted {
		log.Infow("conversation event", "type", ev.Type, "conversation", ev.ConversationID, "title", ev.Title)
		return nil
	}

	log.Infof("[Janitor] 开始清理对话暂存文件, conversation=%s, 文件数=%d", ev.ConversationID, len(ev.Artifacts))
	var errs []error
	for _, ref := range ev.Artifacts {
		if err := j.stager.Remove(ctx, ref); err != nil {
			log.Warnf("[Janitor] 删除暂存文件失败, ref=%s, error=%v", ref, err)
			errs = append(errs, fmt.Errorf("remove %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}
