package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"omnichat-go/internal/config"
	"omnichat-go/pkg/events"
	"omnichat-go/pkg/log"
)

// 同一条消息最多处理的次数，超过后提交 offset 放弃。
const maxAttempts = 3

// 两次重试之间的基础等待时间，第 n 次失败后等待 n 倍。
const defaultRetryBackoff = 500 * time.Millisecond

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费对话事件并交给 events.Handler 处理。
type Consumer struct {
	reader  messageReader
	rdb     *redis.Client
	handler events.Handler
	backoff time.Duration
}

// NewConsumer 创建消费组读取器。rdb 用于在重启之间保留失败次数，可以为 nil。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, handler events.Handler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return &Consumer{reader: r, rdb: rdb, handler: handler, backoff: defaultRetryBackoff}
}

// Run 循环拉取消息，直到 ctx 被取消或读取失败。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("Kafka 消费者已启动")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		c.handleMessage(ctx, m)
	}
}

// Close 关闭底层读取器。
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handleMessage 在当前消息上原地重试。消费组读取器不会重新投递未提交的消息，
// 后续消息的提交会越过它，所以只有进程重启才会再次读到同一条消息。
func (c *Consumer) handleMessage(ctx context.Context, m kafka.Message) {
	var ev events.ConversationEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s:%d:%d", m.Topic, m.Partition, m.Offset)
	attempts := c.previousAttempts(ctx, attemptsKey)
	for attempts < maxAttempts {
		err := c.handler.Handle(ctx, ev)
		if err == nil {
			log.Infof("对话事件处理成功: type=%s, conversation=%s", ev.Type, ev.ConversationID)
			c.clearAttempts(ctx, attemptsKey)
			c.commit(ctx, m)
			return
		}
		attempts = c.recordAttempt(ctx, attemptsKey, attempts)
		log.Errorf("处理对话事件失败(%d/%d): type=%s, conversation=%s, error=%v", attempts, maxAttempts, ev.Type, ev.ConversationID, err)
		if attempts >= maxAttempts {
			break
		}
		if !c.wait(ctx, attempts) {
			// 停机中，不提交，重启后从已提交的位置重新读取
			return
		}
	}

	log.Errorf("对话事件多次失败(>=%d)，提交 offset 终止重试: conversation=%s", maxAttempts, ev.ConversationID)
	c.clearAttempts(ctx, attemptsKey)
	c.commit(ctx, m)
}

// previousAttempts 读取重启前已经失败的次数。
func (c *Consumer) previousAttempts(ctx context.Context, key string) int {
	if c.rdb == nil {
		return 0
	}
	n, err := c.rdb.Get(ctx, key).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("读取重试次数失败: key=%s, error=%v", key, err)
		}
		return 0
	}
	return n
}

func (c *Consumer) recordAttempt(ctx context.Context, key string, attempts int) int {
	attempts++
	if c.rdb == nil {
		return attempts
	}
	// 停机时也要记下这次失败，重启后接着计数
	rctx := context.WithoutCancel(ctx)
	n, err := c.rdb.Incr(rctx, key).Result()
	if err != nil {
		log.Warnf("记录重试次数失败: key=%s, error=%v", key, err)
		return attempts
	}
	_ = c.rdb.Expire(rctx, key, 24*time.Hour).Err()
	return int(n)
}

func (c *Consumer) clearAttempts(ctx context.Context, key string) {
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, key).Err()
	}
}

// wait 等待退避时间，ctx 结束时返回 false。
func (c *Consumer) wait(ctx context.Context, attempts int) bool {
	if c.backoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.backoff * time.Duration(attempts))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
