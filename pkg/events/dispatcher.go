package events

import (
	"context"
	"errors"
	"sync"

	"omnichat-go/pkg/log"
)

// ErrQueueFull 表示进程内事件队列已满，事件被丢弃。
var ErrQueueFull = errors.New("event queue full")

// ErrClosed 表示分发器已关闭。
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher 在未启用 Kafka 时把事件异步投递给进程内的 Handler。
type Dispatcher struct {
	handler Handler
	queue   chan ConversationEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher 创建分发器并启动单个投递协程。
func NewDispatcher(handler Handler, size int) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	d := &Dispatcher{
		handler: handler,
		queue:   make(chan ConversationEvent, size),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue {
		if err := d.handler.Handle(context.Background(), ev); err != nil {
			log.Errorf("处理对话事件失败: type=%s, conversation=%s, error=%v", ev.Type, ev.ConversationID, err)
		}
	}
}

// Publish 非阻塞地入队，队列满时返回 ErrQueueFull。
func (d *Dispatcher) Publish(_ context.Context, ev ConversationEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close 停止接收新事件，并等待已入队的事件处理完毕。
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
	return nil
}
