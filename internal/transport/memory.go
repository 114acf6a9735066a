package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("transport: bus closed")

const memoryQueueSize = 1024

type memorySub struct {
	topic string
	group string
	queue chan Message
}

// MemoryBus is an in-process Bus for single-binary deployments and tests.
// Each (topic, group) pair gets one queue drained by one goroutine, so
// delivery within a group is in publish order. Handler errors are logged
// and the message is dropped.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*memorySub // topic → subscriptions
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger: logger,
		subs:   make(map[string][]*memorySub),
		done:   make(chan struct{}),
	}
}

// Publish encodes v and enqueues it for every group subscribed to topic.
// It blocks while a queue is full.
func (b *MemoryBus) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := encode(topic, v)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Key: key, Value: data, Time: time.Now().UTC()}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// Subscribe registers h for topic under group. A second subscription with
// the same group shares the existing queue.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	var sub *memorySub
	for _, s := range b.subs[topic] {
		if s.group == group {
			sub = s
			break
		}
	}
	if sub == nil {
		sub = &memorySub{topic: topic, group: group, queue: make(chan Message, memoryQueueSize)}
		b.subs[topic] = append(b.subs[topic], sub)
	}

	b.wg.Add(1)
	go b.drain(ctx, sub, h)
	return nil
}

func (b *MemoryBus) drain(ctx context.Context, sub *memorySub, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-sub.queue:
			if err := h(ctx, msg); err != nil {
				b.logger.Error("message handler failed",
					"topic", sub.topic, "group", sub.group, "key", msg.Key, "err", err)
			}
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
