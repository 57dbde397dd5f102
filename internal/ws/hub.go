package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qiuyier/medlink-bus/internal/broker"
	"go.uber.org/zap"
)

const hubHandlerTimeout = 5 * time.Second

// hubEntry 一个 pattern 对应一个 broker 订阅，被多个连接共享
type hubEntry struct {
	sub   *broker.Subscription
	conns map[*Connection]struct{}
}

// Hub 把 websocket 连接的订阅映射到 broker 订阅，按 pattern 引用计数
type Hub struct {
	broker broker.Broker
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*hubEntry
}

func NewHub(b broker.Broker, logger *zap.Logger) *Hub {
	return &Hub{
		broker:  b,
		logger:  logger,
		entries: make(map[string]*hubEntry),
	}
}

// Subscribe 第一个连接订阅某 pattern 时才在 broker 上注册
func (h *Hub) Subscribe(ctx context.Context, conn *Connection, pattern string) error {
	if err := broker.ValidatePattern(pattern); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[pattern]
	if !ok {
		sub, err := h.broker.SubscribeHandler(ctx, pattern, h.fanout(pattern),
			broker.WithoutRetry(),
			broker.WithTimeout(hubHandlerTimeout),
		)
		if err != nil {
			return err
		}
		entry = &hubEntry{sub: sub, conns: make(map[*Connection]struct{})}
		h.entries[pattern] = entry

		h.logger.Info("hub pattern registered", zap.String("pattern", pattern))
	}

	entry.conns[conn] = struct{}{}
	conn.addPattern(pattern)
	return nil
}

// Unsubscribe 最后一个连接退订时移除 broker 订阅
func (h *Hub) Unsubscribe(ctx context.Context, conn *Connection, pattern string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.removePattern(pattern)
	return h.detachLocked(ctx, conn, pattern)
}

// RemoveConnection 连接断开时退订其全部 pattern
func (h *Hub) RemoveConnection(ctx context.Context, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, pattern := range conn.Patterns() {
		conn.removePattern(pattern)
		if err := h.detachLocked(ctx, conn, pattern); err != nil {
			h.logger.Error("hub unsubscribe failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}

func (h *Hub) detachLocked(ctx context.Context, conn *Connection, pattern string) error {
	entry, ok := h.entries[pattern]
	if !ok {
		return nil
	}

	delete(entry.conns, conn)
	if len(entry.conns) > 0 {
		return nil
	}

	delete(h.entries, pattern)
	h.logger.Info("hub pattern released", zap.String("pattern", pattern))
	return h.broker.Unsubscribe(ctx, pattern)
}

// Publish 以连接身份发布
func (h *Hub) Publish(ctx context.Context, conn *Connection, p *PublishPayload) broker.PublishResult {
	return broker.PublishPayload(ctx, h.broker, p.Topic, p.Data, p.Headers,
		broker.WithSource("ws:"+conn.UserID),
	)
}

// Patterns 当前在 broker 上注册的 pattern 及其连接数
func (h *Hub) Patterns() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]int, len(h.entries))
	for pattern, entry := range h.entries {
		out[pattern] = len(entry.conns)
	}
	return out
}

// Close 移除全部 broker 订阅
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	patterns := make([]string, 0, len(h.entries))
	for pattern := range h.entries {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	var firstErr error
	for _, pattern := range patterns {
		delete(h.entries, pattern)
		if err := h.broker.Unsubscribe(ctx, pattern); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fanout 投递给订阅了该 pattern 的连接
func (h *Hub) fanout(pattern string) broker.Handler {
	return broker.HandlerHooks{
		HandleFunc: func(ctx context.Context, msg *broker.Message) broker.ConsumeResult {
			h.mu.Lock()
			entry, ok := h.entries[pattern]
			var conns []*Connection
			if ok {
				conns = make([]*Connection, 0, len(entry.conns))
				for c := range entry.conns {
					conns = append(conns, c)
				}
			}
			h.mu.Unlock()

			if len(conns) == 0 {
				return broker.Ack()
			}

			data, err := EncodeFrame(MessageTypeMessage, msg.ID, NewDeliveryPayload(msg, pattern))
			if err != nil {
				return broker.Drop(err)
			}

			sent := 0
			for _, c := range conns {
				if c.Send(data) {
					sent++
				}
			}

			h.logger.Debug("message pushed to connections",
				zap.String("topic", msg.Topic()),
				zap.String("pattern", pattern),
				zap.Int("targets", len(conns)),
				zap.Int("sent", sent),
			)
			return broker.Ack()
		},
	}
}
