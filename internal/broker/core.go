package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// patternEntry 同一 pattern 的订阅，segments 预先切分
type patternEntry struct {
	segments []string
	wildcard bool
	subs     []*Subscription
}

func (p *patternEntry) matches(pattern string, topic string, topicSegments []string) bool {
	if !p.wildcard {
		return pattern == topic
	}
	return matchSegments(p.segments, topicSegments)
}

// core 各引擎共享的订阅索引、topic 注册表、历史与投递引擎。
// 所有共享状态只在 mu 下修改，handler 永远不在持锁时执行。
type core struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	patterns  map[string]*patternEntry
	registry  *topicRegistry
	history   *historyStore

	engine *deliveryEngine
	stats  counters
}

func newCore(cfg Config, logger *zap.Logger, publish publishFunc) *core {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DLQSuffix == "" {
		cfg.DLQSuffix = DefaultDLQSuffix
	}

	c := &core{
		cfg:      cfg,
		logger:   logger,
		patterns: make(map[string]*patternEntry),
		registry: newTopicRegistry(),
		history:  newHistoryStore(cfg.HistoryLimit()),
	}
	c.engine = newDeliveryEngine(cfg, logger, &c.stats, publish)
	return c
}

func (c *core) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// markConnected 返回 false 表示之前已连接
func (c *core) markConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return false
	}
	c.engine.start()
	c.connected = true
	return true
}

// markDisconnected 之后的发布立即失败，再等待在途投递退出
func (c *core) markDisconnected(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return false, nil
	}
	c.connected = false
	c.mu.Unlock()

	return true, c.engine.stop(ctx)
}

func notConnected(op, topic string) PublishResult {
	return PublishResult{
		Topic:     topic,
		Timestamp: time.Now(),
		Err:       &Error{Code: ErrCodeConnection, Op: op, Message: ErrNotConnected.Message},
	}
}

// publishLocal 记录并分发，内存引擎的发布路径
func (c *core) publishLocal(msg *Message) PublishResult {
	if msg == nil {
		return PublishResult{Timestamp: time.Now(), Err: newError(ErrCodeInvalidTopic, "publish", "message is nil")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return notConnected("publish", msg.Topic())
	}

	offset := c.recordLocked(msg)
	c.fanoutLocked(msg)

	return PublishResult{
		Success:   true,
		MessageID: msg.ID,
		Topic:     msg.Topic(),
		Offset:    offset,
		Timestamp: time.Now(),
	}
}

// publishRemote 网络引擎的发布路径：send 成功后计数，本地投递等消息从传输层回流后再做
func (c *core) publishRemote(op string, msg *Message, send func(data []byte) error) PublishResult {
	if msg == nil {
		return PublishResult{Timestamp: time.Now(), Err: newError(ErrCodeInvalidTopic, op, "message is nil")}
	}
	if !c.IsConnected() {
		return notConnected(op, msg.Topic())
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return PublishResult{Topic: msg.Topic(), Timestamp: time.Now(), Err: fmt.Errorf("%s: encode message: %w", op, err)}
	}

	if err := send(data); err != nil {
		c.logger.Error("publish message failed",
			zap.String("op", op),
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return PublishResult{
			Topic:     msg.Topic(),
			MessageID: msg.ID,
			Timestamp: time.Now(),
			Err:       &Error{Code: ErrCodeConnection, Op: op, Message: "transport publish failed", Err: err},
		}
	}

	c.mu.Lock()
	offset := c.recordLocked(msg)
	c.mu.Unlock()

	c.logger.Debug("message published",
		zap.String("op", op),
		zap.String("topic", msg.Topic()),
		zap.Int64("offset", offset),
		zap.Int("size", len(data)),
	)

	return PublishResult{
		Success:   true,
		MessageID: msg.ID,
		Topic:     msg.Topic(),
		Offset:    offset,
		Timestamp: time.Now(),
	}
}

// acceptRemote 从传输层收到的消息进入历史并投递给本地订阅
func (c *core) acceptRemote(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.fanoutLocked(msg)
}

// recordLocked 发布计数，返回 offset
func (c *core) recordLocked(msg *Message) int64 {
	c.stats.published.Add(1)
	return c.registry.recordPublish(msg.Topic(), c.exactSubscribersLocked(msg.Topic()))
}

// fanoutLocked 写入历史并为匹配的订阅派发投递任务
func (c *core) fanoutLocked(msg *Message) {
	c.registry.ensure(msg.Topic(), c.exactSubscribersLocked(msg.Topic()))
	c.history.append(msg)

	subs := c.matchLocked(msg.Topic())
	if len(subs) == 0 {
		c.logger.Debug("no subscribers for topic", zap.String("topic", msg.Topic()))
		return
	}
	c.engine.dispatch(msg, subs)
}

// matchLocked 每个不同的 pattern 只匹配一次
func (c *core) matchLocked(topic string) []*Subscription {
	segments := strings.Split(topic, separator)

	var subs []*Subscription
	for pattern, entry := range c.patterns {
		if !entry.matches(pattern, topic, segments) {
			continue
		}
		for _, sub := range entry.subs {
			if sub.IsActive() {
				subs = append(subs, sub)
			}
		}
	}
	return subs
}

func (c *core) exactSubscribersLocked(topic string) int {
	if entry, ok := c.patterns[topic]; ok {
		return len(entry.subs)
	}
	return 0
}

func (c *core) Subscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.Handler == nil {
		return newError(ErrCodeInvalidPattern, "subscribe", "subscription requires a handler")
	}
	if err := ValidatePattern(sub.Pattern); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = newID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.patterns[sub.Pattern]
	if !ok {
		entry = &patternEntry{
			segments: strings.Split(sub.Pattern, separator),
			wildcard: HasWildcard(sub.Pattern),
		}
		c.patterns[sub.Pattern] = entry
	}

	for _, existing := range entry.subs {
		if existing == sub || existing.ID == sub.ID {
			existing.activate()
			return nil
		}
	}

	entry.subs = append(entry.subs, sub)
	sub.activate()

	if !entry.wildcard {
		if _, created := c.registry.ensure(sub.Pattern, len(entry.subs)); !created {
			c.registry.addSubscribers(sub.Pattern, 1)
		}
	}

	c.logger.Info("subscription registered",
		zap.String("pattern", sub.Pattern),
		zap.String("subscription_id", sub.ID),
		zap.Int("pattern_subscribers", len(entry.subs)),
	)
	return nil
}

func (c *core) SubscribeHandler(ctx context.Context, pattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	sub := NewSubscription(pattern, handler, opts...)
	if err := c.Subscribe(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe 停用并移除 pattern 下的所有订阅；返回后这些订阅不会再开始任何 Handle 调用，
// 已在执行中的 Handle 不等待
func (c *core) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	entry, ok := c.patterns[pattern]
	if !ok {
		c.mu.Unlock()
		return nil
	}

	for _, sub := range entry.subs {
		sub.deactivate()
	}
	delete(c.patterns, pattern)

	if !entry.wildcard {
		c.registry.addSubscribers(pattern, -len(entry.subs))
	}
	c.mu.Unlock()

	for _, sub := range entry.subs {
		sub.drain()
	}

	c.logger.Info("subscriptions removed",
		zap.String("pattern", pattern),
		zap.Int("count", len(entry.subs)),
	)
	return nil
}

func (c *core) CreateTopic(ctx context.Context, name string) error {
	if err := ValidateTopic(name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, created := c.registry.ensure(name, c.exactSubscribersLocked(name)); created {
		c.logger.Info("topic created", zap.String("topic", name))
	}
	return nil
}

// DeleteTopic 同时丢弃该 topic 的历史，订阅保持不变。
// 同名 topic 之后再发布时 offset 接着删除前的计数递增，不会回到 0
func (c *core) DeleteTopic(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registry.remove(name) {
		return &Error{Code: ErrCodeTopicNotFound, Op: "delete topic", Message: name}
	}
	c.history.drop(name)

	c.logger.Info("topic deleted", zap.String("topic", name))
	return nil
}

func (c *core) ListTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.names()
}

func (c *core) TopicInfo(name string) (TopicInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.get(name)
}

func (c *core) MessageHistory(name string, limit int) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.last(name, limit)
}

func (c *core) SubscriberCount(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern != "" {
		if entry, ok := c.patterns[pattern]; ok {
			return len(entry.subs)
		}
		return 0
	}

	total := 0
	for _, entry := range c.patterns {
		total += len(entry.subs)
	}
	return total
}

// ReplayMessages 同步重放，不计数、不重试、不进死信。
// fromOffset 是保留缓冲内的下标（0 为最旧的保留消息），不是 Publish 返回的 offset；
// 发生淘汰后两者相差 MessageCount - 保留条数。
// handler 为空时交给当前匹配的活跃订阅处理。已被淘汰的消息不会重放，也不报错。
func (c *core) ReplayMessages(ctx context.Context, name string, fromOffset int, handler Handler) (int, error) {
	c.mu.Lock()
	if _, ok := c.registry.get(name); !ok {
		c.mu.Unlock()
		return 0, &Error{Code: ErrCodeTopicNotFound, Op: "replay", Message: name}
	}
	msgs := c.history.since(name, fromOffset)
	var subs []*Subscription
	if handler == nil {
		subs = c.matchLocked(name)
	}
	c.mu.Unlock()

	replayed := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		if handler != nil {
			handler.Handle(ctx, msg.clone())
		} else {
			for _, sub := range subs {
				if sub.accepts(msg) && sub.enter() {
					sub.release()
					sub.Handler.Handle(ctx, msg.clone())
				}
			}
		}
		replayed++
	}

	c.logger.Debug("messages replayed",
		zap.String("topic", name),
		zap.Int("from_offset", fromOffset),
		zap.Int("count", replayed),
	)
	return replayed, nil
}

// GetStats 获取统计信息
func (c *core) GetStats() *BrokerStats {
	c.mu.Lock()
	topics := c.registry.len()
	subscriptions := 0
	for _, entry := range c.patterns {
		subscriptions += len(entry.subs)
	}
	c.mu.Unlock()

	return &BrokerStats{
		MessagesPublished: c.stats.published.Load(),
		MessagesConsumed:  c.stats.consumed.Load(),
		MessagesFailed:    c.stats.failed.Load(),
		MessagesDLQ:       c.stats.dlq.Load(),
		ActiveDeliveries:  c.engine.inflight(),
		Topics:            topics,
		Subscriptions:     subscriptions,
	}
}
