package broker

import (
	"context"

	"go.uber.org/zap"
)

// MemoryBroker 进程内引擎：单分区，publish 只做记录与派发，不等待订阅方
type MemoryBroker struct {
	*core
}

func NewMemoryBroker(cfg Config, logger *zap.Logger) *MemoryBroker {
	cfg.Type = TypeMemory
	b := &MemoryBroker{}
	b.core = newCore(cfg, logger, b.Publish)
	return b
}

// Connect 内存引擎总能成功
func (b *MemoryBroker) Connect(ctx context.Context) error {
	if b.markConnected() {
		b.logger.Info("memory broker connected",
			zap.Int("history_limit", b.cfg.HistoryLimit()),
			zap.Bool("dlq", b.cfg.EnableDLQ),
		)
	}
	return nil
}

func (b *MemoryBroker) Disconnect(ctx context.Context) error {
	changed, err := b.markDisconnected(ctx)
	if changed {
		stats := b.GetStats()
		b.logger.Info("memory broker disconnected",
			zap.Int64("published", stats.MessagesPublished),
			zap.Int64("consumed", stats.MessagesConsumed),
			zap.Int64("failed", stats.MessagesFailed),
			zap.Int64("dlq", stats.MessagesDLQ),
		)
	}
	return err
}

func (b *MemoryBroker) Publish(ctx context.Context, msg *Message) PublishResult {
	res := b.publishLocal(msg)
	if res.Err != nil {
		b.logger.Debug("publish rejected", zap.String("topic", res.Topic), zap.Error(res.Err))
		return res
	}

	b.logger.Debug("message published",
		zap.String("topic", res.Topic),
		zap.String("message_id", res.MessageID),
		zap.Int64("offset", res.Offset),
		zap.Int("size", len(msg.Payload)),
	)
	return res
}
