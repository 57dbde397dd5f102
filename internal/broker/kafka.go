package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const headerMessageID = "message_id"

// KafkaBroker 所有 bus topic 共用一个 Kafka topic，bus topic 放在 message key 中
type KafkaBroker struct {
	*core

	brokers []string
	topic   string
	groupID string

	writer *kafka.Writer
	reader *kafka.Reader
	inbox  *inbox

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	loops       sync.WaitGroup
}

func NewKafkaBroker(cfg Config, logger *zap.Logger) *KafkaBroker {
	cfg.Type = TypeKafka

	k := &KafkaBroker{
		brokers: cfg.Kafka.Brokers,
		topic:   cfg.Kafka.Topic,
		groupID: cfg.Kafka.GroupID,
	}
	k.core = newCore(cfg, logger, k.Publish)
	k.inbox = newInbox("kafka", cfg, k.logger, k.acceptRemote)
	return k
}

func (k *KafkaBroker) Connect(ctx context.Context) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()

	if k.IsConnected() {
		return nil
	}
	if len(k.brokers) == 0 || k.topic == "" {
		return newError(ErrCodeConfiguration, "kafka connect", "brokers and topic are required")
	}

	if err := k.connect(ctx); err != nil {
		return wrapError(ErrCodeConnection, "kafka connect", err)
	}

	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.markConnected()
	k.inbox.start()
	k.startReceiveLoop()

	k.loops.Add(1)
	go k.monitorConnection()

	k.logger.Info("kafka broker connected",
		zap.Strings("brokers", k.brokers),
		zap.String("topic", k.topic),
		zap.String("group_id", k.groupID),
	)
	return nil
}

func (k *KafkaBroker) Disconnect(ctx context.Context) error {
	k.lifecycleMu.Lock()
	defer k.lifecycleMu.Unlock()

	changed, err := k.markDisconnected(ctx)
	if !changed {
		return nil
	}

	k.logger.Info("closing kafka broker")

	k.cancel()
	k.inbox.stop()
	k.loops.Wait()
	k.closeConnections()

	stats := k.GetStats()
	k.logger.Info("kafka broker closed",
		zap.Int64("consumed", stats.MessagesConsumed),
		zap.Int64("failed", stats.MessagesFailed),
		zap.Int64("published", stats.MessagesPublished),
	)
	return err
}

func (k *KafkaBroker) Publish(ctx context.Context, msg *Message) PublishResult {
	return k.publishRemote("kafka publish", msg, func(data []byte) error {
		return k.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(msg.Topic()),
			Value: data,
			Time:  msg.CreatedAt,
			Headers: []kafka.Header{
				{Key: headerMessageID, Value: []byte(msg.ID)},
			},
		})
	})
}

func (k *KafkaBroker) GetStats() *BrokerStats {
	stats := k.core.GetStats()
	stats.ActiveWorkers = k.inbox.activeWorkers.Load()
	return stats
}

func (k *KafkaBroker) HealthCheck(ctx context.Context) error {
	if !k.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := kafka.DialLeader(ctx, "tcp", k.brokers[0], k.topic, 0)
	if err != nil {
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	return conn.Close()
}

// 建立连接
func (k *KafkaBroker) connect(ctx context.Context) error {
	k.logger.Info("connecting to kafka", zap.Strings("brokers", k.brokers))

	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        k.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		Async:        false,
	}

	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.brokers,
		Topic:          k.topic,
		GroupID:        k.groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 1 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// 尝试获取 topic leader 验证连通性
	conn, err := kafka.DialLeader(ctx, "tcp", k.brokers[0], k.topic, 0)
	if err != nil {
		k.closeConnections()
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	_ = conn.Close()

	k.logger.Info("connected to kafka")
	return nil
}

// 关闭连接，关闭后的 writer 写入会直接返回错误
func (k *KafkaBroker) closeConnections() {
	if k.writer != nil {
		_ = k.writer.Close()
	}
	if k.reader != nil {
		_ = k.reader.Close()
	}
}

// 监控连接
func (k *KafkaBroker) monitorConnection() {
	defer k.loops.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			if err := k.HealthCheck(k.ctx); err != nil && k.ctx.Err() == nil {
				k.logger.Error("kafka connection lost", zap.Error(err))
			}
		}
	}
}

// 启动接收循环
func (k *KafkaBroker) startReceiveLoop() {
	k.loops.Add(1)
	reader := k.reader

	go func() {
		defer k.loops.Done()

		k.logger.Info("starting kafka receive loop")

		for {
			msg, err := reader.ReadMessage(k.ctx)
			if err != nil {
				if k.ctx.Err() != nil || errors.Is(err, io.EOF) {
					k.logger.Info("kafka receive loop stopping")
					return
				}
				k.logger.Error("read kafka message error", zap.Error(err))

				select {
				case <-k.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			k.handleMessage(msg)
		}
	}()
}

func (k *KafkaBroker) handleMessage(msg kafka.Message) {
	m, err := DecodeMessage(msg.Value)
	if err != nil {
		k.logger.Error("decode kafka message failed",
			zap.String("routing_key", string(msg.Key)),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}

	k.logger.Debug("kafka message received",
		zap.String("topic", m.Topic()),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	k.inbox.push(m)
}
