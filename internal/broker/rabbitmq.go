package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultRabbitMQExchange = "bus.topic"

// RabbitMQBroker topic 交换机，routing key 即 bus topic；队列绑定 "#" 接收全部消息后在本地匹配
type RabbitMQBroker struct {
	*core

	url      string
	exchange string
	queue    string

	conn     *amqp.Connection
	channels []*amqp.Channel
	// 专门用于发布的 channel（与消费分离）
	publishChannel *amqp.Channel
	publishMu      sync.Mutex
	inbox          *inbox
	workerCount    int

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	loops       sync.WaitGroup
}

func NewRabbitMQBroker(cfg Config, logger *zap.Logger) *RabbitMQBroker {
	cfg.Type = TypeRabbitMQ
	exchange := cfg.RabbitMQ.Exchange
	if exchange == "" {
		exchange = defaultRabbitMQExchange
	}

	r := &RabbitMQBroker{
		url:         cfg.RabbitMQ.URL,
		exchange:    exchange,
		queue:       cfg.RabbitMQ.Queue,
		workerCount: cfg.WorkerCount(),
	}
	r.core = newCore(cfg, logger, r.Publish)
	r.inbox = newInbox("rabbitmq", cfg, r.logger, r.acceptRemote)
	return r
}

func (r *RabbitMQBroker) Connect(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.IsConnected() {
		return nil
	}

	if err := r.connect(); err != nil {
		return wrapError(ErrCodeConnection, "rabbitmq connect", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.markConnected()
	r.inbox.start()
	r.startWorkerPool()

	r.loops.Add(1)
	go r.handleConnectionErrors()

	r.logger.Info("rabbitmq broker connected",
		zap.String("exchange", r.exchange),
		zap.String("queue", r.queue),
	)
	return nil
}

func (r *RabbitMQBroker) Disconnect(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	changed, err := r.markDisconnected(ctx)
	if !changed {
		return nil
	}

	r.logger.Info("closing rabbitmq broker")

	// 1. 停止 worker 与本地队列
	r.cancel()
	r.inbox.stop()

	// 2. 关闭发布 channel 与消费 channel，消费端的 delivery channel 随之关闭
	if r.publishChannel != nil {
		if cerr := r.publishChannel.Close(); cerr != nil {
			r.logger.Error("close publish channel failed", zap.Error(cerr))
		}
	}
	for i, ch := range r.channels {
		if ch == nil {
			continue
		}
		if cerr := ch.Close(); cerr != nil {
			r.logger.Error("close channel failed", zap.Int("channel_id", i), zap.Error(cerr))
		}
	}

	// 3. 关闭连接
	if r.conn != nil {
		if cerr := r.conn.Close(); cerr != nil {
			r.logger.Error("close connection failed", zap.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
	}
	r.loops.Wait()

	stats := r.GetStats()
	r.logger.Info("rabbitmq broker closed",
		zap.Int64("consumed", stats.MessagesConsumed),
		zap.Int64("failed", stats.MessagesFailed),
		zap.Int64("published", stats.MessagesPublished),
	)
	return err
}

func (r *RabbitMQBroker) Publish(ctx context.Context, msg *Message) PublishResult {
	return r.publishRemote("rabbitmq publish", msg, func(data []byte) error {
		r.publishMu.Lock()
		defer r.publishMu.Unlock()

		confirm, err := r.publishChannel.PublishWithDeferredConfirmWithContext(
			ctx,
			r.exchange,
			msg.Topic(),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         data,
				DeliveryMode: amqp.Persistent,
				Timestamp:    msg.CreatedAt,
				MessageId:    msg.ID,
			},
		)
		if err != nil {
			return err
		}
		if confirm == nil {
			return nil
		}

		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("message %s nacked by rabbitmq", msg.ID)
		}
		return nil
	})
}

func (r *RabbitMQBroker) GetStats() *BrokerStats {
	stats := r.core.GetStats()
	stats.ActiveWorkers = r.inbox.activeWorkers.Load()
	return stats
}

func (r *RabbitMQBroker) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}
	if r.conn == nil || r.conn.IsClosed() {
		return fmt.Errorf("connection is closed")
	}
	if r.publishChannel == nil || r.publishChannel.IsClosed() {
		return fmt.Errorf("publish channel is closed")
	}
	return nil
}

// 建立连接、声明交换机与队列
func (r *RabbitMQBroker) connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("rabbitmq connection failed: %w", err)
	}

	publishChannel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("create publish channel failed: %w", err)
	}

	// 设置发布确认模式
	if err = publishChannel.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set publish confirm failed: %w", err)
	}

	if err = publishChannel.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange failed: %w", err)
	}

	// 未指定队列名时每个节点一个独占临时队列
	durable, exclusive := true, false
	if r.queue == "" {
		durable, exclusive = false, true
	}
	q, err := publishChannel.QueueDeclare(r.queue, durable, !durable, exclusive, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare queue failed: %w", err)
	}
	r.queue = q.Name

	if err = publishChannel.QueueBind(r.queue, multiWildcard, r.exchange, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue bind failed: %w", err)
	}

	// 每个 worker 一个 channel，prefetch = 1
	channels := make([]*amqp.Channel, r.workerCount)
	for i := 0; i < r.workerCount; i++ {
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("create channel %d failed: %w", i, err)
		}
		if err = ch.Qos(1, 0, false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set qos for channel %d failed: %w", i, err)
		}
		channels[i] = ch
	}

	r.conn = conn
	r.publishChannel = publishChannel
	r.channels = channels
	return nil
}

// 监听连接错误
func (r *RabbitMQBroker) handleConnectionErrors() {
	defer r.loops.Done()

	errChan := r.conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-r.ctx.Done():
		return
	case err, ok := <-errChan:
		if !ok || err == nil {
			return
		}
		r.logger.Error("rabbitmq connection error",
			zap.Error(err),
			zap.Int("code", err.Code),
			zap.String("reason", err.Reason),
		)
	}
}

// 启动 worker 池
func (r *RabbitMQBroker) startWorkerPool() {
	r.logger.Info("starting rabbitmq consumers", zap.Int("worker_count", len(r.channels)))

	for i, ch := range r.channels {
		msgs, err := ch.Consume(
			r.queue,
			fmt.Sprintf("worker-%d-%d", time.Now().Unix(), i),
			false,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			r.logger.Error("worker consume failed", zap.Int("worker_id", i), zap.Error(err))
			continue
		}

		r.loops.Add(1)
		go func(workerID int, msgs <-chan amqp.Delivery) {
			defer r.loops.Done()

			for {
				select {
				case <-r.ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					r.handleDelivery(workerID, msg)
				}
			}
		}(i, msgs)
	}
}

// handleDelivery 进入本地队列后 ACK；被背压丢弃的消息重新入队
func (r *RabbitMQBroker) handleDelivery(workerID int, msg amqp.Delivery) {
	m, err := DecodeMessage(msg.Body)
	if err != nil {
		r.logger.Error("decode rabbitmq message failed",
			zap.Int("worker_id", workerID),
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		_ = msg.Reject(false)
		return
	}

	if !r.inbox.push(m) {
		_ = msg.Nack(false, true)
		return
	}

	if err := msg.Ack(false); err != nil {
		r.logger.Error("ack failed",
			zap.Int("worker_id", workerID),
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
	}
}
