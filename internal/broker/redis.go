package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisChannelPrefix = "bus:"

// RedisBroker 通过 Redis PUB/SUB 传输，订阅匹配、重试与死信在本地完成
type RedisBroker struct {
	*core

	addr     string
	password string
	db       int
	prefix   string

	client *redis.Client
	pubsub *redis.PubSub
	inbox  *inbox

	// 生命周期控制
	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	loops       sync.WaitGroup
}

func NewRedisBroker(cfg Config, logger *zap.Logger) *RedisBroker {
	cfg.Type = TypeRedis
	prefix := cfg.Redis.ChannelPrefix
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}

	r := &RedisBroker{
		addr:     cfg.Redis.Addr,
		password: cfg.Redis.Password,
		db:       cfg.Redis.DB,
		prefix:   prefix,
	}
	r.core = newCore(cfg, logger, r.Publish)
	r.inbox = newInbox("redis", cfg, r.logger, r.acceptRemote)
	return r
}

func (r *RedisBroker) Connect(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.IsConnected() {
		return nil
	}

	if err := r.connect(ctx); err != nil {
		return wrapError(ErrCodeConnection, "redis connect", err)
	}

	// 订阅前缀下的所有 channel
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.pubsub = r.client.PSubscribe(r.ctx, r.prefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.cancel()
		_ = r.pubsub.Close()
		_ = r.client.Close()
		return wrapError(ErrCodeConnection, "redis subscribe", err)
	}

	r.markConnected()
	r.inbox.start()
	r.startReceiveLoop()

	r.loops.Add(1)
	go r.monitorConnection()

	r.logger.Info("redis broker connected",
		zap.String("addr", r.addr),
		zap.String("channel_prefix", r.prefix),
	)
	return nil
}

func (r *RedisBroker) Disconnect(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	changed, err := r.markDisconnected(ctx)
	if !changed {
		return nil
	}

	r.logger.Info("closing redis broker")

	r.cancel()
	r.inbox.stop()
	r.loops.Wait()

	if r.pubsub != nil {
		if cerr := r.pubsub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if r.client != nil {
		if cerr := r.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	stats := r.GetStats()
	r.logger.Info("redis broker closed",
		zap.Int64("consumed", stats.MessagesConsumed),
		zap.Int64("failed", stats.MessagesFailed),
		zap.Int64("published", stats.MessagesPublished),
	)
	return err
}

func (r *RedisBroker) Publish(ctx context.Context, msg *Message) PublishResult {
	return r.publishRemote("redis publish", msg, func(data []byte) error {
		return r.client.Publish(ctx, r.channel(msg.Topic()), data).Err()
	})
}

func (r *RedisBroker) GetStats() *BrokerStats {
	stats := r.core.GetStats()
	stats.ActiveWorkers = r.inbox.activeWorkers.Load()
	return stats
}

// HealthCheck 健康检查
func (r *RedisBroker) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisBroker) channel(topic string) string {
	return r.prefix + topic
}

// 建立连接
func (r *RedisBroker) connect(ctx context.Context) error {
	r.logger.Info("connecting to redis", zap.String("addr", r.addr))

	r.client = redis.NewClient(&redis.Options{
		Addr:         r.addr,
		Password:     r.password,
		DB:           r.db,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Error("failed to connect to redis", zap.Error(err))
		_ = r.client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.logger.Info("connected to redis")
	return nil
}

func (r *RedisBroker) monitorConnection() {
	defer r.loops.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, 3*time.Second)
			err := r.client.Ping(ctx).Err()
			cancel()

			if err != nil && r.ctx.Err() == nil {
				r.logger.Error("redis connection lost", zap.Error(err))
			}
		}
	}
}

// 启动接收循环
func (r *RedisBroker) startReceiveLoop() {
	r.loops.Add(1)

	go func() {
		defer r.loops.Done()

		r.logger.Info("starting redis receive loop")

		ch := r.pubsub.Channel()
		for {
			select {
			case <-r.ctx.Done():
				r.logger.Info("redis receive loop stopping")
				return
			case msg, ok := <-ch:
				if !ok {
					r.logger.Warn("redis pubsub channel closed")
					return
				}
				r.handleMessage(msg)
			}
		}
	}()
}

func (r *RedisBroker) handleMessage(msg *redis.Message) {
	m, err := DecodeMessage([]byte(msg.Payload))
	if err != nil {
		r.logger.Error("decode redis message failed",
			zap.String("channel", msg.Channel),
			zap.Error(err),
		)
		return
	}

	if topic := strings.TrimPrefix(msg.Channel, r.prefix); topic != m.Topic() {
		r.logger.Warn("redis channel and message topic differ",
			zap.String("channel", msg.Channel),
			zap.String("topic", m.Topic()),
		)
	}

	r.inbox.push(m)
}
