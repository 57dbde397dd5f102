package broker

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Broker 统一的发布订阅抽象，内存引擎与各网络引擎都实现它
type Broker interface {
	// Connect 进入可用状态，可重复调用
	Connect(ctx context.Context) error

	// Disconnect 停止投递、取消并等待所有在途投递任务，可重复调用
	Disconnect(ctx context.Context) error

	IsConnected() bool

	// Publish 发布消息，未连接时返回 Success=false；不等待订阅方处理
	Publish(ctx context.Context, msg *Message) PublishResult

	// Subscribe 注册订阅
	Subscribe(ctx context.Context, sub *Subscription) error

	// SubscribeHandler 以 handler + 选项注册订阅
	SubscribeHandler(ctx context.Context, pattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error)

	// Unsubscribe 移除 pattern 下的所有订阅
	Unsubscribe(ctx context.Context, pattern string) error

	CreateTopic(ctx context.Context, name string) error
	DeleteTopic(ctx context.Context, name string) error
	ListTopics() []string
	TopicInfo(name string) (TopicInfo, bool)

	// MessageHistory 最近 limit 条，limit <= 0 返回全部保留的消息
	MessageHistory(name string, limit int) []*Message

	// SubscriberCount pattern 为空时返回全部订阅数
	SubscriberCount(pattern string) int

	// ReplayMessages 从保留缓冲的第 fromOffset 条（0 为最旧的保留消息）起同步重放，返回重放条数。
	// fromOffset 按保留缓冲计数，不是 PublishResult.Offset：淘汰发生后需减去已淘汰的条数
	ReplayMessages(ctx context.Context, name string, fromOffset int, handler Handler) (int, error)

	// GetStats 获取统计信息
	GetStats() *BrokerStats
}

// Type 引擎类型
type Type string

const (
	TypeMemory   Type = "memory"
	TypeRedis    Type = "redis"
	TypeKafka    Type = "kafka"
	TypeRabbitMQ Type = "rabbitmq"
	TypeNATS     Type = "nats"
)

// Types 已支持的引擎类型
func Types() []Type {
	return []Type{TypeMemory, TypeRedis, TypeKafka, TypeRabbitMQ, TypeNATS}
}

const DefaultDLQSuffix = ".dlq"

// Extra 中识别的键
const (
	ExtraHistoryLimit    = "history_limit"
	ExtraWorkerCount     = "worker_count"
	ExtraQueueSize       = "queue_size"
	ExtraBackpressure    = "backpressure"
	ExtraShutdownTimeout = "shutdown_timeout"
)

// Config 构造 broker 时确定，之后不可变
type Config struct {
	Type      Type           `yaml:"type"`
	EnableDLQ bool           `yaml:"enable_dlq"`
	DLQSuffix string         `yaml:"dlq_suffix"`
	Extra     map[string]any `yaml:"extra"`

	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	NATS     NATSConfig     `yaml:"nats"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// DLQTopic topic 对应的死信 topic
func (c Config) DLQTopic(topic string) string {
	return topic + c.dlqSuffix()
}

func (c Config) dlqSuffix() string {
	if c.DLQSuffix == "" {
		return DefaultDLQSuffix
	}
	return c.DLQSuffix
}

func (c Config) HistoryLimit() int {
	return c.extraInt(DefaultHistoryLimit, ExtraHistoryLimit, "historyLimit")
}

func (c Config) WorkerCount() int {
	return c.extraInt(10, ExtraWorkerCount, "workerCount")
}

func (c Config) QueueSize() int {
	return c.extraInt(1000, ExtraQueueSize, "queueSize")
}

func (c Config) ShutdownTimeout() time.Duration {
	return c.extraDuration(30*time.Second, ExtraShutdownTimeout, "shutdownTimeout")
}

func (c Config) Backpressure() BackpressureStrategy {
	v, ok := c.extra(ExtraBackpressure)
	if !ok {
		return BackpressureTimeout
	}
	s, _ := v.(string)
	return ParseBackpressureStrategy(s)
}

func (c Config) extra(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := c.Extra[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (c Config) extraInt(def int, keys ...string) int {
	v, ok := c.extra(keys...)
	if !ok {
		return def
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		n = parsed
	default:
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

// extraDuration 字符串按 time.ParseDuration 解析，数字按毫秒
func (c Config) extraDuration(def time.Duration, keys ...string) time.Duration {
	v, ok := c.extra(keys...)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case time.Duration:
		return t
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return def
		}
		return d
	case int:
		return time.Duration(t) * time.Millisecond
	case int64:
		return time.Duration(t) * time.Millisecond
	case float64:
		return time.Duration(t * float64(time.Millisecond))
	}
	return def
}

// PublishResult 发布结果
type PublishResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// BrokerStats 统计信息，计数只增不减
type BrokerStats struct {
	MessagesPublished int64 `json:"messages_published"`
	MessagesConsumed  int64 `json:"messages_consumed"`
	MessagesFailed    int64 `json:"messages_failed"`
	MessagesDLQ       int64 `json:"messages_dlq"`
	ActiveDeliveries  int64 `json:"active_deliveries"`
	ActiveWorkers     int32 `json:"active_workers"`
	Topics            int   `json:"topics"`
	Subscriptions     int   `json:"subscriptions"`
}

// BackpressureStrategy 网络引擎本地队列满时的处理方式；内存引擎不施加背压
type BackpressureStrategy int

const (
	// BackpressureTimeout 等待一小段时间后丢弃
	BackpressureTimeout BackpressureStrategy = iota
	// BackpressureBlock 阻塞直到有空位或关闭
	BackpressureBlock
	// BackpressureDrop 立即丢弃
	BackpressureDrop
)

func (s BackpressureStrategy) String() string {
	switch s {
	case BackpressureBlock:
		return "block"
	case BackpressureDrop:
		return "drop"
	default:
		return "timeout"
	}
}

func ParseBackpressureStrategy(s string) BackpressureStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return BackpressureBlock
	case "drop":
		return BackpressureDrop
	default:
		return BackpressureTimeout
	}
}

// PublishPayload 以 topic + payload + header 发布
func PublishPayload(ctx context.Context, b Broker, topic string, payload []byte, headers map[string]string, opts ...MessageOption) PublishResult {
	msg, err := NewMessage(topic, payload, append([]MessageOption{WithHeaders(headers)}, opts...)...)
	if err != nil {
		return PublishResult{Topic: topic, Timestamp: time.Now(), Err: err}
	}
	return b.Publish(ctx, msg)
}
